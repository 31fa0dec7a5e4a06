package models

import "time"

// CacheEntry is a classifier verdict cached across files.
//
// Entries are keyed by E.164 and stamped with the time of the successful
// upstream lookup. Freshness is enforced on read: an entry older than the
// configured TTL is treated as a miss. Error verdicts are never cached.
type CacheEntry struct {
	E164             string      `gorm:"primaryKey;size:20" json:"e164"`
	IsIOS            bool        `gorm:"not null;default:false" json:"is_ios"`
	SupportsIMessage bool        `gorm:"not null;default:false" json:"supports_imessage"`
	SupportsSMS      bool        `gorm:"not null;default:false" json:"supports_sms"`
	ContactType      ContactType `gorm:"size:20;not null" json:"contact_type"`
	LastChecked      time.Time   `gorm:"not null;index" json:"last_checked"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "blooio_cache"
}

// FreshAt reports whether the entry is still authoritative at the given time.
func (e *CacheEntry) FreshAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.LastChecked) < ttl
}
