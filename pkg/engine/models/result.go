package models

import "time"

// ContactType is the classification verdict for a phone.
type ContactType string

const (
	ContactTypeIPhone  ContactType = "iPhone"
	ContactTypeAndroid ContactType = "Android"
	ContactTypeUnknown ContactType = "Unknown"
	ContactTypeError   ContactType = "ERROR"
)

// IsValid checks if the contact type is known.
func (c ContactType) IsValid() bool {
	switch c {
	case ContactTypeIPhone, ContactTypeAndroid, ContactTypeUnknown, ContactTypeError:
		return true
	}
	return false
}

// Result is one durable classification outcome.
//
// The (FileID, E164) pair is unique: the result log is append-only and a
// duplicate insert for the same pair is rejected by the database. The
// auto-increment ID doubles as the insertion order for CSV emission.
type Result struct {
	ID               uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	FileID           string      `gorm:"size:36;not null;uniqueIndex:idx_results_file_e164" json:"file_id"`
	E164             string      `gorm:"size:20;not null;uniqueIndex:idx_results_file_e164" json:"e164"`
	PhoneNumber      string      `gorm:"size:64;not null" json:"phone_number"`
	IsIOS            bool        `gorm:"not null;default:false" json:"is_ios"`
	SupportsIMessage bool        `gorm:"not null;default:false" json:"supports_imessage"`
	SupportsSMS      bool        `gorm:"not null;default:false" json:"supports_sms"`
	ContactType      ContactType `gorm:"size:20;not null" json:"contact_type"`
	Error            *string     `json:"error,omitempty"`
	FromCache        bool        `gorm:"not null;default:false" json:"from_cache"`
	CreatedAt        time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for Result.
func (Result) TableName() string {
	return "blooio_results"
}
