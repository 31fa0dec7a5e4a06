package cache

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/carriersift/carriersift/pkg/engine/models"
)

// DatabaseStore implements the verdict cache on the engine database.
//
// Freshness is enforced in the query: stale rows stay in the table until
// overwritten but are never returned as hits. No background expiry runs.
type DatabaseStore struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewDatabaseStore creates a database-backed verdict cache.
func NewDatabaseStore(db *gorm.DB, ttl time.Duration) *DatabaseStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &DatabaseStore{db: db, ttl: ttl}
}

// LookupBatch fetches all fresh entries for the given phones in one query.
func (s *DatabaseStore) LookupBatch(ctx context.Context, phones []string) (map[string]*models.CacheEntry, error) {
	hits := make(map[string]*models.CacheEntry)
	if len(phones) == 0 {
		return hits, nil
	}

	cutoff := time.Now().Add(-s.ttl)

	var entries []*models.CacheEntry
	err := s.db.WithContext(ctx).
		Where("e164 IN ? AND last_checked >= ?", phones, cutoff).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		hits[e.E164] = e
	}
	return hits, nil
}

// Upsert inserts or refreshes a verdict, stamping last_checked.
func (s *DatabaseStore) Upsert(ctx context.Context, entry *models.CacheEntry) error {
	entry.LastChecked = time.Now()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "e164"}},
			UpdateAll: true,
		}).
		Create(entry).Error
}

// Delete removes the entry for a phone. Deleting a missing entry is not an
// error.
func (s *DatabaseStore) Delete(ctx context.Context, e164 string) error {
	return s.db.WithContext(ctx).
		Where("e164 = ?", e164).
		Delete(&models.CacheEntry{}).Error
}

// Close is a no-op: the database connection is owned by the engine store.
func (s *DatabaseStore) Close() error {
	return nil
}
