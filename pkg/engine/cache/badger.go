package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/carriersift/carriersift/pkg/engine/models"
)

// BadgerStore implements the verdict cache on an embedded BadgerDB.
//
// Entries are written with badger's native TTL so expiry needs no sweeper.
// The freshness check on read is kept anyway: an entry written under a
// longer TTL by an earlier configuration must not outlive the current bound.
type BadgerStore struct {
	db  *badger.DB
	ttl time.Duration
}

// NewBadgerStore opens (or creates) the badger database at path.
func NewBadgerStore(path string, ttl time.Duration) (*BadgerStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is too chatty for a cache

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger cache at %s: %w", path, err)
	}

	return &BadgerStore{db: db, ttl: ttl}, nil
}

func verdictKey(e164 string) []byte {
	return []byte("verdict/" + e164)
}

// LookupBatch reads all fresh entries inside a single read transaction.
func (s *BadgerStore) LookupBatch(ctx context.Context, phones []string) (map[string]*models.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hits := make(map[string]*models.CacheEntry)
	if len(phones) == 0 {
		return hits, nil
	}

	now := time.Now()
	err := s.db.View(func(txn *badger.Txn) error {
		for _, phone := range phones {
			item, err := txn.Get(verdictKey(phone))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}

			var entry models.CacheEntry
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return err
			}

			if !entry.FreshAt(now, s.ttl) {
				continue
			}
			hits[phone] = &entry
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// Upsert writes the verdict with the configured TTL.
func (s *BadgerStore) Upsert(ctx context.Context, entry *models.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entry.LastChecked = time.Now()
	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(verdictKey(entry.E164), val).WithTTL(s.ttl)
		return txn.SetEntry(e)
	})
}

// Delete removes the entry for a phone. Deleting a missing entry is not an
// error.
func (s *BadgerStore) Delete(ctx context.Context, e164 string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(verdictKey(e164))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// Close closes the underlying badger database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
