// Package cache provides the cross-file classifier verdict cache.
//
// Verdicts are keyed by E.164 phone number and bounded by a freshness TTL
// (default six months). The cache crosses file boundaries: a verdict cached
// while processing one file is consumed by every later file. Error verdicts
// are never written, so a transient upstream failure cannot poison future
// classifications.
//
// Two backends are supported:
//   - database: a table in the engine database (default)
//   - badger: an embedded BadgerDB key/value store with native TTL entries
package cache

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/carriersift/carriersift/pkg/engine/models"
)

// Backend identifies the cache storage implementation.
type Backend string

const (
	// BackendDatabase stores verdicts in the engine database (default).
	BackendDatabase Backend = "database"

	// BackendBadger stores verdicts in an embedded BadgerDB.
	BackendBadger Backend = "badger"
)

// DefaultTTL is the default freshness bound for cached verdicts.
const DefaultTTL = 6 * 30 * 24 * time.Hour // 6 months

// Config contains verdict cache configuration.
type Config struct {
	// Backend selects the storage implementation.
	Backend Backend `mapstructure:"backend" yaml:"backend"`

	// TTL bounds how long a verdict stays authoritative.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`

	// BadgerPath is the on-disk directory for the badger backend.
	BadgerPath string `mapstructure:"badger_path" yaml:"badger_path"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendDatabase
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
}

// Store is the verdict cache interface.
//
// Freshness is enforced on read: LookupBatch never returns an entry older
// than the TTL, regardless of backend. Upserts are last-writer-wins and
// safe under concurrency.
type Store interface {
	// LookupBatch returns the fresh entries for the given phones in a
	// single round-trip. Phones with no fresh entry are simply absent
	// from the returned map.
	LookupBatch(ctx context.Context, phones []string) (map[string]*models.CacheEntry, error)

	// Upsert records a successful verdict and stamps last_checked.
	// Callers must never pass an error verdict.
	Upsert(ctx context.Context, entry *models.CacheEntry) error

	// Delete removes the entry for a phone, if present.
	Delete(ctx context.Context, e164 string) error

	// Close releases backend resources.
	Close() error
}

// New creates a verdict cache for the configured backend. The database
// backend reuses the engine's GORM connection.
func New(cfg Config, db *gorm.DB) (Store, error) {
	cfg.ApplyDefaults()

	switch cfg.Backend {
	case BackendDatabase:
		if db == nil {
			return nil, fmt.Errorf("database cache backend requires a database connection")
		}
		return NewDatabaseStore(db, cfg.TTL), nil
	case BackendBadger:
		if cfg.BadgerPath == "" {
			return nil, fmt.Errorf("badger cache backend requires a path")
		}
		return NewBadgerStore(cfg.BadgerPath, cfg.TTL)
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Backend)
	}
}
