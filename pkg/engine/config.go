package engine

import "time"

// Config contains the chunk engine configuration.
type Config struct {
	// MaxWallTime bounds one worker invocation. A chunk interrupted by
	// the budget is split so the next invocation resumes exactly where
	// this one stopped. Default: 280s.
	MaxWallTime time.Duration `mapstructure:"max_wall_time" yaml:"max_wall_time"`

	// MaxRetries bounds how often a failed chunk is re-acquired before it
	// becomes failed_permanent. Default: 3.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// RateLimitRPS is the strict upstream pacing for the rate-limited
	// service. Default: 4.
	RateLimitRPS int `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`

	// ChunkSize is the payload size for the rate-limited service.
	// Default: 500.
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size"`

	// BulkChunkSize is the payload size for bulk service variants.
	// Default: 5000.
	BulkChunkSize int `mapstructure:"bulk_chunk_size" yaml:"bulk_chunk_size"`

	// PollInterval is the runner's idle polling interval. Default: 15s.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// ProgressStale bounds how old a served progress snapshot may be.
	// Default: 3s.
	ProgressStale time.Duration `mapstructure:"progress_stale" yaml:"progress_stale"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.MaxWallTime <= 0 {
		c.MaxWallTime = 280 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = 4
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 500
	}
	if c.BulkChunkSize <= 0 {
		c.BulkChunkSize = 5000
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.ProgressStale <= 0 {
		c.ProgressStale = 3 * time.Second
	}
}
