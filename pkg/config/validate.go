package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for invalid values.
//
// Structural validation (ranges, enums) is driven by the `validate` struct
// tags; section-specific rules (database connection requirements) run after.
//
// The upstream client section is deliberately not validated here: its
// base_url and api_key are only required by commands that talk to the
// upstream, and the client constructor enforces them at that point.
func Validate(cfg *Config) error {
	v := validator.New()

	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("invalid database configuration: %w", err)
	}

	return nil
}
