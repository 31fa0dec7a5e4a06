package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/carriersift/carriersift/pkg/engine/cache"
	"github.com/carriersift/carriersift/pkg/engine/store"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default log level INFO, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default log format text, got %s", cfg.Logging.Format)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown timeout 30s, got %v", cfg.ShutdownTimeout)
	}
	if cfg.Database.Type != store.DatabaseTypeSQLite {
		t.Errorf("Expected sqlite database by default, got %s", cfg.Database.Type)
	}
	if cfg.Cache.Backend != cache.BackendDatabase {
		t.Errorf("Expected database cache backend by default, got %s", cfg.Cache.Backend)
	}
	if cfg.Cache.TTL != cache.DefaultTTL {
		t.Errorf("Expected default cache TTL, got %v", cfg.Cache.TTL)
	}
	if cfg.Engine.MaxWallTime != 280*time.Second {
		t.Errorf("Expected default wall time 280s, got %v", cfg.Engine.MaxWallTime)
	}
	if cfg.Engine.RateLimitRPS != 4 {
		t.Errorf("Expected default rate limit 4 rps, got %d", cfg.Engine.RateLimitRPS)
	}
	if cfg.Engine.ChunkSize != 500 {
		t.Errorf("Expected default chunk size 500, got %d", cfg.Engine.ChunkSize)
	}
	if cfg.Upstream.Timeout != 15*time.Second {
		t.Errorf("Expected default upstream timeout 15s, got %v", cfg.Upstream.Timeout)
	}
	if cfg.Upstream.RateLimitPause != 5*time.Second {
		t.Errorf("Expected default rate-limit pause 5s, got %v", cfg.Upstream.RateLimitPause)
	}
	if cfg.Telemetry.Enabled {
		t.Error("Expected telemetry disabled by default")
	}
	if cfg.Telemetry.SampleRate != 1.0 {
		t.Errorf("Expected default sample rate 1.0, got %f", cfg.Telemetry.SampleRate)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	// Point the default config dir somewhere empty.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default config, got level %s", cfg.Logging.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
logging:
  level: debug
  format: json
engine:
  chunk_size: 250
  max_wall_time: 120s
  rate_limit_rps: 2
upstream:
  base_url: https://api.blooio.test/v1
  api_key: secret
  timeout: 10s
database:
  type: sqlite
  sqlite:
    path: /tmp/test-engine.db
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected level normalized to DEBUG, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected format json, got %s", cfg.Logging.Format)
	}
	if cfg.Engine.ChunkSize != 250 {
		t.Errorf("Expected chunk size 250, got %d", cfg.Engine.ChunkSize)
	}
	if cfg.Engine.MaxWallTime != 2*time.Minute {
		t.Errorf("Expected wall time 2m from duration string, got %v", cfg.Engine.MaxWallTime)
	}
	if cfg.Engine.RateLimitRPS != 2 {
		t.Errorf("Expected rate limit 2, got %d", cfg.Engine.RateLimitRPS)
	}
	if cfg.Upstream.BaseURL != "https://api.blooio.test/v1" {
		t.Errorf("Unexpected upstream base URL: %s", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.Timeout != 10*time.Second {
		t.Errorf("Expected upstream timeout 10s, got %v", cfg.Upstream.Timeout)
	}
	// Unspecified sections fall back to defaults.
	if cfg.Engine.MaxRetries != 3 {
		t.Errorf("Expected default max retries 3, got %d", cfg.Engine.MaxRetries)
	}
	if cfg.Cache.Backend != cache.BackendDatabase {
		t.Errorf("Expected default cache backend, got %s", cfg.Cache.Backend)
	}
}

func TestLoadInvalidLoggingLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
logging:
  level: verbose
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Expected validation error for invalid log level")
	}
}

func TestValidateDatabaseConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Database.Type = "mysql"

	if err := Validate(cfg); err == nil {
		t.Error("Expected validation error for unsupported database type")
	}
}

func TestSaveAndReloadConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := GetDefaultConfig()
	cfg.Logging.Level = "DEBUG"
	cfg.Engine.ChunkSize = 100
	cfg.Upstream.BaseURL = "https://api.blooio.test/v1"
	cfg.Upstream.APIKey = "secret"

	path := filepath.Join(t.TempDir(), "saved.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	// The file carries the upstream API key.
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected mode 0600, got %v", info.Mode().Perm())
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.Logging.Level != "DEBUG" {
		t.Errorf("Expected level DEBUG, got %s", reloaded.Logging.Level)
	}
	if reloaded.Engine.ChunkSize != 100 {
		t.Errorf("Expected chunk size 100, got %d", reloaded.Engine.ChunkSize)
	}
	if reloaded.Upstream.APIKey != "secret" {
		t.Errorf("Expected API key round-tripped, got %q", reloaded.Upstream.APIKey)
	}
}

func TestInitConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path, err := InitConfig(false)
	if err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	if path != GetDefaultConfigPath() {
		t.Errorf("Expected default path %s, got %s", GetDefaultConfigPath(), path)
	}
	if !DefaultConfigExists() {
		t.Error("Expected config file created at default location")
	}

	// A second init without --force must refuse to overwrite.
	if _, err := InitConfig(false); err == nil {
		t.Error("Expected error when config already exists")
	}
	if _, err := InitConfig(true); err != nil {
		t.Errorf("Expected forced init to succeed, got %v", err)
	}
}

func TestMustLoadMissingExplicitFile(t *testing.T) {
	if _, err := MustLoad(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected error for missing explicit config file")
	}
}
