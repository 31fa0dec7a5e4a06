// Package metrics provides Prometheus observability for the engine.
//
// Metrics are opt-in: until InitRegistry is called every observation
// helper is a no-op with no allocation, so disabled deployments pay
// nothing.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carriersift/carriersift/internal/logger"
)

// Config contains the metrics server configuration.
type Config struct {
	// Enabled controls whether the registry and HTTP endpoint are active.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the metrics HTTP server port. Default: 9090.
	Port int `mapstructure:"port" yaml:"port"`

	// Path is the scrape endpoint path. Default: /metrics.
	Path string `mapstructure:"path" yaml:"path"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 9090
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry creates the process-global Prometheus registry and registers
// the engine collectors plus the standard Go runtime collectors. Safe to
// call once; later calls are no-ops.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()

	if registry != nil {
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	initEngineCollectors(registry)
}

// IsEnabled reports whether metrics collection is active.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// GetRegistry returns the global registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// Handler returns the HTTP handler for the scrape endpoint, or nil when
// metrics are disabled.
func Handler() http.Handler {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Serve starts the metrics HTTP server. It blocks until the server exits
// and is expected to run in its own goroutine.
func Serve(cfg Config) error {
	cfg.ApplyDefaults()

	handler := Handler()
	if handler == nil {
		return fmt.Errorf("metrics registry is not initialized")
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("Metrics server listening", "port", cfg.Port, "path", cfg.Path)
	return server.ListenAndServe()
}
