package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/carriersift/carriersift/internal/logger"
	"github.com/carriersift/carriersift/internal/telemetry"
	"github.com/carriersift/carriersift/pkg/api"
	"github.com/carriersift/carriersift/pkg/blooio"
	"github.com/carriersift/carriersift/pkg/config"
	"github.com/carriersift/carriersift/pkg/engine"
	"github.com/carriersift/carriersift/pkg/engine/cache"
	"github.com/carriersift/carriersift/pkg/engine/store"
	"github.com/carriersift/carriersift/pkg/metrics"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the carriersift server",
	Long: `Start the carriersift server: the REST API, the metrics endpoint
(when enabled) and the chunk worker runner.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/carriersift/config.yaml.

Examples:
  # Start with default config location
  carriersift start

  # Start with custom config file
  carriersift start --config /etc/carriersift/config.yaml

  # Start with environment variable overrides
  CARRIERSIFT_LOGGING_LEVEL=DEBUG carriersift start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "carriersift",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "carriersift",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint)
	}

	// Initialize metrics FIRST so collectors exist before any observation
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		go func() {
			if err := metrics.Serve(cfg.Metrics); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Engine store (files, chunks, results)
	st, err := store.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store close error", "error", err)
		}
	}()
	logger.Info("Store initialized", "type", cfg.Database.Type)

	// Verdict cache
	verdictCache, err := cache.New(cfg.Cache, st.DB())
	if err != nil {
		return fmt.Errorf("failed to initialize verdict cache: %w", err)
	}
	defer func() {
		if err := verdictCache.Close(); err != nil {
			logger.Error("cache close error", "error", err)
		}
	}()
	logger.Info("Verdict cache initialized", "backend", cfg.Cache.Backend, "ttl", cfg.Cache.TTL)

	// Upstream client and rate gate
	client, err := blooio.NewClient(cfg.Upstream)
	if err != nil {
		return fmt.Errorf("failed to initialize upstream client: %w", err)
	}
	gate := blooio.NewRateGate(cfg.Engine.RateLimitRPS)
	classifier := blooio.NewClassifier(client, verdictCache, gate)

	// Engine service, worker and runner
	service := engine.NewService(st, classifier, cfg.Engine)
	worker := engine.NewWorker(service, classifier, cfg.Engine)
	runner := engine.NewRunner(worker, cfg.Engine.PollInterval)
	runner.Start(ctx)
	defer runner.Stop()

	// API server (if enabled - defaults to true)
	apiDone := make(chan error, 1)
	if cfg.API.IsEnabled() {
		apiServer := api.NewServer(cfg.API, service, runner)
		go func() {
			apiDone <- apiServer.Start(ctx)
		}()
		logger.Info("API server enabled", "port", apiServer.Port())
	} else {
		logger.Info("API server disabled")
	}

	// Wait for interrupt signal or API server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()
		if cfg.API.IsEnabled() {
			if err := <-apiDone; err != nil {
				logger.Error("API server shutdown error", "error", err)
			}
		}
		logger.Info("Server stopped gracefully")

	case err := <-apiDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("API server error", "error", err)
			return err
		}
		logger.Info("Server stopped")
	}

	return nil
}

// getConfigSource returns a description of where the config was loaded from
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
