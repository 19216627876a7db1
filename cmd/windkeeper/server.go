package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/windkeeper/windkeeper/internal/clock"
	"github.com/windkeeper/windkeeper/internal/companion"
	"github.com/windkeeper/windkeeper/internal/config"
	"github.com/windkeeper/windkeeper/internal/engine"
	"github.com/windkeeper/windkeeper/internal/metrics"
	"github.com/windkeeper/windkeeper/internal/pressure"
	"github.com/windkeeper/windkeeper/internal/remote"
	"github.com/windkeeper/windkeeper/internal/storage/bolt"
	"github.com/windkeeper/windkeeper/internal/syncer"
	"github.com/windkeeper/windkeeper/internal/systemd"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Windkeeper daemon",
	Long:  `Start the Windkeeper daemon: the pressure engine, the event log, the sync reconciler, and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting Windkeeper")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := bolt.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("path", cfg.Storage.Path).Msg("Storage initialized")

	// Initialize sync reconciler when a remote store is configured
	var reconciler *syncer.Reconciler
	if cfg.Remote.Enabled {
		remoteStore, err := remote.Open(cfg.Remote)
		if err != nil {
			return fmt.Errorf("failed to connect to remote store: %w", err)
		}
		defer func() {
			if err := remoteStore.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close remote store")
			}
		}()

		reconciler = syncer.New(store, remoteStore, cfg.Engine.UserID, syncer.Config{
			MinInterval:   parseDuration(cfg.Sync.MinInterval, 30*time.Second),
			RetryAttempts: cfg.Sync.RetryAttempts,
			Timeout:       parseDuration(cfg.Sync.Timeout, 15*time.Second),
		}, clock.RealClock{}, logger)

		logger.Info().
			Str("host", cfg.Remote.Host).
			Int("port", cfg.Remote.Port).
			Msg("Remote store connected")
	} else {
		logger.Info().Msg("Remote sync disabled, running local-only")
	}

	// Initialize the pressure engine
	engineCfg, err := buildEngineConfig(cfg)
	if err != nil {
		return err
	}

	eng, err := engine.New(store, clock.RealClock{}, nil, reconciler, engineCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	if err := eng.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if reconciler != nil {
		go reconciler.Run(ctx)
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		logger.Info().Str("addr", metricsAddr).Msg("Metrics Server started")
	}

	logger.Info().Msg("Windkeeper startup complete")

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd readiness")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd stop")
	}

	cancel()
	eng.Stop()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("Windkeeper stopped")
	return nil
}

// buildEngineConfig translates the file configuration into the engine's
// runtime knobs, resolving the preset catalog and the timezone.
func buildEngineConfig(cfg *config.Config) (engine.Config, error) {
	loc := time.Local
	if cfg.Engine.Timezone != "" {
		l, err := time.LoadLocation(cfg.Engine.Timezone)
		if err != nil {
			return engine.Config{}, fmt.Errorf("invalid timezone %q: %w", cfg.Engine.Timezone, err)
		}
		loc = l
	}

	presets := make(map[string]pressure.Preset, len(cfg.Presets.Catalog))
	for id, p := range cfg.Presets.Catalog {
		presets[id] = pressure.Preset{
			ID:                id,
			Name:              p.Name,
			MinutesToBlowAway: p.MinutesToBlowAway,
			FallRatePerMinute: p.FallRatePerMinute,
			Baseline:          p.Baseline,
		}
	}

	return engine.Config{
		Presets:         presets,
		DefaultPresetID: cfg.Presets.Default,
		Thresholds: companion.Thresholds{
			ThrivingBelow: cfg.Lifecycle.ThrivingBelow,
			BreezyBelow:   cfg.Lifecycle.BreezyBelow,
			StressedBelow: cfg.Lifecycle.StressedBelow,
		},
		SafeUnlockBelow:    cfg.Lifecycle.SafeUnlockBelow,
		MinArchiveAge:      time.Duration(cfg.Lifecycle.MinArchiveAgeDays) * 24 * time.Hour,
		AutoLockAfterBreak: cfg.Engine.AutoLockAfterBreak,
		AuthorizationGrace: parseDuration(cfg.Lifecycle.AuthorizationGrace, 48*time.Hour),
		PollInterval:       parseDuration(cfg.Engine.PollInterval, time.Second),
		DailyResetTime:     cfg.Engine.DailyResetTime,
		EventRetention:     time.Duration(cfg.Logging.EventRetentionDays) * 24 * time.Hour,
		Location:           loc,
	}, nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
