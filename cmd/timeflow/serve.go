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

	"github.com/goodtune/timeflow/internal/api"
	"github.com/goodtune/timeflow/internal/clock"
	"github.com/goodtune/timeflow/internal/config"
	"github.com/goodtune/timeflow/internal/engine"
	"github.com/goodtune/timeflow/internal/events"
	"github.com/goodtune/timeflow/internal/metrics"
	"github.com/goodtune/timeflow/internal/persistence"
	"github.com/goodtune/timeflow/internal/storage/tiers"
	"github.com/goodtune/timeflow/internal/systemd"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the TimeFlow service",
	Long:  `Start the timer engine with its control API and metrics endpoints.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
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
		Msg("Starting TimeFlow")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	primary, secondary, err := tiers.OpenPair(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	logger.Info().
		Str("primary", cfg.Storage.Primary.Type).
		Str("secondary", cfg.Storage.Secondary.Type).
		Msg("Storage initialized")

	d := cfg.Durations()
	gateway := persistence.NewGateway(primary, secondary, persistence.Options{
		Key:          cfg.Storage.Key,
		WriteTimeout: d.WriteTimeout,
	}, logger)

	// Initialize the timer engine
	engineCfg, err := engine.ConfigFrom(cfg)
	if err != nil {
		_ = gateway.Close()
		return err
	}

	timerEngine := engine.New(gateway, clock.NewRealClock(), engineCfg, logger)
	unsubscribe := timerEngine.Subscribe(logEvent(logger))
	defer unsubscribe()

	if err := timerEngine.Init(cmd.Context()); err != nil {
		_ = gateway.Close()
		return fmt.Errorf("failed to initialize timer engine: %w", err)
	}

	logger.Info().
		Str("session_id", timerEngine.SessionID()).
		Str("recovery_policy", string(engineCfg.RecoveryPolicy)).
		Msg("Timer engine initialized")

	// Initialize API Server
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(apiAddr, timerEngine, logger)
	if sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if err := apiServer.Start(); err != nil {
		_ = timerEngine.Dispose()
		return fmt.Errorf("failed to start API server: %w", err)
	}

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, timerEngine.Healthy, logger)
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		_ = apiServer.Stop()
		_ = timerEngine.Dispose()
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	logger.Info().Msg("TimeFlow startup complete")
	logger.Info().Msgf("Control API: http://%s", apiAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	watchdogCtx, stopWatchdog := context.WithCancel(context.Background())
	defer stopWatchdog()
	if interval := systemd.WatchdogInterval(); interval > 0 {
		logger.Info().Dur("interval", interval).Msg("Systemd watchdog enabled")
		go runWatchdog(watchdogCtx, interval, timerEngine.Healthy, logger)
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	// Signal handling loop
	for {
		sig := <-sigChan

		if sig == syscall.SIGHUP {
			reload(timerEngine, logger)
			continue
		}

		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}
	stopWatchdog()

	// Stop accepting commands before the final save.
	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	if err := timerEngine.Dispose(); err != nil {
		logger.Error().Err(err).Msg("Error disposing timer engine")
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("TimeFlow stopped")

	return nil
}

// reload re-reads the logging level from the configuration file and logs the
// current timer snapshot.
func reload(e *engine.Engine, logger zerolog.Logger) {
	if err := systemd.NotifyReloading(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd reloading notification")
	}

	if cfg, err := config.Load(configPath); err != nil {
		logger.Error().Err(err).Msg("SIGHUP: configuration not reloaded")
	} else {
		zerolog.SetGlobalLevel(parseLevel(cfg.Logging.Level))
	}

	state := e.Snapshot()
	logger.Info().
		Str("session_id", e.SessionID()).
		Str("status", string(state.Status)).
		Int64("elapsed_seconds", state.ElapsedSeconds).
		Int64("total_elapsed_seconds", state.TotalElapsedSeconds).
		Str("project_id", state.Context.ProjectID).
		Str("task_id", state.Context.TaskID).
		Msg("SIGHUP: timer snapshot")

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}
}

// runWatchdog pings the systemd watchdog while the engine reports healthy.
func runWatchdog(ctx context.Context, interval time.Duration, healthy func() error, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := healthy(); err != nil {
				logger.Warn().Err(err).Msg("Skipping watchdog ping: engine unhealthy")
				continue
			}
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		}
	}
}

// logEvent writes engine notifications to the service log.
func logEvent(logger zerolog.Logger) events.Handler {
	l := logger.With().Str("component", "events").Logger()
	return func(ev events.Event) {
		entry := l.Info()
		switch ev.Kind {
		case events.KindSaveError, events.KindAccuracyWarning, events.KindClockJump, events.KindInvalidTransition:
			entry = l.Warn()
		}
		entry = entry.Str("kind", string(ev.Kind))
		entry = seconds(entry, "duration", ev.Duration)
		entry = seconds(entry, "drift", ev.DriftSeconds)
		entry = seconds(entry, "gap_seconds", ev.GapSeconds)
		entry.
			Int64("jump_seconds", ev.JumpSeconds).
			Str("previous_session_id", ev.PreviousSessionID).
			Str("tier", ev.Tier).
			Str("error", ev.Error).
			Msg("Timer event")
	}
}

func seconds(e *zerolog.Event, key string, v *int64) *zerolog.Event {
	if v == nil {
		return e
	}
	return e.Int64(key, *v)
}
