package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigbrotr/bigbrotr/internal/finder"
	"github.com/bigbrotr/bigbrotr/internal/monitor"
	"github.com/bigbrotr/bigbrotr/internal/seeder"
	"github.com/bigbrotr/bigbrotr/internal/service"
	"github.com/bigbrotr/bigbrotr/internal/storage"
	"github.com/bigbrotr/bigbrotr/internal/synchronizer"
	"github.com/bigbrotr/bigbrotr/internal/validator"
)

// Startup store checks, so a service does not enter its loop against a
// database that is still coming up.
const (
	storeConnectAttempts = 5
	storeConnectDelay    = 2 * time.Second
)

// buildFunc assembles one service against the store: the service itself,
// its run configuration, and an optional cleanup hook for shutdown.
type buildFunc func(store *storage.Store, logger *slog.Logger) (service.Service, service.RunConfig, func(), error)

// The seeder is one-shot: it loads the seed file a single time and exits,
// regardless of --once.
var seederCmd = newServiceCommand("seeder",
	"Import operator-provided relay URLs as candidates", buildSeeder, true)

var finderCmd = newServiceCommand("finder",
	"Discover candidate relay URLs from directories and archived events", buildFinder, false)

var validatorCmd = newServiceCommand("validator",
	"Probe candidates and promote the reachable ones to relays", buildValidator, false)

var monitorCmd = newServiceCommand("monitor",
	"Observe relay health and metadata", buildMonitor, false)

var synchronizerCmd = newServiceCommand("synchronizer",
	"Archive events from readable relays", buildSynchronizer, false)

func newServiceCommand(use, short string, build buildFunc, oneShot bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd.Context(), build, oneShot)
		},
	}
}

func buildSeeder(store *storage.Store, logger *slog.Logger) (service.Service, service.RunConfig, func(), error) {
	cfg := seeder.DefaultConfig()

	if flagConfig != "" {
		loaded, err := seeder.LoadConfig(flagConfig)
		if err != nil {
			return nil, service.RunConfig{}, nil, err
		}

		cfg = loaded
	}

	return seeder.New(cfg, store, logger), cfg.RunConfig, nil, nil
}

func buildFinder(store *storage.Store, logger *slog.Logger) (service.Service, service.RunConfig, func(), error) {
	cfg := finder.DefaultConfig()

	if flagConfig != "" {
		loaded, err := finder.LoadConfig(flagConfig)
		if err != nil {
			return nil, service.RunConfig{}, nil, err
		}

		cfg = loaded
	}

	return finder.New(cfg, store, logger), cfg.RunConfig, nil, nil
}

func buildValidator(store *storage.Store, logger *slog.Logger) (service.Service, service.RunConfig, func(), error) {
	cfg := validator.DefaultConfig()

	if flagConfig != "" {
		loaded, err := validator.LoadConfig(flagConfig)
		if err != nil {
			return nil, service.RunConfig{}, nil, err
		}

		cfg = loaded
	}

	return validator.New(cfg, store, logger), cfg.RunConfig, nil, nil
}

func buildMonitor(store *storage.Store, logger *slog.Logger) (service.Service, service.RunConfig, func(), error) {
	cfg := monitor.DefaultConfig()

	if flagConfig != "" {
		loaded, err := monitor.LoadConfig(flagConfig)
		if err != nil {
			return nil, service.RunConfig{}, nil, err
		}

		cfg = loaded
	}

	m, err := monitor.New(cfg, store, logger)
	if err != nil {
		return nil, service.RunConfig{}, nil, err
	}

	return m, cfg.RunConfig, m.Close, nil
}

func buildSynchronizer(store *storage.Store, logger *slog.Logger) (service.Service, service.RunConfig, func(), error) {
	cfg := synchronizer.DefaultConfig()

	if flagConfig != "" {
		loaded, err := synchronizer.LoadConfig(flagConfig)
		if err != nil {
			return nil, service.RunConfig{}, nil, err
		}

		cfg = loaded
	}

	return synchronizer.New(cfg, store, logger), cfg.RunConfig, nil, nil
}

// runService connects the store, assembles the service, and drives it with
// the cycle runner until shutdown or, with --once, for a single cycle.
func runService(ctx context.Context, build buildFunc, oneShot bool) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	conn, err := connectStore(ctx, logger)
	if err != nil {
		return err
	}

	defer func() { _ = conn.Close() }()

	store, err := storage.NewStore(conn, logger)
	if err != nil {
		return err
	}

	svc, runCfg, cleanup, err := build(store, logger)
	if err != nil {
		return err
	}

	if cleanup != nil {
		defer cleanup()
	}

	metricsServer := service.StartMetricsServer(runCfg.Metrics, logger)

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	runner := service.NewRunner(svc, runCfg, logger)

	if oneShot || flagOnce {
		return runner.Once(ctx)
	}

	return runner.Run(ctx)
}

// connectStore opens the pooled connection, retrying while the database
// comes up. Connect health-checks before returning, so a success here
// means the store answers queries.
func connectStore(ctx context.Context, logger *slog.Logger) (*storage.Connection, error) {
	cfg := storage.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage configuration: %w", err)
	}

	var lastErr error

	for attempt := 1; attempt <= storeConnectAttempts; attempt++ {
		conn, err := storage.Connect(ctx, cfg, logger)
		if err == nil {
			return conn, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		logger.Warn("store not ready",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		select {
		case <-time.After(storeConnectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("store unreachable after %d attempts: %w", storeConnectAttempts, lastErr)
}
