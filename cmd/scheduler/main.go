// Command scheduler serves the series RPC surface over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/recurring-scheduler/internal/application"
	"github.com/example/recurring-scheduler/internal/calendar"
	"github.com/example/recurring-scheduler/internal/config"
	httptransport "github.com/example/recurring-scheduler/internal/http"
	"github.com/example/recurring-scheduler/internal/logging"
	"github.com/example/recurring-scheduler/internal/persistence/sqlite"
	"github.com/example/recurring-scheduler/internal/persistence/sqlite/migration"
	"github.com/example/recurring-scheduler/internal/rpc"
	"github.com/example/recurring-scheduler/internal/schema"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Out: os.Stdout})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("scheduler API exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	storage, err := openStorage(ctx, cfg.SQLiteDSN, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := storage.Close(); cerr != nil {
			logger.Error().Err(cerr).Msg("failed to close storage")
		}
	}()

	registry := schema.NewStaticRegistry(cfg.SchemaTypes()...)
	if len(registry.Tables()) == 0 {
		logger.Warn().Msg("no entity types configured; every create_recurring_series call will be rejected")
	}
	watchConfig(ctx, cfg, registry, logger)

	service := application.NewSeriesService(storage, registry, uuid.NewString, time.Now,
		application.WithLogger(logger),
		application.WithMaxJobAttempts(cfg.Worker.MaxAttempts),
		application.WithDefaultTimezone(cfg.DefaultTimezone),
	)
	router := httptransport.NewRouter(httptransport.RouterConfig{
		RPC:      httptransport.NewRPCHandler(rpc.NewSurface(service, cfg.DefaultTimezone, logger), logger),
		Calendar: httptransport.NewCalendarHandler(calendar.NewExporter(storage, calendar.DefaultFields(), time.Now), logger),
		Logger:   logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		notify(logger, daemon.SdNotifyStopping)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("failed to shutdown server")
		}
	}()

	logger.Info().Str("addr", server.Addr).Msg("scheduler API listening")
	notify(logger, daemon.SdNotifyReady)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// openStorage opens the database and applies pending migrations.
func openStorage(ctx context.Context, dsn string, logger zerolog.Logger) (*sqlite.Storage, error) {
	storage, err := sqlite.Open(migration.DefaultSQLiteConfig(dsn), logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if err := storage.Migrate(ctx); err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	status, err := storage.MigrationStatus(ctx)
	if err == nil {
		logger.Info().Str("schema_version", status.CurrentVersion).Msg("database ready")
	}
	return storage, nil
}

// watchConfig applies log level and entity type edits from the YAML file.
func watchConfig(ctx context.Context, cfg config.Config, registry *schema.StaticRegistry, logger zerolog.Logger) {
	if cfg.Path == "" {
		return
	}
	w := config.NewWatcher(cfg.Path, func(next config.Config) {
		if err := logging.SetLevel(next.LogLevel); err != nil {
			logger.Warn().Err(err).Msg("ignoring log level")
		}
		registry.Replace(next.SchemaTypes()...)
	}, logger)
	go func() {
		if err := w.Run(ctx); err != nil {
			logger.Warn().Err(err).Msg("config watcher stopped")
		}
	}()
}

// notify reports state to systemd; outside a unit it is a no-op.
func notify(logger zerolog.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.Debug().Err(err).Str("state", state).Msg("sd_notify failed")
	}
}
