// Command worker consumes expansion jobs and runs the horizon sweeper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/recurring-scheduler/internal/config"
	"github.com/example/recurring-scheduler/internal/events"
	"github.com/example/recurring-scheduler/internal/expansion"
	"github.com/example/recurring-scheduler/internal/horizon"
	"github.com/example/recurring-scheduler/internal/jobs"
	"github.com/example/recurring-scheduler/internal/lock"
	"github.com/example/recurring-scheduler/internal/logging"
	"github.com/example/recurring-scheduler/internal/persistence/sqlite"
	"github.com/example/recurring-scheduler/internal/persistence/sqlite/migration"
	"github.com/example/recurring-scheduler/internal/recurrence"
	"github.com/example/recurring-scheduler/internal/schema"
	"github.com/example/recurring-scheduler/internal/worker"
)

const lockPrefix = "recurring-scheduler:lock:"

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
		logger.Error().Err(err).Msg("worker exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	storage, err := sqlite.Open(migration.DefaultSQLiteConfig(cfg.SQLiteDSN), logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if cerr := storage.Close(); cerr != nil {
			logger.Error().Err(cerr).Msg("failed to close storage")
		}
	}()
	if err := storage.Migrate(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	registry := schema.NewStaticRegistry(cfg.SchemaTypes()...)
	if cfg.Path != "" {
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

	locker, closeLocker, err := newLocker(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	publisher, closePublisher := newPublisher(cfg.AMQP, logger)
	defer closePublisher()

	engine := recurrence.NewEngine(cfg.Location(), recurrence.WithMaxOccurrences(cfg.MaxOccurrences))
	runner := expansion.NewRunner(storage, registry, engine,
		expansion.NewMaterializer(storage, uuid.NewString, time.Now),
		time.Now,
		expansion.WithHorizon(cfg.Horizon()),
		expansion.WithLogger(logger),
	)

	workerCfg := worker.DefaultConfig("worker-" + uuid.NewString())
	workerCfg.Concurrency = cfg.Worker.Concurrency
	workerCfg.PollInterval = cfg.Worker.PollInterval
	workerCfg.Lease = cfg.Worker.Lease
	workerCfg.ClaimsPerSecond = cfg.Worker.RateLimit
	workerCfg.Retry = jobs.RetryPolicy{
		MaxAttempts: cfg.Worker.MaxAttempts,
		Base:        cfg.Worker.RetryBase,
		MaxDelay:    cfg.Worker.RetryMaxDelay,
		Jitter:      jobs.DefaultRetryPolicy().Jitter,
	}
	w := worker.New(storage, runner, locker, publisher, workerCfg, uuid.NewString, time.Now, logger)

	sweeper, err := horizon.New(storage, cfg.SweepSchedule, cfg.Location(), cfg.Worker.MaxAttempts, uuid.NewString, time.Now, logger)
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	notify(logger, daemon.SdNotifyReady)
	err = w.Run(ctx)
	notify(logger, daemon.SdNotifyStopping)
	return err
}

// newLocker returns the Redis lock when an address is configured and the
// in-process lock otherwise.
func newLocker(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (lock.Locker, func(), error) {
	if cfg.Addr == "" {
		logger.Info().Msg("redis not configured; series lock is process-local")
		return lock.NewLocal(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	logger.Info().Str("addr", cfg.Addr).Msg("series lock backed by redis")
	return lock.NewRedis(client, lockPrefix), func() { _ = client.Close() }, nil
}

// newPublisher returns the AMQP publisher when a URL is configured.
func newPublisher(cfg config.AMQPConfig, logger zerolog.Logger) (events.Publisher, func()) {
	if cfg.URL == "" {
		return events.Nop{}, func() {}
	}
	p := events.NewAMQPPublisher(cfg.URL, cfg.Queue, logger)
	return p, func() {
		if err := p.Close(); err != nil {
			logger.Warn().Err(err).Msg("close amqp publisher")
		}
	}
}

func notify(logger zerolog.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.Debug().Err(err).Str("state", state).Msg("sd_notify failed")
	}
}
