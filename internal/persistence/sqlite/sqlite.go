package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/recurring-scheduler/internal/persistence"
	"github.com/example/recurring-scheduler/internal/persistence/sqlite/migration"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const migrationDir = "migrations"

// Storage is the SQLite implementation of persistence.Store.
type Storage struct {
	pool   *ConnectionPool
	retry  *RetryHelper
	logger zerolog.Logger
	repositories
}

var _ persistence.Store = (*Storage)(nil)

// Open connects to the database described by cfg. Call Migrate before use.
func Open(cfg migration.SQLiteConfig, logger zerolog.Logger) (*Storage, error) {
	pool, err := NewConnectionPool(cfg)
	if err != nil {
		return nil, err
	}

	return &Storage{
		pool:         pool,
		retry:        NewRetryHelper(DefaultRetryConfig()),
		logger:       logger.With().Str("component", "sqlite").Logger(),
		repositories: newRepositories(pool.DB()),
	}, nil
}

// Close releases the connection pool.
func (s *Storage) Close() error {
	return s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded schema migrations.
func (s *Storage) Migrate(ctx context.Context) error {
	manager := migration.NewMigrationManager(
		migration.NewFileScanner(migrationFiles),
		migration.NewSQLiteExecutor(s.pool.DB()),
		migrationDir,
		s.logger,
	)
	if err := manager.RunMigrations(ctx); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// MigrationStatus reports applied and pending migrations.
func (s *Storage) MigrationStatus(ctx context.Context) (*migration.MigrationStatus, error) {
	manager := migration.NewMigrationManager(
		migration.NewFileScanner(migrationFiles),
		migration.NewSQLiteExecutor(s.pool.DB()),
		migrationDir,
		s.logger,
	)
	return manager.GetMigrationStatus(ctx)
}

// WithinTransaction runs fn against repositories bound to one transaction.
// The whole transaction is retried while the database reports busy.
func (s *Storage) WithinTransaction(ctx context.Context, fn persistence.TxFunc) error {
	return s.retry.WithRetry(ctx, func() error {
		return s.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
			return fn(ctx, newRepositories(tx))
		})
	})
}

// repositories binds every repository to one querier.
type repositories struct {
	groups    *groupRepository
	series    *seriesRepository
	instances *instanceRepository
	entities  *entityRepository
	jobs      *jobRepository
}

func newRepositories(q querier) repositories {
	qh := NewQueryHelper(q)
	return repositories{
		groups:    &groupRepository{qh: qh},
		series:    &seriesRepository{qh: qh},
		instances: &instanceRepository{qh: qh},
		entities:  &entityRepository{qh: qh},
		jobs:      &jobRepository{qh: qh},
	}
}

func (r repositories) Groups() persistence.GroupRepository       { return r.groups }
func (r repositories) Series() persistence.SeriesRepository      { return r.series }
func (r repositories) Instances() persistence.InstanceRepository { return r.instances }
func (r repositories) Entities() persistence.EntityRepository    { return r.entities }
func (r repositories) Jobs() persistence.JobRepository           { return r.jobs }
