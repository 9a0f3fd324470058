package migration

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// migrationManagerImpl implements the MigrationManager interface
type migrationManagerImpl struct {
	scanner      FileScanner
	executor     Executor
	migrationDir string
	logger       zerolog.Logger
}

// NewMigrationManager creates a new MigrationManager implementation
func NewMigrationManager(scanner FileScanner, executor Executor, migrationDir string, logger zerolog.Logger) MigrationManager {
	return &migrationManagerImpl{
		scanner:      scanner,
		executor:     executor,
		migrationDir: migrationDir,
		logger:       logger.With().Str("component", "migration").Logger(),
	}
}

// RunMigrations executes all pending migrations in sequential order
func (m *migrationManagerImpl) RunMigrations(ctx context.Context) error {
	startTime := time.Now()

	if err := m.executor.InitializeVersionTable(ctx); err != nil {
		m.logger.Error().Err(err).Msg("failed to initialize schema_migrations table")
		return fmt.Errorf("failed to initialize version table: %w", err)
	}

	pendingMigrations, err := m.GetPendingMigrations(ctx)
	if err != nil {
		m.logger.Error().Err(err).Str("dir", m.migrationDir).Msg("failed to resolve pending migrations")
		return fmt.Errorf("failed to get pending migrations: %w", err)
	}

	if len(pendingMigrations) == 0 {
		m.logger.Debug().Msg("schema up to date")
		return nil
	}

	m.logger.Info().Int("pending", len(pendingMigrations)).Msg("applying migrations")

	for i, migration := range pendingMigrations {
		migrationStartTime := time.Now()
		log := m.logger.With().
			Str("version", migration.Version).
			Str("file", migration.FilePath).
			Logger()

		log.Info().
			Str("description", migration.Description).
			Int("step", i+1).
			Int("total", len(pendingMigrations)).
			Msg("executing migration")

		if err := m.executor.ExecuteMigration(ctx, migration); err != nil {
			log.Error().Err(err).Msg("migration failed")
			return NewMigrationError(migration.Version, migration.FilePath,
				"execute migration", fmt.Errorf("%w: %v", ErrMigrationFailed, err))
		}

		executionTime := time.Since(migrationStartTime)
		if err := m.executor.RecordMigration(ctx, migration, executionTime); err != nil {
			log.Error().Err(err).Msg("failed to record migration")
			return NewMigrationError(migration.Version, migration.FilePath,
				"record migration", fmt.Errorf("failed to record migration: %w", err))
		}

		log.Info().Dur("elapsed", executionTime).Msg("migration applied")
	}

	m.logger.Info().
		Int("applied", len(pendingMigrations)).
		Dur("elapsed", time.Since(startTime)).
		Msg("all migrations applied")
	return nil
}

// GetAppliedVersions returns list of migration versions that have been applied
func (m *migrationManagerImpl) GetAppliedVersions(ctx context.Context) ([]string, error) {
	if err := m.executor.InitializeVersionTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize version table: %w", err)
	}

	appliedMigrations, err := m.executor.GetAppliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied versions: %w", err)
	}

	versions := make([]string, len(appliedMigrations))
	for i, migration := range appliedMigrations {
		versions[i] = migration.Version
	}
	return versions, nil
}

// GetPendingMigrations returns list of migrations that need to be applied
func (m *migrationManagerImpl) GetPendingMigrations(ctx context.Context) ([]Migration, error) {
	availableMigrations, err := m.scanner.ScanMigrations(m.migrationDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan migrations: %w", err)
	}

	if err := m.executor.InitializeVersionTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize version table: %w", err)
	}
	applied, err := m.executor.GetAppliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied versions: %w", err)
	}

	if err := m.validateMigrationSequence(availableMigrations, applied); err != nil {
		return nil, fmt.Errorf("migration sequence validation failed: %w", err)
	}

	appliedMap := make(map[string]bool, len(applied))
	for _, a := range applied {
		appliedMap[a.Version] = true
	}

	var pendingMigrations []Migration
	for _, migration := range availableMigrations {
		if !appliedMap[migration.Version] {
			pendingMigrations = append(pendingMigrations, migration)
		}
	}

	sortByVersion(pendingMigrations)
	return pendingMigrations, nil
}

// GetMigrationStatus returns status information about migrations
func (m *migrationManagerImpl) GetMigrationStatus(ctx context.Context) (*MigrationStatus, error) {
	pendingMigrations, err := m.GetPendingMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending migrations: %w", err)
	}

	appliedMigrations, err := m.executor.GetAppliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	currentVersion := ""
	maxVersion := -1
	for _, migration := range appliedMigrations {
		if version, err := strconv.Atoi(migration.Version); err == nil && version > maxVersion {
			maxVersion = version
			currentVersion = migration.Version
		}
	}

	return &MigrationStatus{
		CurrentVersion:    currentVersion,
		PendingCount:      len(pendingMigrations),
		AppliedMigrations: appliedMigrations,
		PendingMigrations: pendingMigrations,
	}, nil
}

// validateMigrationSequence ensures there are no gaps in migration version
// numbers and that every applied migration still matches its file.
func (m *migrationManagerImpl) validateMigrationSequence(available []Migration, applied []AppliedMigration) error {
	if len(available) == 0 && len(applied) == 0 {
		return nil
	}

	byVersion := make(map[int]Migration, len(available))
	minVersion, maxVersion := 0, 0
	for i, migration := range available {
		version, err := strconv.Atoi(migration.Version)
		if err != nil {
			return NewMigrationError(migration.Version, migration.FilePath,
				"validate sequence", fmt.Errorf("%w: version '%s' is not numeric", ErrInvalidVersion, migration.Version))
		}
		if i == 0 || version < minVersion {
			minVersion = version
		}
		if i == 0 || version > maxVersion {
			maxVersion = version
		}
		byVersion[version] = migration
	}

	for version := minVersion; len(available) > 0 && version <= maxVersion; version++ {
		if _, ok := byVersion[version]; !ok {
			return fmt.Errorf("%w: missing migration version %03d in sequence", ErrVersionConflict, version)
		}
	}

	for _, a := range applied {
		version, err := strconv.Atoi(a.Version)
		if err != nil {
			return NewDatabaseError(a.Version, "", "validate sequence",
				fmt.Errorf("%w: applied version '%s' is not numeric", ErrVersionTableCorrupt, a.Version))
		}
		migration, ok := byVersion[version]
		if !ok {
			return fmt.Errorf("%w: applied migration %03d not found in available migrations",
				ErrVersionConflict, version)
		}
		if a.Checksum != "" && migration.Checksum != "" && a.Checksum != migration.Checksum {
			return NewMigrationError(migration.Version, migration.FilePath, "verify checksum",
				fmt.Errorf("%w: recorded %s, file %s", ErrChecksumMismatch, a.Checksum, migration.Checksum))
		}
	}
	return nil
}
