// Package migration applies versioned SQL migrations to SQLite databases.
//
// Migrations are read from an fs.FS (normally an embedded directory) and
// follow the naming convention {version}_{description}.sql, for example
// "001_series_schema.sql". Each migration runs in its own transaction and is
// recorded in schema_migrations together with a checksum of its contents, so
// an applied file that is later edited is reported instead of silently
// diverging.
//
// Statements are separated by semicolons. CREATE TRIGGER bodies are kept
// intact up to their closing END.
//
// Example usage:
//
//	manager := NewMigrationManager(NewFileScanner(migrationsFS), NewSQLiteExecutor(db), "migrations", logger)
//	if err := manager.RunMigrations(ctx); err != nil {
//		return fmt.Errorf("migrate: %w", err)
//	}
package migration
