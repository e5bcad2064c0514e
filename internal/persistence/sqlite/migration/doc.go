// Package migration applies the versioned SQL files that define the alarm
// store schema.
//
// Migration files are embedded into the binary and follow the naming
// convention {version}_{description}.sql (e.g. "001_create_alarms.sql").
// Applied versions are tracked in the schema_migrations table so every file
// runs exactly once, inside its own transaction.
//
// Example usage:
//
//	db, err := migration.NewConnectionManager(migration.DefaultSQLiteConfig(path)).GetConnection()
//	if err != nil {
//		return err
//	}
//	manager := migration.NewManager(migration.NewScanner(migration.Files, migration.Dir), migration.NewSQLiteExecutor(db), logger)
//	if err := manager.RunMigrations(ctx); err != nil {
//		return err
//	}
package migration
