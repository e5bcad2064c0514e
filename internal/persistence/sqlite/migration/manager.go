package migration

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
)

// Source lists the migrations available to a Manager.
type Source interface {
	ScanMigrations() ([]Migration, error)
}

// Executor applies migrations against a database.
type Executor interface {
	InitializeVersionTable(ctx context.Context) error
	Apply(ctx context.Context, migration Migration) error
	AppliedMigrations(ctx context.Context) ([]AppliedMigration, error)
}

// Manager orchestrates the migration process.
type Manager struct {
	source   Source
	executor Executor
	logger   *slog.Logger
}

// NewManager creates a Manager. A nil logger falls back to slog.Default.
func NewManager(source Source, executor Executor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		source:   source,
		executor: executor,
		logger:   logger.With("component", "migration"),
	}
}

// RunMigrations applies every pending migration in version order and stops
// at the first failure.
func (m *Manager) RunMigrations(ctx context.Context) error {
	status, err := m.Status(ctx)
	if err != nil {
		return err
	}

	if status.PendingCount == 0 {
		m.logger.Info("database schema up to date", "version", status.CurrentVersion)
		return nil
	}

	m.logger.Info("applying migrations", "current_version", status.CurrentVersion, "pending", status.PendingCount)
	for i, migration := range status.PendingMigrations {
		logger := m.logger.With("version", migration.Version, "file", migration.FilePath)
		if err := m.executor.Apply(ctx, migration); err != nil {
			logger.Error("migration failed", "error", err)
			return NewMigrationError(migration.Version, migration.FilePath, "execute migration",
				fmt.Errorf("%w: %v", ErrMigrationFailed, err))
		}
		logger.Info("migration applied", "description", migration.Description, "step", i+1, "of", status.PendingCount)
	}
	return nil
}

// Status reports applied and pending migrations after validating that the
// available files form a continuous sequence that covers every applied version
// with an unchanged checksum.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	if err := m.executor.InitializeVersionTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize version table: %w", err)
	}

	available, err := m.source.ScanMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to scan migrations: %w", err)
	}
	applied, err := m.executor.AppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied versions: %w", err)
	}

	if err := validateSequence(available, applied); err != nil {
		return nil, fmt.Errorf("migration sequence validation failed: %w", err)
	}

	appliedByVersion := make(map[int]AppliedMigration, len(applied))
	status := &Status{AppliedMigrations: applied}
	maxVersion := -1
	for _, a := range applied {
		v, _ := strconv.Atoi(a.Version)
		appliedByVersion[v] = a
		if v > maxVersion {
			maxVersion = v
			status.CurrentVersion = a.Version
		}
	}

	for _, migration := range available {
		v, _ := strconv.Atoi(migration.Version)
		if _, ok := appliedByVersion[v]; ok {
			continue
		}
		status.PendingMigrations = append(status.PendingMigrations, migration)
	}
	status.PendingCount = len(status.PendingMigrations)
	return status, nil
}

func validateSequence(available []Migration, applied []AppliedMigration) error {
	availableByVersion := make(map[int]Migration, len(available))
	for i, migration := range available {
		v, err := strconv.Atoi(migration.Version)
		if err != nil {
			return NewMigrationError(migration.Version, migration.FilePath, "validate sequence",
				fmt.Errorf("%w: version '%s' is not numeric", ErrInvalidVersion, migration.Version))
		}
		if i > 0 {
			prev, _ := strconv.Atoi(available[i-1].Version)
			if v != prev+1 {
				return fmt.Errorf("%w: missing migration version %03d in sequence", ErrVersionConflict, prev+1)
			}
		}
		availableByVersion[v] = migration
	}

	for _, a := range applied {
		v, err := strconv.Atoi(a.Version)
		if err != nil {
			return fmt.Errorf("%w: applied version '%s' is not numeric", ErrInvalidVersion, a.Version)
		}
		migration, ok := availableByVersion[v]
		if !ok {
			return fmt.Errorf("%w: applied migration %03d not found in available migrations", ErrVersionConflict, v)
		}
		if a.Checksum != "" && migration.Checksum != "" && a.Checksum != migration.Checksum {
			return NewMigrationError(migration.Version, migration.FilePath, "verify checksum", ErrChecksumMismatch)
		}
	}
	return nil
}
