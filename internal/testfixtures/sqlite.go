package testfixtures

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/example/alarm-clock/internal/persistence"
	"github.com/example/alarm-clock/internal/persistence/sqlite"
	"github.com/example/alarm-clock/internal/persistence/sqlite/migration"
)

// SQLiteHarness provides repository access backed by a temporary SQLite file
// for integration-style persistence tests.
type SQLiteHarness struct {
	Alarms persistence.AlarmRepository
	Pool   *sqlite.ConnectionPool

	cleanup func()
}

// Close releases resources associated with the harness.
func (h *SQLiteHarness) Close() {
	if h != nil && h.cleanup != nil {
		h.cleanup()
		h.cleanup = nil
	}
}

// NewSQLiteHarness constructs a SQLiteHarness using a temporary file that is
// migrated automatically. Callers may optionally invoke Close, but the helper
// will also register a cleanup callback with the provided testing.TB.
func NewSQLiteHarness(tb testing.TB) *SQLiteHarness {
	tb.Helper()

	cfg := migration.DefaultSQLiteConfig(filepath.Join(tb.TempDir(), "alarms.db"))

	pool, err := sqlite.NewConnectionPool(cfg)
	if err != nil {
		tb.Fatalf("failed to open storage: %v", err)
	}

	if err := pool.Migrate(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		_ = pool.Close()
		tb.Fatalf("failed to migrate storage: %v", err)
	}

	harness := &SQLiteHarness{
		Alarms: sqlite.NewAlarmRepository(pool),
		Pool:   pool,
		cleanup: func() {
			_ = pool.Close()
		},
	}

	tb.Cleanup(harness.Close)
	return harness
}
