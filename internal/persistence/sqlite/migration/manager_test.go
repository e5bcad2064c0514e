package migration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"testing/fstest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *SQLiteExecutor {
	t.Helper()
	cfg := DefaultSQLiteConfig(filepath.Join(t.TempDir(), "alarms.db"))
	db, err := NewConnectionManager(cfg).GetConnection()
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteExecutor(db)
}

func TestManager_RunEmbeddedMigrations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	executor := openTestDB(t)
	manager := NewManager(NewScanner(Files, Dir), executor, discardLogger())

	if err := manager.RunMigrations(ctx); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	// second run is a no-op
	if err := manager.RunMigrations(ctx); err != nil {
		t.Fatalf("second RunMigrations: %v", err)
	}

	status, err := manager.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.PendingCount != 0 || status.CurrentVersion != "003" || len(status.AppliedMigrations) != 3 {
		t.Fatalf("unexpected status %+v", status)
	}

	for _, table := range []string{"alarms", "alarm_instances", "alarm_times"} {
		var name string
		err := executor.db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		if err != nil {
			t.Fatalf("expected table %s: %v", table, err)
		}
	}
}

func TestManager_StopsAtFailingMigration(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	executor := openTestDB(t)
	files := fstest.MapFS{
		"001_ok.sql":     {Data: []byte("CREATE TABLE ok (id TEXT);")},
		"002_broken.sql": {Data: []byte("CREATE TABLE ok (id TEXT);")},
		"003_never.sql":  {Data: []byte("CREATE TABLE never (id TEXT);")},
	}
	manager := NewManager(NewScanner(files, "."), executor, discardLogger())

	err := manager.RunMigrations(ctx)
	if !errors.Is(err, ErrMigrationFailed) {
		t.Fatalf("expected ErrMigrationFailed, got %v", err)
	}
	var migrationErr *MigrationError
	if !errors.As(err, &migrationErr) || migrationErr.Version != "002" {
		t.Fatalf("expected failure on 002, got %v", err)
	}

	applied, err := executor.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(applied) != 1 || applied[0].Version != "001" {
		t.Fatalf("expected only 001 applied, got %+v", applied)
	}
}

func TestManager_DetectsSequenceProblems(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("gap", func(t *testing.T) {
		t.Parallel()
		files := fstest.MapFS{
			"001_a.sql": {Data: []byte("CREATE TABLE a (id TEXT);")},
			"003_c.sql": {Data: []byte("CREATE TABLE c (id TEXT);")},
		}
		_, err := NewManager(NewScanner(files, "."), openTestDB(t), discardLogger()).Status(ctx)
		if !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected ErrVersionConflict, got %v", err)
		}
	})

	t.Run("edited applied file", func(t *testing.T) {
		t.Parallel()
		executor := openTestDB(t)
		original := fstest.MapFS{"001_a.sql": {Data: []byte("CREATE TABLE a (id TEXT);")}}
		if err := NewManager(NewScanner(original, "."), executor, discardLogger()).RunMigrations(ctx); err != nil {
			t.Fatalf("RunMigrations: %v", err)
		}

		edited := fstest.MapFS{"001_a.sql": {Data: []byte("CREATE TABLE a (id TEXT, name TEXT);")}}
		_, err := NewManager(NewScanner(edited, "."), executor, discardLogger()).Status(ctx)
		if !errors.Is(err, ErrChecksumMismatch) {
			t.Fatalf("expected ErrChecksumMismatch, got %v", err)
		}
	})
}

func TestConnectionManager_ValidateConfig(t *testing.T) {
	t.Parallel()

	cases := []SQLiteConfig{
		{},
		{DSN: "x.db", JournalMode: "FAST"},
		{DSN: "x.db", Synchronous: "SOMETIMES"},
		{DSN: "x.db", MaxOpenConns: -1},
	}
	for _, cfg := range cases {
		if err := NewConnectionManager(cfg).ValidateConfig(); err == nil {
			t.Errorf("expected validation error for %+v", cfg)
		}
	}
	if err := NewConnectionManager(DefaultSQLiteConfig("x.db")).ValidateConfig(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestDatabasePath(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		":memory:":               "",
		"file::memory:":          "",
		"file:/tmp/a.db?mode=rw": "/tmp/a.db",
		"data/alarms.db":         "data/alarms.db",
	}
	for dsn, want := range cases {
		if got := databasePath(dsn); got != want {
			t.Errorf("%q: expected %q, got %q", dsn, want, got)
		}
	}
}
