// Package autostart registers the alarm daemon as a login item so alarms keep
// ringing after a reboot.
package autostart

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/emersion/go-autostart"
)

const (
	appName     = "alarmd"
	displayName = "Alarm Clock"
)

// Entry is the login item backend. *autostart.App satisfies it.
type Entry interface {
	IsEnabled() bool
	Enable() error
	Disable() error
}

// New returns the login item for the running executable started with args.
func New(args ...string) (*autostart.App, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return nil, fmt.Errorf("resolve executable symlinks: %w", err)
	}
	return &autostart.App{
		Name:        appName,
		DisplayName: displayName,
		Exec:        append([]string{execPath}, args...),
	}, nil
}

// Setup builds the login item for the running executable and syncs it with enable.
func Setup(enable bool, logger *slog.Logger) error {
	app, err := New()
	if err != nil {
		return err
	}
	return Sync(app, enable, logger)
}

// Sync enables or disables entry so its state matches enable.
func Sync(entry Entry, enable bool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "autostart")

	switch {
	case enable && !entry.IsEnabled():
		if err := entry.Enable(); err != nil {
			logger.Error("failed to enable autostart", "error", err)
			return fmt.Errorf("enable autostart: %w", err)
		}
		logger.Info("autostart enabled")
	case !enable && entry.IsEnabled():
		if err := entry.Disable(); err != nil {
			logger.Error("failed to disable autostart", "error", err)
			return fmt.Errorf("disable autostart: %w", err)
		}
		logger.Info("autostart disabled")
	}
	return nil
}
