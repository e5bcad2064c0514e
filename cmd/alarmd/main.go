package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/example/alarm-clock/internal/application"
	"github.com/example/alarm-clock/internal/audio"
	"github.com/example/alarm-clock/internal/autostart"
	"github.com/example/alarm-clock/internal/config"
	httptransport "github.com/example/alarm-clock/internal/http"
	"github.com/example/alarm-clock/internal/logging"
	"github.com/example/alarm-clock/internal/metrics"
	"github.com/example/alarm-clock/internal/persistence"
	"github.com/example/alarm-clock/internal/persistence/sqlite"
	"github.com/example/alarm-clock/internal/persistence/sqlite/migration"
	"github.com/example/alarm-clock/internal/scheduler"
)

const memoryStore = ":memory:"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to configure logging", "error", err)
		os.Exit(1)
	}

	if err := autostart.Setup(cfg.Autostart, logger); err != nil {
		logger.Warn("failed to sync autostart", "error", err)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("alarm daemon stopped with error", "error", err)
		os.Exit(1)
	}
}

// daemon holds the wired components of the alarm service.
type daemon struct {
	service *application.AlarmService
	probe   *application.RecoveryProbe
	center  *scheduler.MemoryCenter
	player  *audio.Player
	handler http.Handler
	close   func()
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	go d.probe.Run(ctx)
	go deliverDue(ctx, d.center, cfg.DeliveryTick, logger)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to shutdown server", "error", err)
		}
	}()

	logger.Info("alarm API listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

func newDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) (*daemon, error) {
	repo, closeStore, err := openStore(ctx, cfg.SQLitePath, logger)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	center := scheduler.NewMemoryCenter()
	center.OnDeliver(func(d scheduler.Delivered) {
		logger.Debug("notification delivered", "identifier", d.Request.Identifier, "delivered_at", d.DeliveredAt)
	})

	notifier := scheduler.New(center, scheduler.Options{
		FollowUpCount:      cfg.FollowUpCount,
		FollowUpSpacing:    cfg.FollowUpSpacing,
		BackupOffset:       cfg.BackupOffset,
		SnoozeBackupOffset: cfg.SnoozeBackupOffset,
		Location:           cfg.Location,
		Logger:             logger,
		Metrics:            recorder,
	})

	player := audio.NewPlayer(audio.Options{SoundDir: cfg.SoundDir, Logger: logger})

	service := application.NewAlarmService(newAlarmRepositoryAdapter(repo), notifier, player, application.AlarmServiceOptions{
		Location:          cfg.Location,
		SnoozeDuration:    cfg.SnoozeDuration,
		SuppressionWindow: cfg.SuppressionWindow,
		Logger:            logger,
		Metrics:           recorder,
	})
	if err := service.Load(ctx); err != nil {
		closeStore()
		return nil, fmt.Errorf("load alarms: %w", err)
	}

	probe := application.NewRecoveryProbe(service, application.ProbeOptions{
		Interval:     cfg.ProbeInterval,
		InitialDelay: cfg.ProbeInitialDelay,
		Logger:       logger,
		Metrics:      recorder,
	})

	handler := httptransport.NewRouter(httptransport.RouterConfig{
		Alarms:  httptransport.NewAlarmHandler(service, cfg.Location, logger),
		Active:  httptransport.NewActiveHandler(service, probe, cfg.Location, logger),
		Metrics: recorder.Handler(),
		Middleware: []func(http.Handler) http.Handler{
			httptransport.Recoverer(logger),
			httptransport.RequestLogger(logger),
		},
	})

	return &daemon{
		service: service,
		probe:   probe,
		center:  center,
		player:  player,
		handler: handler,
		close: func() {
			player.Stop()
			closeStore()
		},
	}, nil
}

// openStore opens the SQLite database at path and applies migrations. The
// ":memory:" path selects a process local store without durability.
func openStore(ctx context.Context, path string, logger *slog.Logger) (persistence.AlarmRepository, func(), error) {
	if strings.TrimSpace(path) == memoryStore {
		logger.Warn("using in-memory alarm store; alarms are lost on exit")
		return sqlite.NewStorage(), func() {}, nil
	}

	pool, err := sqlite.NewConnectionPool(migration.DefaultSQLiteConfig(path))
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	if err := pool.Migrate(ctx, logger); err != nil {
		_ = pool.Close()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}

	closeStore := func() {
		if err := pool.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}
	return sqlite.NewAlarmRepository(pool), closeStore, nil
}

// deliverDue plays the role of the OS notification center: every tick it
// delivers the requests whose trigger time has passed.
func deliverDue(ctx context.Context, center *scheduler.MemoryCenter, tick time.Duration, logger *slog.Logger) {
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if delivered := center.DeliverDue(now); len(delivered) > 0 {
				logger.Info("notifications delivered", "count", len(delivered))
			}
		}
	}
}
