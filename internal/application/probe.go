package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/alarm-clock/internal/metrics"
)

const probeServiceName = "RecoveryProbe"

const (
	DefaultProbeInterval     = 10 * time.Second
	DefaultProbeInitialDelay = time.Second
)

// ActiveAlarmChecker is the part of AlarmService driven by the probe.
type ActiveAlarmChecker interface {
	CheckForActiveAlarms(ctx context.Context) (ActiveAlarm, bool, error)
	FlushPending(ctx context.Context) error
}

// ProbeOptions configures a RecoveryProbe. Zero values fall back to the defaults.
type ProbeOptions struct {
	Interval     time.Duration
	InitialDelay time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// RecoveryProbe reconciles delivered notifications with the active alarm on
// a fixed interval, once shortly after start and whenever the app returns to
// the foreground.
type RecoveryProbe struct {
	checker      ActiveAlarmChecker
	interval     time.Duration
	initialDelay time.Duration
	logger       *slog.Logger
	metrics      *metrics.Recorder
	foreground   chan struct{}
}

// NewRecoveryProbe wires a probe around checker.
func NewRecoveryProbe(checker ActiveAlarmChecker, opts ProbeOptions) *RecoveryProbe {
	p := &RecoveryProbe{
		checker:      checker,
		interval:     opts.Interval,
		initialDelay: opts.InitialDelay,
		logger:       defaultLogger(opts.Logger),
		metrics:      opts.Metrics,
		foreground:   make(chan struct{}, 1),
	}
	if p.interval <= 0 {
		p.interval = DefaultProbeInterval
	}
	if p.initialDelay <= 0 {
		p.initialDelay = DefaultProbeInitialDelay
	}
	return p
}

// Run probes until ctx is cancelled.
func (p *RecoveryProbe) Run(ctx context.Context) {
	initial := time.NewTimer(p.initialDelay)
	defer initial.Stop()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-initial.C:
			p.Probe(ctx, "startup")
		case <-ticker.C:
			p.Probe(ctx, "tick")
		case <-p.foreground:
			p.Probe(ctx, "foreground")
		}
	}
}

// Foreground requests an extra probe from Run. Requests made while one is
// already queued are coalesced.
func (p *RecoveryProbe) Foreground() {
	select {
	case p.foreground <- struct{}{}:
	default:
	}
}

// Probe flushes failed writes and runs one active alarm check.
func (p *RecoveryProbe) Probe(ctx context.Context, trigger string) (ActiveAlarm, bool) {
	logger := serviceLogger(ctx, p.logger, probeServiceName, "Probe", "trigger", trigger)

	if err := p.checker.FlushPending(ctx); err != nil {
		logger.Warn("pending writes not flushed", "error", err)
	}

	active, ok, err := p.checker.CheckForActiveAlarms(ctx)
	switch {
	case err != nil:
		logger.Error("active alarm check failed", "error", err, "error_kind", ErrorKind(err))
		p.metrics.ProbeRun("error")
	case ok:
		logger.Info("probe activated alarm", "alarm_id", active.Alarm.ID)
		p.metrics.ProbeRun("activated")
	default:
		logger.Debug("probe found nothing to activate")
		p.metrics.ProbeRun("idle")
	}
	return active, ok
}
