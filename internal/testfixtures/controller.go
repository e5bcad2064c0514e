package testfixtures

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/alarm-clock/internal/alarm"
	"github.com/example/alarm-clock/internal/application"
	"github.com/example/alarm-clock/internal/scheduler"
)

// Controller wires an AlarmService to an in-memory notification center, an
// in-memory store, a recording sound player and manual timers, all driven by
// one Clock.
type Controller struct {
	Service   *application.AlarmService
	Scheduler *scheduler.Scheduler
	Center    *scheduler.MemoryCenter
	Store     *AlarmStore
	Sound     *SoundRecorder
	Timers    *ManualTimers
	Clock     *Clock
	IDs       *IDGenerator
}

// ControllerOption configures NewController.
type ControllerOption func(*controllerConfig)

type controllerConfig struct {
	clock  *Clock
	ids    *IDGenerator
	seed   []alarm.Alarm
	logger *slog.Logger
}

// WithClock overrides the clock used by the controller.
func WithClock(clock *Clock) ControllerOption {
	return func(cfg *controllerConfig) { cfg.clock = clock }
}

// WithIDGenerator overrides the identifier generator used by the controller.
func WithIDGenerator(generator *IDGenerator) ControllerOption {
	return func(cfg *controllerConfig) { cfg.ids = generator }
}

// WithStoredAlarms seeds the store before the service is built. The alarms are
// not loaded until Service.Load is called.
func WithStoredAlarms(alarms ...alarm.Alarm) ControllerOption {
	return func(cfg *controllerConfig) { cfg.seed = append(cfg.seed, alarms...) }
}

// WithLogger routes service and scheduler logs to logger.
func WithLogger(logger *slog.Logger) ControllerOption {
	return func(cfg *controllerConfig) { cfg.logger = logger }
}

// NewController builds a Controller in UTC.
func NewController(tb testing.TB, opts ...ControllerOption) *Controller {
	tb.Helper()

	cfg := controllerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = NewClock(time.Time{})
	}
	if cfg.ids == nil {
		cfg.ids = NewIDGenerator("id")
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Controller{
		Center: scheduler.NewMemoryCenter(),
		Store:  NewAlarmStore(cfg.seed...),
		Sound:  &SoundRecorder{},
		Timers: &ManualTimers{},
		Clock:  cfg.clock,
		IDs:    cfg.ids,
	}
	c.Scheduler = scheduler.New(c.Center, scheduler.Options{
		Location: time.UTC,
		Now:      c.Clock.NowFunc(),
		Logger:   cfg.logger,
	})
	c.Service = application.NewAlarmService(c.Store, c.Scheduler, c.Sound, application.AlarmServiceOptions{
		Location:    time.UTC,
		IDGenerator: c.IDs.NextFunc(),
		Now:         c.Clock.NowFunc(),
		AfterFunc:   c.Timers.AfterFunc,
		Logger:      cfg.logger,
	})
	return c
}

// FireAt moves the clock to at, delivers every due notification and runs one
// active alarm check.
func (c *Controller) FireAt(ctx context.Context, at time.Time) (application.ActiveAlarm, bool, error) {
	c.Clock.Set(at)
	c.Center.DeliverDue(at)
	return c.Service.CheckForActiveAlarms(ctx)
}

// Pending returns the pending notifications ordered by trigger time.
func (c *Controller) Pending(tb testing.TB) []scheduler.Request {
	tb.Helper()
	reqs, err := c.Center.Pending(context.Background())
	if err != nil {
		tb.Fatalf("pending notifications: %v", err)
	}
	return reqs
}

// Delivered returns the delivered notifications in delivery order.
func (c *Controller) Delivered(tb testing.TB) []scheduler.Delivered {
	tb.Helper()
	delivered, err := c.Center.Delivered(context.Background())
	if err != nil {
		tb.Fatalf("delivered notifications: %v", err)
	}
	return delivered
}

// SoundRecorder records ringtone starts and stops.
type SoundRecorder struct {
	mu     sync.Mutex
	played []string
	stops  int
}

func (s *SoundRecorder) Play(ctx context.Context, a alarm.Alarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played = append(s.played, a.ID)
	return nil
}

func (s *SoundRecorder) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

// Played returns the alarm ids whose ringtone was started, in order.
func (s *SoundRecorder) Played() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.played...)
}

// Stops reports how many times the ringtone was stopped.
func (s *SoundRecorder) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// ManualTimers captures deferred callbacks until the test fires them.
type ManualTimers struct {
	mu     sync.Mutex
	timers []*ManualTimer
}

// ManualTimer is one captured callback.
type ManualTimer struct {
	Delay time.Duration

	mu      sync.Mutex
	fn      func()
	stopped bool
}

// Stop cancels the callback and reports whether it was still armed.
func (t *ManualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	armed := !t.stopped
	t.stopped = true
	return armed
}

// AfterFunc matches time.AfterFunc.
func (m *ManualTimers) AfterFunc(d time.Duration, fn func()) application.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &ManualTimer{Delay: d, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// FireAll runs every armed callback once and returns how many ran.
func (m *ManualTimers) FireAll() int {
	m.mu.Lock()
	timers := append([]*ManualTimer(nil), m.timers...)
	m.timers = nil
	m.mu.Unlock()

	fired := 0
	for _, t := range timers {
		t.mu.Lock()
		armed := !t.stopped
		t.stopped = true
		t.mu.Unlock()
		if armed {
			t.fn()
			fired++
		}
	}
	return fired
}

// Armed reports the delays of callbacks that have not fired or been stopped.
func (m *ManualTimers) Armed() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var delays []time.Duration
	for _, t := range m.timers {
		t.mu.Lock()
		if !t.stopped {
			delays = append(delays, t.Delay)
		}
		t.mu.Unlock()
	}
	return delays
}
