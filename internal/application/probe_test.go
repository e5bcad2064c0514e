package application

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type checkerStub struct {
	calls    chan struct{}
	flushErr error
	checkErr error
	active   ActiveAlarm
	ok       bool
	flushes  int
}

func newCheckerStub() *checkerStub {
	return &checkerStub{calls: make(chan struct{}, 16)}
}

func (c *checkerStub) CheckForActiveAlarms(ctx context.Context) (ActiveAlarm, bool, error) {
	c.calls <- struct{}{}
	return c.active, c.ok, c.checkErr
}

func (c *checkerStub) FlushPending(ctx context.Context) error {
	c.flushes++
	return c.flushErr
}

func waitCall(t *testing.T, calls <-chan struct{}) {
	t.Helper()
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("probe did not run")
	}
}

func TestRecoveryProbe_ProbeActivatesDeliveredAlarm(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.create(t, AlarmInput{Name: "Probe", Instances: []InstanceInput{{ID: "i1", Date: day(0), Time: clock(8, 0)}}})
	at := time.Date(2026, time.October, 20, 8, 0, 2, 0, time.UTC)
	h.clock.Set(at)
	h.center.DeliverDue(at)

	probe := NewRecoveryProbe(h.svc, ProbeOptions{})
	active, ok := probe.Probe(context.Background(), "tick")
	if !ok || active.Alarm.ID != a.ID {
		t.Fatalf("expected probe to activate %s, got ok=%v %+v", a.ID, ok, active)
	}

	if _, ok := probe.Probe(context.Background(), "tick"); ok {
		t.Fatal("second probe must not activate while an alarm is active")
	}
}

func TestRecoveryProbe_ProbeKeepsCheckingWhenFlushFails(t *testing.T) {
	t.Parallel()

	checker := newCheckerStub()
	checker.flushErr = errors.New("disk full")
	checker.checkErr = errors.New("center unavailable")

	var buf bytes.Buffer
	probe := NewRecoveryProbe(checker, ProbeOptions{Logger: slog.New(slog.NewTextHandler(&buf, nil))})

	if _, ok := probe.Probe(context.Background(), "foreground"); ok {
		t.Fatal("failed check must not report an activation")
	}
	waitCall(t, checker.calls)
	if checker.flushes != 1 {
		t.Fatalf("expected one flush, got %d", checker.flushes)
	}

	out := buf.String()
	for _, want := range []string{"pending writes not flushed", "active alarm check failed", "trigger=foreground", "service=RecoveryProbe"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected log to contain %q, got %s", want, out)
		}
	}
}

func TestRecoveryProbe_Run(t *testing.T) {
	t.Parallel()

	checker := newCheckerStub()
	probe := NewRecoveryProbe(checker, ProbeOptions{
		Interval:     time.Hour,
		InitialDelay: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		probe.Run(ctx)
		close(done)
	}()

	waitCall(t, checker.calls)

	probe.Foreground()
	waitCall(t, checker.calls)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestNewRecoveryProbe_Defaults(t *testing.T) {
	t.Parallel()

	probe := NewRecoveryProbe(newCheckerStub(), ProbeOptions{})
	if probe.interval != DefaultProbeInterval || probe.initialDelay != DefaultProbeInitialDelay {
		t.Fatalf("unexpected defaults interval=%v initial=%v", probe.interval, probe.initialDelay)
	}

	probe.Foreground()
	probe.Foreground()
	if len(probe.foreground) != 1 {
		t.Fatalf("foreground requests must coalesce, got %d queued", len(probe.foreground))
	}
}
