package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/alarm-clock/internal/alarm"
	"github.com/example/alarm-clock/internal/persistence"
	"github.com/example/alarm-clock/internal/scheduler"
)

var baseTime = time.Date(2026, time.October, 20, 7, 0, 0, 0, time.UTC)

type alarmRepoStub struct {
	mu        sync.Mutex
	alarms    map[string]alarm.Alarm
	order     []string
	upsertErr error
	deleteErr error
	listErr   error
}

func newAlarmRepoStub(seed ...alarm.Alarm) *alarmRepoStub {
	r := &alarmRepoStub{alarms: make(map[string]alarm.Alarm)}
	for _, a := range seed {
		r.alarms[a.ID] = a.Clone()
		r.order = append(r.order, a.ID)
	}
	return r
}

func (r *alarmRepoStub) ListAlarms(ctx context.Context) ([]alarm.Alarm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]alarm.Alarm, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.alarms[id].Clone())
	}
	return out, nil
}

func (r *alarmRepoStub) UpsertAlarm(ctx context.Context, a alarm.Alarm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return r.upsertErr
	}
	if _, ok := r.alarms[a.ID]; !ok {
		r.order = append(r.order, a.ID)
	}
	r.alarms[a.ID] = a.Clone()
	return nil
}

func (r *alarmRepoStub) DeleteAlarm(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	if _, ok := r.alarms[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(r.alarms, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *alarmRepoStub) get(id string) (alarm.Alarm, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alarms[id]
	return a, ok
}

type soundStub struct {
	mu     sync.Mutex
	played []string
	stops  int
}

func (s *soundStub) Play(ctx context.Context, a alarm.Alarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played = append(s.played, a.ID)
	return nil
}

func (s *soundStub) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type timerStub struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *timerStub) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *timerStub) last() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil
	}
	return s.timers[len(s.timers)-1]
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type harness struct {
	svc    *AlarmService
	center *scheduler.MemoryCenter
	repo   *alarmRepoStub
	sound  *soundStub
	timers *timerStub
	clock  *testClock
}

func newHarness(t *testing.T, seed ...alarm.Alarm) *harness {
	t.Helper()

	h := &harness{
		center: scheduler.NewMemoryCenter(),
		repo:   newAlarmRepoStub(seed...),
		sound:  &soundStub{},
		timers: &timerStub{},
		clock:  &testClock{now: baseTime},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := scheduler.New(h.center, scheduler.Options{
		Location: time.UTC,
		Now:      h.clock.Now,
		Logger:   logger,
	})

	var (
		mu      sync.Mutex
		counter int
	)
	h.svc = NewAlarmService(h.repo, sched, h.sound, AlarmServiceOptions{
		Location: time.UTC,
		IDGenerator: func() string {
			mu.Lock()
			defer mu.Unlock()
			counter++
			return fmt.Sprintf("id-%d", counter)
		},
		Now:       h.clock.Now,
		AfterFunc: h.timers.AfterFunc,
		Logger:    logger,
	})
	return h
}

func day(offset int) time.Time {
	return time.Date(2026, time.October, 20+offset, 0, 0, 0, 0, time.UTC)
}

func clock(h, m int) time.Time {
	return time.Date(2000, time.January, 1, h, m, 0, 0, time.UTC)
}

func (h *harness) pending(t *testing.T) []scheduler.Request {
	t.Helper()
	reqs, err := h.center.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	return reqs
}

func (h *harness) delivered(t *testing.T) []scheduler.Delivered {
	t.Helper()
	delivered, err := h.center.Delivered(context.Background())
	if err != nil {
		t.Fatalf("delivered: %v", err)
	}
	return delivered
}

func identifiers(reqs []scheduler.Request) []string {
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.Identifier
	}
	sort.Strings(ids)
	return ids
}

func (h *harness) create(t *testing.T, in AlarmInput) alarm.Alarm {
	t.Helper()
	a, err := h.svc.CreateAlarm(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateAlarm: %v", err)
	}
	return a
}

func (h *harness) fireAt(t *testing.T, at time.Time) ActiveAlarm {
	t.Helper()
	h.clock.Set(at)
	h.center.DeliverDue(at)
	active, ok, err := h.svc.CheckForActiveAlarms(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected an alarm to activate at %v, got ok=%v err=%v", at, ok, err)
	}
	return active
}

func TestAlarmService_ScenarioDailyInstanceMovesAfterDismiss(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, AlarmInput{
		Name:      "Meds",
		Snooze:    true,
		Instances: []InstanceInput{{ID: "i1", Date: day(1), Time: clock(8, 0), RepeatInterval: "daily"}},
	})

	pending := h.pending(t)
	if len(pending) != 5 {
		t.Fatalf("expected primary, 3 follow-ups and a backup, got %v", identifiers(pending))
	}
	for _, req := range pending {
		if req.Payload[scheduler.KeyInstanceID] != "i1" || req.Payload[scheduler.KeyAlarmID] != a.ID {
			t.Fatalf("notification not tagged with the instance: %+v", req)
		}
	}

	active := h.fireAt(t, time.Date(2026, time.October, 21, 8, 0, 30, 0, time.UTC))
	if active.Alarm.ID != a.ID || active.Instance == nil || active.Instance.ID != "i1" {
		t.Fatalf("unexpected active alarm %+v", active)
	}
	if len(h.sound.played) != 1 {
		t.Fatalf("expected ringtone to start, got %v", h.sound.played)
	}

	h.clock.Set(time.Date(2026, time.October, 21, 8, 1, 0, 0, time.UTC))
	if err := h.svc.Dismiss(ctx, a.ID, "i1"); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}

	if _, ok := h.svc.Active(); ok {
		t.Fatal("dismiss must clear the active alarm")
	}
	if len(h.delivered(t)) != 0 {
		t.Fatalf("dismiss must remove delivered notifications, got %+v", h.delivered(t))
	}

	next := time.Date(2026, time.October, 22, 8, 0, 0, 0, time.UTC)
	pending = h.pending(t)
	if len(pending) != 5 || !pending[0].TriggerAt.Equal(next) {
		t.Fatalf("expected the next daily set at %v, got %+v", next, pending)
	}

	got, _ := h.svc.Alarm(a.ID)
	if trigger := got.Instances[0].Trigger(time.UTC); !trigger.Equal(next) {
		t.Fatalf("expected instance moved to %v, got %v", next, trigger)
	}
	if stored, _ := h.repo.get(a.ID); !stored.Instances[0].Trigger(time.UTC).Equal(next) {
		t.Fatalf("moved instance must be persisted, got %+v", stored.Instances[0])
	}
	if h.sound.stops == 0 {
		t.Fatal("dismiss must stop the ringtone")
	}
}

func TestAlarmService_DisabledAlarmSchedulesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	enabled := h.create(t, AlarmInput{Name: "A", Instances: []InstanceInput{{ID: "a1", Date: day(1), Time: clock(7, 0)}}})
	h.create(t, AlarmInput{Name: "B", Disabled: true, Instances: []InstanceInput{{ID: "b1", Date: day(1), Time: clock(9, 0)}}})

	for _, req := range h.pending(t) {
		if req.Payload[scheduler.KeyAlarmID] != enabled.ID {
			t.Fatalf("disabled alarm produced a notification: %s", req.Identifier)
		}
	}
	if len(h.pending(t)) != 5 {
		t.Fatalf("expected only the enabled alarm's 5 notifications, got %d", len(h.pending(t)))
	}
}

func TestAlarmService_SnoozeReschedulesFiveMinutesOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, AlarmInput{Name: "Wake", Snooze: true, Instances: []InstanceInput{{ID: "i1", Date: day(0), Time: clock(8, 0)}}})

	fired := time.Date(2026, time.October, 20, 8, 0, 10, 0, time.UTC)
	h.fireAt(t, fired)

	if err := h.svc.Snooze(ctx, a.ID, "i1"); err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	if _, ok := h.svc.Active(); ok {
		t.Fatal("snooze must clear the active alarm immediately")
	}
	if len(h.delivered(t)) != 0 {
		t.Fatalf("snooze must remove delivered notifications, got %+v", h.delivered(t))
	}

	want := map[string]time.Time{
		"alarm_" + a.ID + "_instance_i1_snooze_0":           fired.Add(5 * time.Minute),
		"alarm_" + a.ID + "_instance_i1_snoozefollowup_0-1": fired.Add(6 * time.Minute),
		"alarm_" + a.ID + "_instance_i1_snoozefollowup_0-2": fired.Add(7 * time.Minute),
		"alarm_" + a.ID + "_instance_i1_snoozefollowup_0-3": fired.Add(8 * time.Minute),
		"alarm_" + a.ID + "_instance_i1_snoozebackup_0":     fired.Add(5*time.Minute + 15*time.Second),
	}
	pending := h.pending(t)
	if len(pending) != len(want) {
		t.Fatalf("expected only the snooze set, got %v", identifiers(pending))
	}
	primaries := 0
	for _, req := range pending {
		at, ok := want[req.Identifier]
		if !ok {
			t.Fatalf("unexpected notification %s", req.Identifier)
		}
		if !req.TriggerAt.Equal(at) {
			t.Fatalf("%s: expected %v, got %v", req.Identifier, at, req.TriggerAt)
		}
		if req.Payload[scheduler.KeyIsSnooze] != "true" {
			t.Fatalf("%s must be flagged as snooze", req.Identifier)
		}
		if req.Payload[scheduler.KeyIsFollowUp] == "false" && req.Payload[scheduler.KeyIsBackup] == "false" {
			primaries++
		}
	}
	if primaries != 1 {
		t.Fatalf("expected exactly one snooze primary, got %d", primaries)
	}

	timer := h.timers.last()
	if timer == nil || timer.d != DefaultSuppressionWindow {
		t.Fatalf("expected a %v suppression window, got %+v", DefaultSuppressionWindow, timer)
	}
	if !h.svc.State().Suppressed {
		t.Fatal("expected checks to be suppressed after snooze")
	}
}

func TestAlarmService_SnoozeRefusedWhenNotAllowed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.create(t, AlarmInput{Name: "Strict", Instances: []InstanceInput{{ID: "i1", Date: day(0), Time: clock(8, 0)}}})
	before := identifiers(h.pending(t))

	err := h.svc.Snooze(context.Background(), a.ID, "i1")
	if !errors.Is(err, ErrSnoozeNotAllowed) {
		t.Fatalf("expected ErrSnoozeNotAllowed, got %v", err)
	}
	if after := identifiers(h.pending(t)); strings.Join(after, ",") != strings.Join(before, ",") {
		t.Fatalf("refused snooze must not touch notifications: %v -> %v", before, after)
	}

	if err := h.svc.Snooze(context.Background(), "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown alarm, got %v", err)
	}
}

func TestAlarmService_UpdateIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, AlarmInput{
		Name: "Twice",
		Instances: []InstanceInput{
			{ID: "i1", Date: day(0), Time: clock(9, 0)},
			{ID: "i2", Date: day(1), Time: clock(9, 0), RepeatInterval: "weekly"},
		},
	})
	initial := identifiers(h.pending(t))

	if _, err := h.svc.UpdateAlarm(ctx, a); err != nil {
		t.Fatalf("first UpdateAlarm: %v", err)
	}
	once := identifiers(h.pending(t))
	if _, err := h.svc.UpdateAlarm(ctx, a); err != nil {
		t.Fatalf("second UpdateAlarm: %v", err)
	}
	twice := identifiers(h.pending(t))

	if len(twice) != 10 || strings.Join(once, ",") != strings.Join(twice, ",") || strings.Join(initial, ",") != strings.Join(once, ",") {
		t.Fatalf("reschedule is not idempotent:\n%v\n%v\n%v", initial, once, twice)
	}

	if _, err := h.svc.UpdateAlarm(ctx, alarm.Alarm{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAlarmService_PastInstancesAreSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.create(t, AlarmInput{
		Name: "Mixed",
		Instances: []InstanceInput{
			{ID: "past", Date: day(-1), Time: clock(8, 0)},
			{ID: "future", Date: day(1), Time: clock(8, 0)},
		},
	})

	pending := h.pending(t)
	if len(pending) != 5 {
		t.Fatalf("expected only the future instance, got %v", identifiers(pending))
	}
	for _, req := range pending {
		if req.Payload[scheduler.KeyInstanceID] != "future" {
			t.Fatalf("past instance was scheduled: %s", req.Identifier)
		}
	}
}

func TestAlarmService_CheckActivatesOnlyFirstDelivered(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	first := h.create(t, AlarmInput{Name: "First", Instances: []InstanceInput{{ID: "f1", Date: day(0), Time: clock(8, 0)}}})
	second := h.create(t, AlarmInput{Name: "Second", Instances: []InstanceInput{{ID: "s1", Date: day(0), Time: clock(8, 2)}}})

	active := h.fireAt(t, time.Date(2026, time.October, 20, 8, 3, 0, 0, time.UTC))
	if active.Alarm.ID != first.ID {
		t.Fatalf("expected the first delivered alarm to activate, got %s", active.Alarm.ID)
	}

	secondDelivered := 0
	for _, d := range h.delivered(t) {
		if d.Request.Payload[scheduler.KeyAlarmID] == second.ID {
			secondDelivered++
		}
	}
	if secondDelivered != 2 {
		t.Fatalf("the other alarm's delivered notifications must be left alone, got %d", secondDelivered)
	}

	if _, ok, err := h.svc.CheckForActiveAlarms(context.Background()); ok || err != nil {
		t.Fatalf("check while active must be a no-op, got ok=%v err=%v", ok, err)
	}
	if got, _ := h.svc.Active(); got.Alarm.ID != first.ID {
		t.Fatalf("active alarm changed to %s", got.Alarm.ID)
	}
	if len(h.sound.played) != 1 {
		t.Fatalf("expected one ringtone start, got %v", h.sound.played)
	}
}

func TestAlarmService_SuppressionWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	first := h.create(t, AlarmInput{Name: "First", Snooze: true, Instances: []InstanceInput{{ID: "f1", Date: day(0), Time: clock(8, 0)}}})
	h.create(t, AlarmInput{Name: "Second", Instances: []InstanceInput{{ID: "s1", Date: day(0), Time: clock(8, 0)}}})

	h.fireAt(t, time.Date(2026, time.October, 20, 8, 0, 5, 0, time.UTC))
	if err := h.svc.Dismiss(ctx, first.ID, "f1"); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}

	if _, ok, _ := h.svc.CheckForActiveAlarms(ctx); ok {
		t.Fatal("checks must be suppressed right after dismiss")
	}

	timer := h.timers.last()
	timer.f()

	active, ok, err := h.svc.CheckForActiveAlarms(ctx)
	if err != nil || !ok || active.Alarm.Name != "Second" {
		t.Fatalf("expected the second alarm after the window, got %+v ok=%v err=%v", active, ok, err)
	}

	h.svc.SuppressChecks()
	if !h.svc.State().Suppressed {
		t.Fatal("SuppressChecks must set the flag")
	}
	h.svc.ResumeChecks()
	if h.svc.State().Suppressed {
		t.Fatal("ResumeChecks must clear the flag")
	}
}

func TestAlarmService_StaleWindowTimerKeepsNewWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.svc.mu.Lock()
	h.svc.suppressLocked()
	h.svc.mu.Unlock()
	first := h.timers.last()

	h.svc.mu.Lock()
	h.svc.suppressLocked()
	h.svc.mu.Unlock()
	second := h.timers.last()
	if first == second || !first.stopped {
		t.Fatal("a new window must stop the previous timer")
	}

	first.f()
	if !h.svc.State().Suppressed {
		t.Fatal("an outdated timer must not end the current window")
	}
	if second.stopped {
		t.Fatal("an outdated timer must not stop the current timer")
	}

	second.f()
	if h.svc.State().Suppressed {
		t.Fatal("the current timer must end the window")
	}

	h.svc.SuppressChecks()
	second.f()
	if !h.svc.State().Suppressed {
		t.Fatal("an expired window must not end a manual suppression")
	}
}

func TestAlarmService_DismissSimpleAlarmMarksInactive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, AlarmInput{
		Name:     "Simple",
		Triggers: []time.Time{time.Date(2026, time.October, 20, 8, 0, 0, 0, time.UTC)},
	})
	if len(a.Times) != 1 || a.IsEvent() {
		t.Fatalf("expected a simple alarm, got %+v", a)
	}

	active := h.fireAt(t, time.Date(2026, time.October, 20, 8, 0, 1, 0, time.UTC))
	if active.Instance != nil {
		t.Fatalf("simple alarm must fire without an instance, got %+v", active.Instance)
	}

	if err := h.svc.Dismiss(ctx, a.ID, ""); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	got, _ := h.svc.Alarm(a.ID)
	if got.Status {
		t.Fatal("dismissing a simple alarm must clear its status")
	}
	if stored, _ := h.repo.get(a.ID); stored.Status {
		t.Fatal("inactive status must be persisted")
	}
	if len(h.pending(t)) != 0 || len(h.delivered(t)) != 0 {
		t.Fatalf("expected no notifications left, got %v / %+v", identifiers(h.pending(t)), h.delivered(t))
	}
}

func TestAlarmService_StaleInstanceFallsBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, AlarmInput{Name: "Stale", Instances: []InstanceInput{{ID: "i1", Date: day(2), Time: clock(8, 0)}}})

	t.Run("identifier supplies the instance", func(t *testing.T) {
		req := scheduler.Request{
			Identifier: scheduler.Identifier(a.ID, "i1", scheduler.PurposeBackup, "0"),
			Payload:    map[string]string{scheduler.KeyAlarmID: a.ID},
			TriggerAt:  baseTime,
		}
		if err := h.center.Add(ctx, req); err != nil {
			t.Fatalf("add: %v", err)
		}
		h.center.DeliverDue(baseTime)

		active, ok, err := h.svc.CheckForActiveAlarms(ctx)
		if err != nil || !ok {
			t.Fatalf("expected activation, got ok=%v err=%v", ok, err)
		}
		if active.Instance == nil || active.Instance.ID != "i1" {
			t.Fatalf("expected instance from identifier, got %+v", active.Instance)
		}
		stops := h.sound.stops
		h.svc.MarkInstanceAsInactive(a.ID, "i1")
		if _, ok := h.svc.Active(); ok {
			t.Fatal("MarkInstanceAsInactive must clear the matching active alarm")
		}
		if h.sound.stops != stops+1 {
			t.Fatalf("clearing the active alarm must stop the ringtone, stops=%d", h.sound.stops)
		}
		_ = h.center.RemoveDelivered(ctx, req.Identifier)
	})

	t.Run("unknown instance fires as simple alarm", func(t *testing.T) {
		stale := scheduler.Payload{AlarmID: a.ID, InstanceID: "gone", ScheduledTime: baseTime}
		req := scheduler.Request{Identifier: stale.Identifier(), Payload: stale.Map(), TriggerAt: baseTime}
		if err := h.center.Add(ctx, req); err != nil {
			t.Fatalf("add: %v", err)
		}
		h.center.DeliverDue(baseTime)

		active, ok, err := h.svc.CheckForActiveAlarms(ctx)
		if err != nil || !ok {
			t.Fatalf("expected activation, got ok=%v err=%v", ok, err)
		}
		if active.Instance != nil {
			t.Fatalf("expected simple firing fallback, got %+v", active.Instance)
		}

		if err := h.svc.Dismiss(ctx, a.ID, ""); err != nil {
			t.Fatalf("Dismiss: %v", err)
		}
		if len(h.delivered(t)) != 0 {
			t.Fatalf("stale notification must be cancelled on dismiss, got %+v", h.delivered(t))
		}
		if got, _ := h.svc.Alarm(a.ID); !got.Status || len(h.pending(t)) != 5 {
			t.Fatalf("event alarm must stay scheduled, status=%v pending=%d", got.Status, len(h.pending(t)))
		}
	})
}

func TestAlarmService_CheckCancelsStrayNotifications(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	stray := scheduler.Payload{AlarmID: "deleted", ScheduledTime: baseTime}
	for _, req := range []scheduler.Request{
		{Identifier: stray.Identifier(), Payload: stray.Map(), TriggerAt: baseTime},
		{Identifier: "unrelated-ticket", TriggerAt: baseTime},
	} {
		if err := h.center.Add(ctx, req); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	h.center.DeliverDue(baseTime)

	_, ok, err := h.svc.CheckForActiveAlarms(ctx)
	if err != nil || ok {
		t.Fatalf("expected no activation, got ok=%v err=%v", ok, err)
	}
	delivered := h.delivered(t)
	if len(delivered) != 1 || delivered[0].Request.Identifier != "unrelated-ticket" {
		t.Fatalf("expected only the foreign notification to remain, got %+v", delivered)
	}
}

func TestAlarmService_PersistenceFailureKeepsEdit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.repo.upsertErr = errors.New("disk full")

	a := h.create(t, AlarmInput{Name: "Unsaved", Instances: []InstanceInput{{ID: "i1", Date: day(1), Time: clock(6, 0)}}})
	if len(h.svc.Alarms()) != 1 {
		t.Fatal("failed write must keep the alarm in memory")
	}
	if len(h.pending(t)) != 5 {
		t.Fatal("failed write must not prevent scheduling")
	}
	if _, ok := h.repo.get(a.ID); ok {
		t.Fatal("alarm must not be stored yet")
	}

	if err := h.svc.FlushPending(ctx); err == nil {
		t.Fatal("expected flush to fail while the store is failing")
	}

	h.repo.upsertErr = nil
	if err := h.svc.FlushPending(ctx); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	if stored, ok := h.repo.get(a.ID); !ok || stored.Name != "Unsaved" {
		t.Fatalf("expected retried write to store the alarm, got %+v", stored)
	}
	if err := h.svc.FlushPending(ctx); err != nil {
		t.Fatalf("flush with nothing pending must succeed, got %v", err)
	}
}

func TestAlarmService_DeleteAlarm(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, AlarmInput{Name: "Gone", Instances: []InstanceInput{{ID: "i1", Date: day(0), Time: clock(8, 0)}}})
	h.fireAt(t, time.Date(2026, time.October, 20, 8, 0, 1, 0, time.UTC))

	h.repo.deleteErr = errors.New("locked")
	if err := h.svc.DeleteAlarm(ctx, a.ID); err != nil {
		t.Fatalf("DeleteAlarm: %v", err)
	}
	if len(h.svc.Alarms()) != 0 {
		t.Fatal("alarm must be removed from the list")
	}
	if _, ok := h.svc.Active(); ok {
		t.Fatal("deleting the active alarm must clear it")
	}
	if len(h.pending(t)) != 0 || len(h.delivered(t)) != 0 {
		t.Fatal("delete must cancel every notification")
	}

	h.repo.deleteErr = nil
	if err := h.svc.FlushPending(ctx); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	if _, ok := h.repo.get(a.ID); ok {
		t.Fatal("retried delete must remove the stored alarm")
	}

	if err := h.svc.DeleteAlarm(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAlarmService_ToggleStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, AlarmInput{Name: "Toggle", Instances: []InstanceInput{{ID: "i1", Date: day(1), Time: clock(8, 0)}}})

	off, err := h.svc.ToggleStatus(ctx, a.ID)
	if err != nil {
		t.Fatalf("ToggleStatus: %v", err)
	}
	if off.Status || len(off.Instances) != 1 {
		t.Fatalf("disable must keep instances, got %+v", off)
	}
	if len(h.pending(t)) != 0 {
		t.Fatalf("disabled alarm must have no notifications, got %v", identifiers(h.pending(t)))
	}

	on, err := h.svc.ToggleStatus(ctx, a.ID)
	if err != nil {
		t.Fatalf("ToggleStatus: %v", err)
	}
	if !on.Status || len(h.pending(t)) != 5 {
		t.Fatalf("enable must reschedule, status=%v pending=%d", on.Status, len(h.pending(t)))
	}
}

func TestAlarmService_InstancesLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, AlarmInput{
		Name:     "Promote",
		Triggers: []time.Time{time.Date(2026, time.October, 21, 6, 30, 0, 0, time.UTC)},
	})

	inst, err := h.svc.AddInstance(ctx, a.ID, InstanceInput{ID: "extra", Date: day(2), Time: clock(7, 15), RepeatInterval: "hourly"})
	if err != nil {
		t.Fatalf("AddInstance: %v", err)
	}
	if inst.RepeatInterval != "hourly" {
		t.Fatalf("unexpected interval %q", inst.RepeatInterval)
	}

	got, _ := h.svc.Alarm(a.ID)
	if len(got.Instances) != 2 || got.Instances[1].ID != "extra" {
		t.Fatalf("expected legacy time promoted plus new instance, got %+v", got.Instances)
	}
	if len(got.Times) != 2 || len(got.Dates) != 2 || got.Times[1].Hour() != 7 {
		t.Fatalf("legacy times must follow the instances, got %v / %v", got.Times, got.Dates)
	}
	if len(h.pending(t)) != 10 {
		t.Fatalf("expected both occurrences scheduled, got %d", len(h.pending(t)))
	}

	if _, err := h.svc.AddInstance(ctx, a.ID, InstanceInput{ID: "extra", Date: day(3)}); err == nil {
		t.Fatal("expected duplicate instance id to be rejected")
	}

	if err := h.svc.DeleteInstance(ctx, a.ID, "extra"); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	for _, req := range h.pending(t) {
		if req.Payload[scheduler.KeyInstanceID] == "extra" {
			t.Fatalf("deleted instance still scheduled: %s", req.Identifier)
		}
	}
	if len(h.pending(t)) != 5 {
		t.Fatalf("expected remaining instance scheduled, got %d", len(h.pending(t)))
	}
	if err := h.svc.DeleteInstance(ctx, a.ID, "extra"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAlarmService_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	cases := []struct {
		name  string
		input AlarmInput
		field string
	}{
		{"no occurrences", AlarmInput{Name: "Empty"}, "instances"},
		{"bad interval", AlarmInput{Instances: []InstanceInput{{Date: day(1), RepeatInterval: "yearly"}}}, "instances[0].repeat_interval"},
		{"missing date", AlarmInput{Instances: []InstanceInput{{Time: clock(8, 0)}}}, "instances[0].date"},
		{"custom ringtone without url", AlarmInput{IsCustomRingtone: true, Triggers: []time.Time{baseTime.Add(time.Hour)}}, "custom_ringtone_url"},
		{"both kinds", AlarmInput{Triggers: []time.Time{baseTime}, Instances: []InstanceInput{{Date: day(1)}}}, "triggers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.CreateAlarm(context.Background(), tc.input)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if _, ok := vErr.FieldErrors[tc.field]; !ok {
				t.Fatalf("expected error on %s, got %v", tc.field, vErr.FieldErrors)
			}
		})
	}
	if len(h.svc.Alarms()) != 0 || len(h.pending(t)) != 0 {
		t.Fatal("invalid input must not create anything")
	}
}

func TestAlarmService_EditAlarm(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, AlarmInput{Name: "Before", Instances: []InstanceInput{{ID: "i1", Date: day(1), Time: clock(8, 0)}}})

	name := "After"
	snooze := true
	instances := []InstanceInput{{ID: "n1", Date: day(3), Time: clock(10, 0), Description: "later"}}
	edited, err := h.svc.EditAlarm(ctx, a.ID, AlarmPatch{Name: &name, Snooze: &snooze, Instances: &instances})
	if err != nil {
		t.Fatalf("EditAlarm: %v", err)
	}
	if edited.Name != "After" || !edited.Snooze || len(edited.Instances) != 1 || edited.Instances[0].ID != "n1" {
		t.Fatalf("patch not applied: %+v", edited)
	}
	if !edited.CreatedAt.Equal(a.CreatedAt) {
		t.Fatal("edit must keep the creation time")
	}

	pending := h.pending(t)
	if len(pending) != 5 {
		t.Fatalf("expected one rescheduled set, got %v", identifiers(pending))
	}
	for _, req := range pending {
		if req.Payload[scheduler.KeyInstanceID] != "n1" || req.Title != "After" || req.Body != "later" {
			t.Fatalf("stale notification content: %+v", req)
		}
		if req.Category != scheduler.CategorySnoozableAlarm {
			t.Fatalf("snoozable alarm must use the snoozable category, got %q", req.Category)
		}
	}

	empty := []InstanceInput{}
	_, err = h.svc.EditAlarm(ctx, a.ID, AlarmPatch{Instances: &empty})
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.FieldErrors["instances"] == "" {
		t.Fatalf("expected an empty instance list to be rejected, got %v", err)
	}
	if got, _ := h.svc.Alarm(a.ID); len(got.Instances) != 1 || got.Instances[0].ID != "n1" {
		t.Fatalf("rejected edit must keep the instances, got %+v", got.Instances)
	}
	if ids := identifiers(h.pending(t)); len(ids) != 5 || !strings.Contains(ids[0], "n1") {
		t.Fatalf("rejected edit must keep the schedule, got %v", ids)
	}

	negative := -time.Second
	if _, err := h.svc.EditAlarm(ctx, a.ID, AlarmPatch{BackupAfter: &negative}); err == nil {
		t.Fatal("expected negative backup offset to be rejected")
	}
	if _, err := h.svc.EditAlarm(ctx, "missing", AlarmPatch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAlarmService_MarkAlarmAsInactive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, AlarmInput{Name: "Off", Instances: []InstanceInput{{ID: "i1", Date: day(1), Time: clock(8, 0)}}})

	if err := h.svc.MarkAlarmAsInactive(ctx, a.ID); err != nil {
		t.Fatalf("MarkAlarmAsInactive: %v", err)
	}
	if got, _ := h.svc.Alarm(a.ID); got.Status {
		t.Fatal("expected status cleared")
	}
	if len(h.pending(t)) != 0 {
		t.Fatal("expected notifications cancelled")
	}
	if err := h.svc.MarkAlarmAsInactive(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAlarmService_LoadRestoresSchedule(t *testing.T) {
	t.Parallel()

	stored := alarm.Alarm{
		ID:        "stored",
		Name:      "Stored",
		Status:    true,
		Instances: []alarm.Instance{{ID: "i1", Date: day(1), Time: clock(8, 0), RepeatInterval: "none"}},
	}
	stored.SyncLegacy()
	disabled := alarm.Alarm{ID: "off", Instances: []alarm.Instance{{ID: "o1", Date: day(1), Time: clock(9, 0)}}}

	h := newHarness(t, stored, disabled)
	ctx := context.Background()

	fired := scheduler.Payload{AlarmID: "stored", InstanceID: "i1", ScheduledTime: baseTime}
	_ = h.center.Add(ctx, scheduler.Request{Identifier: fired.Identifier() + "-old", Payload: fired.Map(), TriggerAt: baseTime})
	h.center.DeliverDue(baseTime)

	if err := h.svc.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := h.svc.Alarms(); len(got) != 2 || got[0].ID != "stored" {
		t.Fatalf("unexpected alarms %+v", got)
	}
	if len(h.pending(t)) != 5 {
		t.Fatalf("expected only the enabled alarm scheduled, got %v", identifiers(h.pending(t)))
	}
	if len(h.delivered(t)) != 1 {
		t.Fatal("load must keep delivered notifications for the probe")
	}

	h.repo.listErr = errors.New("corrupt")
	if err := h.svc.Load(ctx); err == nil {
		t.Fatal("expected load error")
	}
}

func TestAlarmService_LoadMovesMissedRepeatingInstances(t *testing.T) {
	t.Parallel()

	daily := alarm.Alarm{
		ID:     "daily",
		Name:   "Daily",
		Status: true,
		Instances: []alarm.Instance{
			{ID: "d1", Date: day(0), Time: clock(6, 0), RepeatInterval: "daily"},
			{ID: "d2", Date: day(-1), Time: clock(9, 0), RepeatInterval: "none"},
		},
	}
	daily.SyncLegacy()
	paused := alarm.Alarm{ID: "paused", Instances: []alarm.Instance{{ID: "p1", Date: day(0), Time: clock(6, 0), RepeatInterval: "daily"}}}

	h := newHarness(t, daily, paused)
	if err := h.svc.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	next := time.Date(2026, time.October, 21, 6, 0, 0, 0, time.UTC)
	got, _ := h.svc.Alarm("daily")
	moved, _ := got.Instance("d1")
	if !moved.Trigger(time.UTC).Equal(next) {
		t.Fatalf("expected missed daily instance at %v, got %v", next, moved.Trigger(time.UTC))
	}
	if oneShot, _ := got.Instance("d2"); !oneShot.Trigger(time.UTC).Equal(time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("one-shot instance must not move, got %v", oneShot.Trigger(time.UTC))
	}
	if !got.Times[0].Equal(moved.Time) {
		t.Fatalf("legacy times must follow the moved instance, got %v", got.Times)
	}

	stored, _ := h.repo.get("daily")
	if inst, _ := stored.Instance("d1"); !inst.Trigger(time.UTC).Equal(next) {
		t.Fatalf("moved instance must be persisted, got %+v", inst)
	}
	if off, _ := h.svc.Alarm("paused"); !off.Instances[0].Trigger(time.UTC).Equal(time.Date(2026, time.October, 20, 6, 0, 0, 0, time.UTC)) {
		t.Fatal("disabled alarms must be left alone")
	}

	pending := h.pending(t)
	if len(pending) != 5 || !pending[0].TriggerAt.Equal(next) {
		t.Fatalf("expected the next daily set at %v, got %v", next, identifiers(pending))
	}
}

func TestAlarmService_ImportCalendar(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	body := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//alarmd//test//EN",
		"BEGIN:VEVENT",
		"UID:meds",
		"DTSTAMP:20261001T000000Z",
		"SUMMARY:Meds",
		"DTSTART:20261021T080000Z",
		"RRULE:FREQ=DAILY",
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\r\n") + "\r\n"

	created, err := h.svc.ImportCalendar(context.Background(), strings.NewReader(body), AlarmInput{Snooze: true, Ringtone: "radar"})
	if err != nil {
		t.Fatalf("ImportCalendar: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected one alarm, got %d", len(created))
	}
	a := created[0]
	if a.Name != "Meds" || !a.Snooze || a.Ringtone != "radar" || len(a.Instances) != 1 || a.Instances[0].RepeatInterval != "daily" {
		t.Fatalf("unexpected imported alarm %+v", a)
	}
	if len(h.pending(t)) != 5 {
		t.Fatalf("imported alarm must be scheduled, got %d", len(h.pending(t)))
	}

	_, err = h.svc.ImportCalendar(context.Background(), strings.NewReader(""), AlarmInput{})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError for empty calendar, got %v", err)
	}
}

func TestAlarmService_StateListener(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var (
		mu     sync.Mutex
		states []State
	)
	h.svc.WithStateListener(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	h.create(t, AlarmInput{Name: "Observed", Instances: []InstanceInput{{ID: "i1", Date: day(0), Time: clock(8, 0)}}})
	h.fireAt(t, time.Date(2026, time.October, 20, 8, 0, 1, 0, time.UTC))

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 {
		t.Fatalf("expected a snapshot per operation, got %d", len(states))
	}
	if len(states[0].Alarms) != 1 || states[0].Active != nil {
		t.Fatalf("unexpected first snapshot %+v", states[0])
	}
	if states[1].Active == nil || states[1].Active.Description != "" || states[1].Active.Alarm.Name != "Observed" {
		t.Fatalf("unexpected second snapshot %+v", states[1].Active)
	}
}
