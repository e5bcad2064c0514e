package testfixtures

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/alarm-clock/internal/application"
	"github.com/example/alarm-clock/internal/recurrence"
)

func TestControllerSchedulesWithDeterministicIDs(t *testing.T) {
	c := NewController(t, WithIDGenerator(NewIDGenerator("alarm")))

	created, err := c.Service.CreateAlarm(context.Background(), application.AlarmInput{
		Name:      "Stretch",
		Instances: []application.InstanceInput{{ID: "morning", Date: ReferenceTime(), Time: At(8, 0)}},
	})
	if err != nil {
		t.Fatalf("CreateAlarm returned error: %v", err)
	}

	if created.ID != "alarm-1" {
		t.Fatalf("expected generated ID alarm-1, got %q", created.ID)
	}
	if !created.CreatedAt.Equal(c.Clock.Now()) {
		t.Fatalf("expected timestamp %v, got %v", c.Clock.Now(), created.CreatedAt)
	}
	if stored, ok := c.Store.Get(created.ID); !ok || stored.Name != "Stretch" {
		t.Fatalf("alarm not persisted: %+v", stored)
	}
	if got := len(c.Pending(t)); got != 5 {
		t.Fatalf("expected 5 pending notifications, got %d", got)
	}
}

func TestControllerFireAtAndSuppressionTimers(t *testing.T) {
	ctx := context.Background()
	fixture := NewAlarmFixture(WithSnooze(), WithInstances(Instance("daily", 0, 8, 0, recurrence.IntervalDaily)))
	c := NewController(t, WithStoredAlarms(fixture))
	if err := c.Service.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	active, ok, err := c.FireAt(ctx, ReferenceTime().Add(time.Hour))
	if err != nil || !ok || active.Alarm.ID != fixture.ID {
		t.Fatalf("expected %s to activate, got ok=%v err=%v %+v", fixture.ID, ok, err, active)
	}
	if played := c.Sound.Played(); len(played) != 1 || played[0] != fixture.ID {
		t.Fatalf("unexpected ringtone starts %v", played)
	}

	if err := c.Service.Snooze(ctx, fixture.ID, "daily"); err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	if armed := c.Timers.Armed(); len(armed) != 1 || armed[0] != application.DefaultSuppressionWindow {
		t.Fatalf("expected one suppression timer, got %v", armed)
	}
	if c.Sound.Stops() != 1 {
		t.Fatalf("expected ringtone stop, got %d", c.Sound.Stops())
	}
	if fired := c.Timers.FireAll(); fired != 1 || c.Service.State().Suppressed {
		t.Fatalf("expected suppression lifted, fired=%d", fired)
	}
}

func TestAlarmStoreFailWrites(t *testing.T) {
	store := NewAlarmStore(NewAlarmFixture(WithAlarmID("kept")))
	failure := errors.New("read-only")
	store.FailWrites(failure)

	if err := store.UpsertAlarm(context.Background(), NewAlarmFixture()); !errors.Is(err, failure) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if err := store.DeleteAlarm(context.Background(), "kept"); !errors.Is(err, failure) {
		t.Fatalf("expected injected failure, got %v", err)
	}

	store.FailWrites(nil)
	if err := store.DeleteAlarm(context.Background(), "kept"); err != nil {
		t.Fatalf("DeleteAlarm: %v", err)
	}
	alarms, _ := store.ListAlarms(context.Background())
	if len(alarms) != 0 {
		t.Fatalf("expected empty store, got %d", len(alarms))
	}
}

func TestNewAlarmFixtureSyncsLegacyTimes(t *testing.T) {
	a := NewAlarmFixture(WithName("Gym"), Disabled())
	if a.Status || a.Name != "Gym" {
		t.Fatalf("options not applied: %+v", a)
	}
	if len(a.Times) != 1 || !a.Instances[0].Trigger(time.UTC).Equal(time.Date(2026, time.October, 20, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected occurrence: %+v", a)
	}

	simple := NewAlarmFixture(WithTriggers(ReferenceTime().Add(2 * time.Hour)))
	if simple.IsEvent() || len(simple.Dates) != 1 {
		t.Fatalf("expected simple alarm, got %+v", simple)
	}
}
