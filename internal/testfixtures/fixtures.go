package testfixtures

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/alarm-clock/internal/alarm"
	"github.com/example/alarm-clock/internal/recurrence"
)

var alarmCounter uint64

// AlarmOption configures the generated alarm fixture.
type AlarmOption func(*alarm.Alarm)

// NewAlarmFixture returns an enabled event alarm with one one-shot instance at
// 08:00 on the ReferenceTime day. Options are applied in order and the legacy
// Times/Dates are synced afterwards.
func NewAlarmFixture(opts ...AlarmOption) alarm.Alarm {
	idx := atomic.AddUint64(&alarmCounter, 1)
	created := referenceTime.Add(-time.Duration(idx) * time.Hour)
	a := alarm.Alarm{
		ID:        fmt.Sprintf("alarm-%03d", idx),
		Name:      fmt.Sprintf("Alarm %d", idx),
		Status:    true,
		Ringtone:  "classic",
		CreatedAt: created,
		UpdatedAt: created,
		Instances: []alarm.Instance{{
			ID:             fmt.Sprintf("instance-%03d", idx),
			Date:           referenceTime,
			Time:           At(8, 0),
			RepeatInterval: recurrence.IntervalNone,
		}},
	}
	for _, opt := range opts {
		opt(&a)
	}
	a.SyncLegacy()
	return a
}

// At returns a wall-clock carrier for hour:minute.
func At(hour, minute int) time.Time {
	return time.Date(2000, time.January, 1, hour, minute, 0, 0, time.UTC)
}

// WithAlarmID overrides the alarm identifier.
func WithAlarmID(id string) AlarmOption {
	return func(a *alarm.Alarm) { a.ID = id }
}

// WithName overrides the alarm name.
func WithName(name string) AlarmOption {
	return func(a *alarm.Alarm) { a.Name = name }
}

// WithSnooze allows snoozing the alarm.
func WithSnooze() AlarmOption {
	return func(a *alarm.Alarm) { a.Snooze = true }
}

// Disabled clears the enabled flag.
func Disabled() AlarmOption {
	return func(a *alarm.Alarm) { a.Status = false }
}

// WithInstances replaces the instance list.
func WithInstances(instances ...alarm.Instance) AlarmOption {
	return func(a *alarm.Alarm) {
		a.Instances = append([]alarm.Instance(nil), instances...)
	}
}

// WithTriggers turns the fixture into a simple alarm firing at each trigger.
func WithTriggers(triggers ...time.Time) AlarmOption {
	return func(a *alarm.Alarm) {
		a.Instances = nil
		a.Times = append([]time.Time(nil), triggers...)
		a.Dates = append([]time.Time(nil), triggers...)
	}
}

// Instance builds an instance on the day offset from ReferenceTime.
func Instance(id string, dayOffset, hour, minute int, interval recurrence.Interval) alarm.Instance {
	if interval == "" {
		interval = recurrence.IntervalNone
	}
	return alarm.Instance{
		ID:             id,
		Date:           referenceTime.AddDate(0, 0, dayOffset),
		Time:           At(hour, minute),
		RepeatInterval: interval,
	}
}
