package application

import (
	"context"
	"time"

	"github.com/example/alarm-clock/internal/alarm"
	"github.com/example/alarm-clock/internal/scheduler"
)

// AlarmRepository captures the persistence interactions needed by the service.
type AlarmRepository interface {
	ListAlarms(ctx context.Context) ([]alarm.Alarm, error)
	UpsertAlarm(ctx context.Context, a alarm.Alarm) error
	DeleteAlarm(ctx context.Context, id string) error
}

// NotificationScheduler registers and removes the notifications of an alarm.
// *scheduler.Scheduler satisfies it.
type NotificationScheduler interface {
	Schedule(ctx context.Context, a alarm.Alarm) scheduler.Report
	ScheduleInstance(ctx context.Context, a alarm.Alarm, instanceID string) scheduler.Report
	ScheduleSnooze(ctx context.Context, a alarm.Alarm, inst *alarm.Instance, at time.Time) scheduler.Report
	Cancel(ctx context.Context, f scheduler.Filter) scheduler.Report
	Delivered(ctx context.Context) ([]scheduler.Delivered, error)
}

// SoundPlayer plays the ringtone of the active alarm.
type SoundPlayer interface {
	Play(ctx context.Context, a alarm.Alarm) error
	Stop()
}

// InstanceInput captures caller provided instance fields. Date supplies the
// calendar day and Time the wall-clock time.
type InstanceInput struct {
	ID             string
	Date           time.Time
	Time           time.Time
	Description    string
	RepeatInterval string
}

// AlarmInput captures caller provided alarm fields. Instances create an event
// alarm; Triggers create a simple alarm with one legacy time per entry.
type AlarmInput struct {
	Name              string
	Description       string
	Instances         []InstanceInput
	Triggers          []time.Time
	Ringtone          string
	IsCustomRingtone  bool
	CustomRingtoneURL string
	Snooze            bool
	BackupAfter       time.Duration
	Disabled          bool
}

// AlarmPatch lists the fields EditAlarm changes. Nil fields are kept.
type AlarmPatch struct {
	Name              *string
	Description       *string
	Instances         *[]InstanceInput
	Ringtone          *string
	IsCustomRingtone  *bool
	CustomRingtoneURL *string
	Snooze            *bool
	BackupAfter       *time.Duration
	Status            *bool
}

// ActiveAlarm is the alarm currently prompting the user.
type ActiveAlarm struct {
	Alarm          alarm.Alarm
	Instance       *alarm.Instance
	Description    string
	TriggerAt      time.Time
	NotificationID string
	Purpose        scheduler.Purpose

	// staleInstanceID is the payload instance id when it no longer exists.
	staleInstanceID string
}

// State is the snapshot rendered by the presentation layer.
type State struct {
	Alarms     []alarm.Alarm
	Active     *ActiveAlarm
	Suppressed bool
}

func (a *ActiveAlarm) clone() *ActiveAlarm {
	if a == nil {
		return nil
	}
	out := *a
	out.Alarm = a.Alarm.Clone()
	if a.Instance != nil {
		inst := *a.Instance
		out.Instance = &inst
	}
	return &out
}
