package alarm

import (
	"time"

	"github.com/example/alarm-clock/internal/recurrence"
)

// DefaultBackupAfter is the backup horizon used when an alarm does not define one.
const DefaultBackupAfter = 3*time.Minute + 15*time.Second

// Alarm is a user defined alarm. An alarm with instances is an event alarm;
// one without instances but with Times/Dates is a simple alarm.
type Alarm struct {
	ID          string
	Name        string
	Description string

	// Times and Dates are index aligned legacy copies of each occurrence.
	Times []time.Time
	Dates []time.Time

	Instances []Instance

	Status            bool
	Ringtone          string
	IsCustomRingtone  bool
	CustomRingtoneURL string
	Snooze            bool

	// BackupAfter overrides DefaultBackupAfter for the backup reminder.
	BackupAfter time.Duration

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Instance is one dated occurrence of an event alarm.
type Instance struct {
	ID             string
	Date           time.Time
	Time           time.Time
	Description    string
	RepeatInterval recurrence.Interval
}

// Trigger returns the firing timestamp of the instance in loc.
func (i Instance) Trigger(loc *time.Location) time.Time {
	return recurrence.Combine(i.Date, i.Time, loc)
}

// Repeats reports whether the instance regenerates after it fires.
func (i Instance) Repeats() bool {
	return i.RepeatInterval.Repeats()
}

// IsEvent reports whether the alarm is driven by instances.
func (a Alarm) IsEvent() bool {
	return len(a.Instances) > 0
}

// Instance looks up an instance by id.
func (a Alarm) Instance(id string) (Instance, bool) {
	if id == "" {
		return Instance{}, false
	}
	for _, inst := range a.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return Instance{}, false
}

// DescriptionFor prefers the instance description over the alarm description.
func (a Alarm) DescriptionFor(inst *Instance) string {
	if inst != nil && inst.Description != "" {
		return inst.Description
	}
	return a.Description
}

// BackupOffset returns the delay between the primary trigger and the backup
// reminder, using fallback when the alarm defines none.
func (a Alarm) BackupOffset(fallback time.Duration) time.Duration {
	if a.BackupAfter > 0 {
		return a.BackupAfter
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultBackupAfter
}

// LegacyTriggers combines the legacy Times/Dates pairs. Extra entries in the
// longer slice are ignored.
func (a Alarm) LegacyTriggers(loc *time.Location) []time.Time {
	n := len(a.Times)
	if len(a.Dates) < n {
		n = len(a.Dates)
	}
	triggers := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		triggers = append(triggers, recurrence.Combine(a.Dates[i], a.Times[i], loc))
	}
	return triggers
}

// SyncLegacy rewrites Times/Dates from the instance list. Simple alarms are left untouched.
func (a *Alarm) SyncLegacy() {
	if a == nil || len(a.Instances) == 0 {
		return
	}
	a.Times = make([]time.Time, len(a.Instances))
	a.Dates = make([]time.Time, len(a.Instances))
	for i, inst := range a.Instances {
		a.Times[i] = inst.Time
		a.Dates[i] = inst.Date
	}
}

// ReplaceInstance swaps the instance with the same id and reports whether it was found.
func (a *Alarm) ReplaceInstance(inst Instance) bool {
	for i := range a.Instances {
		if a.Instances[i].ID == inst.ID {
			a.Instances[i] = inst
			a.SyncLegacy()
			return true
		}
	}
	return false
}

// RemoveInstance drops the instance with the given id and reports whether it existed.
func (a *Alarm) RemoveInstance(id string) bool {
	for i := range a.Instances {
		if a.Instances[i].ID != id {
			continue
		}
		a.Instances = append(a.Instances[:i], a.Instances[i+1:]...)
		if len(a.Instances) == 0 {
			a.Instances = nil
			a.Times = nil
			a.Dates = nil
		} else {
			a.SyncLegacy()
		}
		return true
	}
	return false
}

// NextTrigger returns the earliest trigger strictly after now, if any.
func (a Alarm) NextTrigger(now time.Time, loc *time.Location) (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	consider := func(t time.Time) {
		if !t.After(now) {
			return
		}
		if !found || t.Before(next) {
			next = t
			found = true
		}
	}

	if a.IsEvent() {
		for _, inst := range a.Instances {
			consider(inst.Trigger(loc))
		}
	} else {
		for _, t := range a.LegacyTriggers(loc) {
			consider(t)
		}
	}
	return next, found
}

// Clone returns a deep copy safe to hand across ownership boundaries.
func (a Alarm) Clone() Alarm {
	out := a
	if a.Times != nil {
		out.Times = append([]time.Time(nil), a.Times...)
	}
	if a.Dates != nil {
		out.Dates = append([]time.Time(nil), a.Dates...)
	}
	if a.Instances != nil {
		out.Instances = append([]Instance(nil), a.Instances...)
	}
	return out
}
