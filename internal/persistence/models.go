package persistence

import "time"

// Alarm is the stored form of an alarm together with its child rows.
type Alarm struct {
	ID                string
	Name              string
	Description       string
	Status            bool
	Ringtone          string
	IsCustomRingtone  bool
	CustomRingtoneURL string
	Snooze            bool
	BackupAfter       time.Duration
	Instances         []Instance
	Times             []TimeSlot
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Instance is one row of alarm_instances. Only the calendar date of Date and
// the wall-clock time of Time are stored.
type Instance struct {
	ID             string
	Date           time.Time
	Time           time.Time
	Description    string
	RepeatInterval string
}

// TimeSlot is one legacy date/time pair of a simple alarm.
type TimeSlot struct {
	Date time.Time
	Time time.Time
}
