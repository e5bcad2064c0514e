package persistence

import "context"

// AlarmRepository stores complete alarm records. UpsertAlarm replaces the
// alarm row and all of its child rows atomically.
type AlarmRepository interface {
	ListAlarms(ctx context.Context) ([]Alarm, error)
	UpsertAlarm(ctx context.Context, alarm Alarm) error
	DeleteAlarm(ctx context.Context, id string) error
}
