package main

import (
	"context"

	"github.com/example/alarm-clock/internal/alarm"
	"github.com/example/alarm-clock/internal/persistence"
	"github.com/example/alarm-clock/internal/recurrence"
)

// alarmRepositoryAdapter exposes a persistence.AlarmRepository as the
// repository the alarm service expects.
type alarmRepositoryAdapter struct {
	repo persistence.AlarmRepository
}

func newAlarmRepositoryAdapter(repo persistence.AlarmRepository) *alarmRepositoryAdapter {
	return &alarmRepositoryAdapter{repo: repo}
}

func (a *alarmRepositoryAdapter) ListAlarms(ctx context.Context) ([]alarm.Alarm, error) {
	models, err := a.repo.ListAlarms(ctx)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}
	alarms := make([]alarm.Alarm, 0, len(models))
	for _, model := range models {
		alarms = append(alarms, toDomainAlarm(model))
	}
	return alarms, nil
}

func (a *alarmRepositoryAdapter) UpsertAlarm(ctx context.Context, model alarm.Alarm) error {
	return a.repo.UpsertAlarm(ctx, toPersistenceAlarm(model))
}

func (a *alarmRepositoryAdapter) DeleteAlarm(ctx context.Context, id string) error {
	return a.repo.DeleteAlarm(ctx, id)
}

func toDomainAlarm(model persistence.Alarm) alarm.Alarm {
	a := alarm.Alarm{
		ID:                model.ID,
		Name:              model.Name,
		Description:       model.Description,
		Status:            model.Status,
		Ringtone:          model.Ringtone,
		IsCustomRingtone:  model.IsCustomRingtone,
		CustomRingtoneURL: model.CustomRingtoneURL,
		Snooze:            model.Snooze,
		BackupAfter:       model.BackupAfter,
		CreatedAt:         model.CreatedAt,
		UpdatedAt:         model.UpdatedAt,
	}
	for _, inst := range model.Instances {
		a.Instances = append(a.Instances, alarm.Instance{
			ID:          inst.ID,
			Date:        inst.Date,
			Time:        inst.Time,
			Description: inst.Description,
			// Unknown stored intervals degrade to one-shot instances.
			RepeatInterval: parseInterval(inst.RepeatInterval),
		})
	}
	for _, slot := range model.Times {
		a.Dates = append(a.Dates, slot.Date)
		a.Times = append(a.Times, slot.Time)
	}
	return a
}

func toPersistenceAlarm(a alarm.Alarm) persistence.Alarm {
	model := persistence.Alarm{
		ID:                a.ID,
		Name:              a.Name,
		Description:       a.Description,
		Status:            a.Status,
		Ringtone:          a.Ringtone,
		IsCustomRingtone:  a.IsCustomRingtone,
		CustomRingtoneURL: a.CustomRingtoneURL,
		Snooze:            a.Snooze,
		BackupAfter:       a.BackupAfter,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
	for _, inst := range a.Instances {
		model.Instances = append(model.Instances, persistence.Instance{
			ID:             inst.ID,
			Date:           inst.Date,
			Time:           inst.Time,
			Description:    inst.Description,
			RepeatInterval: string(inst.RepeatInterval),
		})
	}
	for i := range min(len(a.Times), len(a.Dates)) {
		model.Times = append(model.Times, persistence.TimeSlot{Date: a.Dates[i], Time: a.Times[i]})
	}
	return model
}

func parseInterval(value string) recurrence.Interval {
	interval, err := recurrence.ParseInterval(value)
	if err != nil {
		return recurrence.IntervalNone
	}
	return interval
}
