package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/alarm-clock/internal/persistence"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

// AlarmRepository implements persistence.AlarmRepository using SQLite.
type AlarmRepository struct {
	pool   *ConnectionPool
	mapper *ErrorMapper
	retry  *RetryHelper
	now    func() time.Time
}

// NewAlarmRepository creates a new SQLite alarm repository.
func NewAlarmRepository(pool *ConnectionPool) *AlarmRepository {
	return &AlarmRepository{
		pool:   pool,
		mapper: NewErrorMapper(),
		retry:  NewRetryHelper(DefaultRetryConfig()),
		now:    time.Now,
	}
}

// UpsertAlarm replaces the alarm row and its instance and legacy time rows
// in one transaction.
func (r *AlarmRepository) UpsertAlarm(ctx context.Context, alarm persistence.Alarm) error {
	if alarm.ID == "" {
		return persistence.ErrConstraintViolation
	}

	now := r.now().UTC()
	if alarm.CreatedAt.IsZero() {
		alarm.CreatedAt = now
	}
	if alarm.UpdatedAt.IsZero() {
		alarm.UpdatedAt = now
	}

	return r.retry.WithRetry(ctx, func() error {
		return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
			const upsertSQL = `
				INSERT INTO alarms (id, name, description, status, ringtone, is_custom_ringtone,
					custom_ringtone_url, snooze, backup_after_ms, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					name = excluded.name,
					description = excluded.description,
					status = excluded.status,
					ringtone = excluded.ringtone,
					is_custom_ringtone = excluded.is_custom_ringtone,
					custom_ringtone_url = excluded.custom_ringtone_url,
					snooze = excluded.snooze,
					backup_after_ms = excluded.backup_after_ms,
					updated_at = excluded.updated_at
			`
			if _, err := tx.ExecContext(ctx, upsertSQL,
				alarm.ID,
				alarm.Name,
				alarm.Description,
				alarm.Status,
				alarm.Ringtone,
				alarm.IsCustomRingtone,
				alarm.CustomRingtoneURL,
				alarm.Snooze,
				alarm.BackupAfter.Milliseconds(),
				alarm.CreatedAt.UTC().Format(time.RFC3339Nano),
				alarm.UpdatedAt.UTC().Format(time.RFC3339Nano),
			); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx, "DELETE FROM alarm_instances WHERE alarm_id = ?", alarm.ID); err != nil {
				return err
			}
			for i, inst := range alarm.Instances {
				if inst.ID == "" {
					return fmt.Errorf("%w: instance %d has no id", persistence.ErrConstraintViolation, i)
				}
				interval := inst.RepeatInterval
				if interval == "" {
					interval = "none"
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO alarm_instances (alarm_id, id, position, date, time, description, repeat_interval)
					VALUES (?, ?, ?, ?, ?, ?, ?)
				`,
					alarm.ID,
					inst.ID,
					i,
					inst.Date.Format(dateLayout),
					inst.Time.Format(timeLayout),
					inst.Description,
					interval,
				); err != nil {
					return err
				}
			}

			if _, err := tx.ExecContext(ctx, "DELETE FROM alarm_times WHERE alarm_id = ?", alarm.ID); err != nil {
				return err
			}
			for i, slot := range alarm.Times {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO alarm_times (alarm_id, position, date, time)
					VALUES (?, ?, ?, ?)
				`,
					alarm.ID,
					i,
					slot.Date.Format(dateLayout),
					slot.Time.Format(timeLayout),
				); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// ListAlarms returns every alarm ordered by creation time then id.
func (r *AlarmRepository) ListAlarms(ctx context.Context) ([]persistence.Alarm, error) {
	var alarms []persistence.Alarm
	err := r.pool.WithReadOnlyTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, selectAlarmSQL+" ORDER BY created_at ASC, id ASC")
		if err != nil {
			return err
		}
		defer rows.Close()

		ids := make([]string, 0)
		for rows.Next() {
			alarm, err := scanAlarm(rows)
			if err != nil {
				return err
			}
			alarms = append(alarms, alarm)
			ids = append(ids, alarm.ID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		if len(ids) == 0 {
			return nil
		}
		children, err := r.loadChildren(ctx, tx, ids)
		if err != nil {
			return err
		}
		for i := range alarms {
			attach(&alarms[i], children)
		}
		return nil
	})
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	return alarms, nil
}

// DeleteAlarm removes the alarm. Child rows cascade.
func (r *AlarmRepository) DeleteAlarm(ctx context.Context, id string) error {
	if id == "" {
		return persistence.ErrNotFound
	}
	return r.retry.WithRetry(ctx, func() error {
		return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
			for _, stmt := range []string{
				"DELETE FROM alarm_instances WHERE alarm_id = ?",
				"DELETE FROM alarm_times WHERE alarm_id = ?",
			} {
				if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
					return err
				}
			}
			result, err := tx.ExecContext(ctx, "DELETE FROM alarms WHERE id = ?", id)
			if err != nil {
				return err
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}
			if affected == 0 {
				return persistence.ErrNotFound
			}
			return nil
		})
	})
}

const selectAlarmSQL = `
	SELECT id, name, description, status, ringtone, is_custom_ringtone,
		custom_ringtone_url, snooze, backup_after_ms, created_at, updated_at
	FROM alarms
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlarm(row rowScanner) (persistence.Alarm, error) {
	var (
		alarm                  persistence.Alarm
		backupMs               int64
		createdAtStr, updateAt string
	)
	err := row.Scan(
		&alarm.ID,
		&alarm.Name,
		&alarm.Description,
		&alarm.Status,
		&alarm.Ringtone,
		&alarm.IsCustomRingtone,
		&alarm.CustomRingtoneURL,
		&alarm.Snooze,
		&backupMs,
		&createdAtStr,
		&updateAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.Alarm{}, persistence.ErrNotFound
		}
		return persistence.Alarm{}, err
	}

	alarm.BackupAfter = time.Duration(backupMs) * time.Millisecond
	if alarm.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr); err != nil {
		return persistence.Alarm{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if alarm.UpdatedAt, err = time.Parse(time.RFC3339Nano, updateAt); err != nil {
		return persistence.Alarm{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return alarm, nil
}

type alarmChildren struct {
	instances map[string][]persistence.Instance
	times     map[string][]persistence.TimeSlot
}

func (r *AlarmRepository) loadChildren(ctx context.Context, tx *sql.Tx, ids []string) (alarmChildren, error) {
	children := alarmChildren{
		instances: make(map[string][]persistence.Instance, len(ids)),
		times:     make(map[string][]persistence.TimeSlot, len(ids)),
	}

	placeholders, args := inClause(ids)

	rows, err := tx.QueryContext(ctx, `
		SELECT alarm_id, id, date, time, description, repeat_interval
		FROM alarm_instances
		WHERE alarm_id IN (`+placeholders+`)
		ORDER BY alarm_id, position
	`, args...)
	if err != nil {
		return alarmChildren{}, err
	}
	for rows.Next() {
		var (
			alarmID, dateStr, timeStr string
			inst                      persistence.Instance
		)
		if err := rows.Scan(&alarmID, &inst.ID, &dateStr, &timeStr, &inst.Description, &inst.RepeatInterval); err != nil {
			rows.Close()
			return alarmChildren{}, err
		}
		if inst.Date, inst.Time, err = parseSlot(dateStr, timeStr); err != nil {
			rows.Close()
			return alarmChildren{}, fmt.Errorf("instance %s: %w", inst.ID, err)
		}
		children.instances[alarmID] = append(children.instances[alarmID], inst)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return alarmChildren{}, err
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, `
		SELECT alarm_id, date, time
		FROM alarm_times
		WHERE alarm_id IN (`+placeholders+`)
		ORDER BY alarm_id, position
	`, args...)
	if err != nil {
		return alarmChildren{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			alarmID, dateStr, timeStr string
			slot                      persistence.TimeSlot
		)
		if err := rows.Scan(&alarmID, &dateStr, &timeStr); err != nil {
			return alarmChildren{}, err
		}
		if slot.Date, slot.Time, err = parseSlot(dateStr, timeStr); err != nil {
			return alarmChildren{}, fmt.Errorf("alarm %s time slot: %w", alarmID, err)
		}
		children.times[alarmID] = append(children.times[alarmID], slot)
	}
	return children, rows.Err()
}

func attach(alarm *persistence.Alarm, children alarmChildren) {
	alarm.Instances = children.instances[alarm.ID]
	alarm.Times = children.times[alarm.ID]
}

func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	placeholders := make([]byte, 0, len(ids)*2)
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}
	return string(placeholders), args
}

func parseSlot(dateStr, timeStr string) (time.Time, time.Time, error) {
	date, err := time.Parse(dateLayout, dateStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to parse date: %w", err)
	}
	clock, err := time.Parse(timeLayout, timeStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to parse time: %w", err)
	}
	return date, clock, nil
}
