package sqlite

import (
	"context"
	"sort"
	"sync"

	"github.com/example/alarm-clock/internal/persistence"
)

// Storage provides an in-memory implementation of persistence.AlarmRepository
// with the same semantics as AlarmRepository. It backs tests and the
// ":memory:" store option.
type Storage struct {
	mu       sync.RWMutex
	alarms   map[string]persistence.Alarm
	writeErr error
	writes   int
}

// NewStorage returns an empty Storage.
func NewStorage() *Storage {
	return &Storage{alarms: make(map[string]persistence.Alarm)}
}

// FailWrites makes every later write return err until called with nil.
func (s *Storage) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// Writes reports how many writes succeeded.
func (s *Storage) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// UpsertAlarm stores a copy of alarm, replacing any previous version.
func (s *Storage) UpsertAlarm(ctx context.Context, alarm persistence.Alarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return s.writeErr
	}
	if alarm.ID == "" {
		return persistence.ErrConstraintViolation
	}
	if existing, ok := s.alarms[alarm.ID]; ok && alarm.CreatedAt.IsZero() {
		alarm.CreatedAt = existing.CreatedAt
	}
	s.alarms[alarm.ID] = cloneAlarm(alarm)
	s.writes++
	return nil
}

// ListAlarms returns all alarms ordered by CreatedAt ascending, then ID.
func (s *Storage) ListAlarms(ctx context.Context) ([]persistence.Alarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alarms := make([]persistence.Alarm, 0, len(s.alarms))
	for _, alarm := range s.alarms {
		alarms = append(alarms, cloneAlarm(alarm))
	}
	sort.Slice(alarms, func(i, j int) bool {
		if alarms[i].CreatedAt.Equal(alarms[j].CreatedAt) {
			return alarms[i].ID < alarms[j].ID
		}
		return alarms[i].CreatedAt.Before(alarms[j].CreatedAt)
	})
	return alarms, nil
}

// DeleteAlarm removes an alarm by ID.
func (s *Storage) DeleteAlarm(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return s.writeErr
	}
	if _, ok := s.alarms[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.alarms, id)
	s.writes++
	return nil
}

func cloneAlarm(alarm persistence.Alarm) persistence.Alarm {
	clone := alarm
	if alarm.Instances != nil {
		clone.Instances = append([]persistence.Instance(nil), alarm.Instances...)
	}
	if alarm.Times != nil {
		clone.Times = append([]persistence.TimeSlot(nil), alarm.Times...)
	}
	return clone
}

var (
	_ persistence.AlarmRepository = (*Storage)(nil)
	_ persistence.AlarmRepository = (*AlarmRepository)(nil)
)
