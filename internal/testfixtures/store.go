package testfixtures

import (
	"context"
	"sync"

	"github.com/example/alarm-clock/internal/alarm"
	"github.com/example/alarm-clock/internal/persistence"
)

// AlarmStore is an in-memory alarm repository preserving insertion order.
type AlarmStore struct {
	mu       sync.Mutex
	alarms   map[string]alarm.Alarm
	order    []string
	writeErr error
}

// NewAlarmStore returns a store seeded with alarms.
func NewAlarmStore(seed ...alarm.Alarm) *AlarmStore {
	s := &AlarmStore{alarms: make(map[string]alarm.Alarm)}
	for _, a := range seed {
		s.alarms[a.ID] = a.Clone()
		s.order = append(s.order, a.ID)
	}
	return s
}

// FailWrites makes every later write return err until called with nil.
func (s *AlarmStore) FailWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// Get returns the stored copy of an alarm.
func (s *AlarmStore) Get(id string) (alarm.Alarm, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alarms[id]
	return a.Clone(), ok
}

func (s *AlarmStore) ListAlarms(ctx context.Context) ([]alarm.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]alarm.Alarm, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.alarms[id].Clone())
	}
	return out, nil
}

func (s *AlarmStore) UpsertAlarm(ctx context.Context, a alarm.Alarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if _, ok := s.alarms[a.ID]; !ok {
		s.order = append(s.order, a.ID)
	}
	s.alarms[a.ID] = a.Clone()
	return nil
}

func (s *AlarmStore) DeleteAlarm(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if _, ok := s.alarms[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.alarms, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}
