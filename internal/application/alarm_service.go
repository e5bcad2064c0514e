package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/alarm-clock/internal/alarm"
	"github.com/example/alarm-clock/internal/ical"
	"github.com/example/alarm-clock/internal/metrics"
	"github.com/example/alarm-clock/internal/persistence"
	"github.com/example/alarm-clock/internal/recurrence"
	"github.com/example/alarm-clock/internal/scheduler"
)

const alarmServiceName = "AlarmService"

const (
	DefaultSnoozeDuration    = 5 * time.Minute
	DefaultSuppressionWindow = 10 * time.Second
)

// Timer is the handle of a deferred callback.
type Timer interface {
	Stop() bool
}

// AlarmServiceOptions configures an AlarmService. Zero values fall back to
// the package defaults.
type AlarmServiceOptions struct {
	Location          *time.Location
	SnoozeDuration    time.Duration
	SuppressionWindow time.Duration
	IDGenerator       func() string
	Now               func() time.Time
	AfterFunc         func(d time.Duration, f func()) Timer
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

// AlarmService owns the alarm list and the active alarm. Every method is
// serialized behind one mutex.
type AlarmService struct {
	mu sync.Mutex

	repo     AlarmRepository
	notifier NotificationScheduler
	sound    SoundPlayer
	engine   *recurrence.Engine

	idGenerator func() string
	now         func() time.Time
	afterFunc   func(time.Duration, func()) Timer
	snooze      time.Duration
	window      time.Duration
	logger      *slog.Logger
	metrics     *metrics.Recorder

	alarms     []alarm.Alarm
	active     *ActiveAlarm
	suppressed bool
	resume     Timer
	resumeGen  uint64
	dirty      map[string]struct{}
	deleted    map[string]struct{}
	listeners  []func(State)
}

// NewAlarmService wires dependencies for alarm operations. sound may be nil.
func NewAlarmService(repo AlarmRepository, notifier NotificationScheduler, sound SoundPlayer, opts AlarmServiceOptions) *AlarmService {
	s := &AlarmService{
		repo:        repo,
		notifier:    notifier,
		sound:       sound,
		engine:      recurrence.NewEngine(opts.Location),
		idGenerator: opts.IDGenerator,
		now:         opts.Now,
		afterFunc:   opts.AfterFunc,
		snooze:      opts.SnoozeDuration,
		window:      opts.SuppressionWindow,
		logger:      defaultLogger(opts.Logger),
		metrics:     opts.Metrics,
		dirty:       make(map[string]struct{}),
		deleted:     make(map[string]struct{}),
	}
	if s.sound == nil {
		s.sound = silentPlayer{}
	}
	if s.idGenerator == nil {
		s.idGenerator = uuid.NewString
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.afterFunc == nil {
		s.afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if s.snooze <= 0 {
		s.snooze = DefaultSnoozeDuration
	}
	if s.window <= 0 {
		s.window = DefaultSuppressionWindow
	}
	return s
}

type silentPlayer struct{}

func (silentPlayer) Play(context.Context, alarm.Alarm) error { return nil }
func (silentPlayer) Stop()                                   {}

// WithStateListener registers fn to receive a snapshot after every operation.
func (s *AlarmService) WithStateListener(fn func(State)) *AlarmService {
	if fn == nil {
		return s
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
	return s
}

// publish must be called without holding mu.
func (s *AlarmService) publish() {
	s.mu.Lock()
	if len(s.listeners) == 0 {
		s.mu.Unlock()
		return
	}
	state := s.stateLocked()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

// Load replaces the in-memory list with the stored alarms and brings the
// pending notifications in line with them. Delivered notifications are kept
// so an alarm that fired while the process was down can still be activated.
func (s *AlarmService) Load(ctx context.Context) error {
	defer s.publish()
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := serviceLogger(ctx, s.logger, alarmServiceName, "Load")
	stored, err := s.repo.ListAlarms(ctx)
	if err != nil {
		logger.Error("failed to load alarms", "error", err, "error_kind", ErrorKind(err))
		return fmt.Errorf("load alarms: %w", err)
	}

	now := s.now()
	s.alarms = make([]alarm.Alarm, 0, len(stored))
	for _, model := range stored {
		a := model.Clone()
		alarmLogger := logger.With("alarm_id", a.ID)
		if a.Status && s.rollForward(&a, now, alarmLogger) {
			a.UpdatedAt = now
			s.persistLocked(ctx, alarmLogger, a)
		}
		s.alarms = append(s.alarms, a)
		logReport(alarmLogger, "cancel", s.notifier.Cancel(ctx, scheduler.Filter{AlarmID: a.ID, PendingOnly: true}))
		if a.Status {
			logReport(alarmLogger, "schedule", s.notifier.Schedule(ctx, a))
		}
	}
	logger.Info("alarms loaded", "count", len(s.alarms))
	return nil
}

// rollForward moves repeating instances whose trigger is not after now to
// their next occurrence. It reports whether any instance moved.
func (s *AlarmService) rollForward(a *alarm.Alarm, now time.Time, logger *slog.Logger) bool {
	moved := false
	loc := s.engine.Location()
	for _, inst := range a.Instances {
		trigger := inst.Trigger(loc)
		if !inst.Repeats() || trigger.After(now) {
			continue
		}
		next, err := s.engine.Next(trigger, inst.RepeatInterval, now)
		if err != nil {
			logger.Error("failed to compute next occurrence", "instance_id", inst.ID, "error", err)
			continue
		}
		inst.Date = next
		inst.Time = next
		a.ReplaceInstance(inst)
		logger.Info("missed occurrence moved forward", "instance_id", inst.ID, "missed", trigger, "next", next)
		moved = true
	}
	return moved
}

// Alarms returns a copy of the alarm list in creation order.
func (s *AlarmService) Alarms() []alarm.Alarm {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAlarms(s.alarms)
}

// Alarm returns one alarm by id.
func (s *AlarmService) Alarm(id string) (alarm.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return alarm.Alarm{}, ErrNotFound
	}
	return s.alarms[idx].Clone(), nil
}

// Active returns the alarm currently prompting the user.
func (s *AlarmService) Active() (ActiveAlarm, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ActiveAlarm{}, false
	}
	return *s.active.clone(), true
}

// State returns a snapshot of the alarm list and the active alarm.
func (s *AlarmService) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *AlarmService) stateLocked() State {
	return State{
		Alarms:     cloneAlarms(s.alarms),
		Active:     s.active.clone(),
		Suppressed: s.suppressed,
	}
}

// CreateAlarm assigns a fresh id, persists the alarm and schedules every
// future occurrence.
func (s *AlarmService) CreateAlarm(ctx context.Context, in AlarmInput) (alarm.Alarm, error) {
	defer s.publish()
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := serviceLogger(ctx, s.logger, alarmServiceName, "CreateAlarm")
	created, err := s.createLocked(ctx, logger, in)
	s.metrics.UserAction("create", err)
	return created, err
}

func (s *AlarmService) createLocked(ctx context.Context, logger *slog.Logger, in AlarmInput) (alarm.Alarm, error) {
	a, vErr := s.alarmFromInput(in)
	if vErr.HasErrors() {
		logger.Warn("alarm validation failed", "error_kind", "validation", "fields", vErr.FieldErrors)
		return alarm.Alarm{}, vErr
	}

	now := s.now()
	a.ID = s.idGenerator()
	a.CreatedAt = now
	a.UpdatedAt = now
	s.alarms = append(s.alarms, a)

	logger = logger.With("alarm_id", a.ID)
	s.persistLocked(ctx, logger, a)
	logReport(logger, "cancel", s.notifier.Cancel(ctx, scheduler.Filter{AlarmID: a.ID}))
	if a.Status {
		logReport(logger, "schedule", s.notifier.Schedule(ctx, a))
	}
	logger.Info("alarm created", "instances", len(a.Instances), "times", len(a.Times))
	return a.Clone(), nil
}

// UpdateAlarm replaces the stored alarm with a, then cancels and reschedules
// its notifications even when nothing changed.
func (s *AlarmService) UpdateAlarm(ctx context.Context, a alarm.Alarm) (alarm.Alarm, error) {
	defer s.publish()
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := serviceLogger(ctx, s.logger, alarmServiceName, "UpdateAlarm", "alarm_id", a.ID)
	idx := s.indexLocked(a.ID)
	if idx < 0 {
		s.metrics.UserAction("update", ErrNotFound)
		return alarm.Alarm{}, ErrNotFound
	}

	updated := a.Clone()
	updated.Name = strings.TrimSpace(updated.Name)
	if vErr := validateAlarm(updated); vErr.HasErrors() {
		logger.Warn("alarm validation failed", "error_kind", "validation", "fields", vErr.FieldErrors)
		s.metrics.UserAction("update", vErr)
		return alarm.Alarm{}, vErr
	}
	updated.CreatedAt = s.alarms[idx].CreatedAt

	result := s.commitLocked(ctx, logger, idx, updated)
	logger.Info("alarm updated")
	s.metrics.UserAction("update", nil)
	return result, nil
}

// EditAlarm applies the non-nil fields of patch and reschedules the alarm.
func (s *AlarmService) EditAlarm(ctx context.Context, id string, patch AlarmPatch) (alarm.Alarm, error) {
	defer s.publish()
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := serviceLogger(ctx, s.logger, alarmServiceName, "EditAlarm", "alarm_id", id)
	idx := s.indexLocked(id)
	if idx < 0 {
		s.metrics.UserAction("edit", ErrNotFound)
		return alarm.Alarm{}, ErrNotFound
	}

	edited, vErr := s.applyPatch(s.alarms[idx].Clone(), patch)
	vErr.merge(validateAlarm(edited))
	if vErr.HasErrors() {
		logger.Warn("alarm validation failed", "error_kind", "validation", "fields", vErr.FieldErrors)
		s.metrics.UserAction("edit", vErr)
		return alarm.Alarm{}, vErr
	}

	result := s.commitLocked(ctx, logger, idx, edited)
	logger.Info("alarm edited")
	s.metrics.UserAction("edit", nil)
	return result, nil
}

// DeleteAlarm cancels every notification of the alarm and removes it.
func (s *AlarmService) DeleteAlarm(ctx context.Context, id string) error {
	defer s.publish()
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := serviceLogger(ctx, s.logger, alarmServiceName, "DeleteAlarm", "alarm_id", id)
	idx := s.indexLocked(id)
	if idx < 0 {
		s.metrics.UserAction("delete", ErrNotFound)
		return ErrNotFound
	}

	logReport(logger, "cancel", s.notifier.Cancel(ctx, scheduler.Filter{AlarmID: id}))
	s.alarms = append(s.alarms[:idx], s.alarms[idx+1:]...)
	if s.active != nil && s.active.Alarm.ID == id {
		s.active = nil
		s.sound.Stop()
	}

	delete(s.dirty, id)
	err := s.repo.DeleteAlarm(ctx, id)
	s.metrics.PersistenceWrite(err)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		logger.Error("failed to delete stored alarm, will retry", "error", err, "error_kind", ErrorKind(err))
		s.deleted[id] = struct{}{}
	}

	logger.Info("alarm deleted")
	s.metrics.UserAction("delete", nil)
	return nil
}

// ToggleStatus flips the enabled flag. Enabling reschedules; disabling only
// cancels and keeps the instances.
func (s *AlarmService) ToggleStatus(ctx context.Context, id string) (alarm.Alarm, error) {
	defer s.publish()
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := serviceLogger(ctx, s.logger, alarmServiceName, "ToggleStatus", "alarm_id", id)
	idx := s.indexLocked(id)
	if idx < 0 {
		s.metrics.UserAction("toggle", ErrNotFound)
		return alarm.Alarm{}, ErrNotFound
	}

	toggled := s.alarms[idx].Clone()
	toggled.Status = !toggled.Status
	result := s.commitLocked(ctx, logger, idx, toggled)
	logger.Info("alarm status toggled", "status", result.Status)
	s.metrics.UserAction("toggle", nil)
	return result, nil
}

// AddInstance appends an occurrence to the alarm. Legacy times of a simple
// alarm are promoted to instances first.
func (s *AlarmService) AddInstance(ctx context.Context, alarmID string, in InstanceInput) (alarm.Instance, error) {
	defer s.publish()
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := serviceLogger(ctx, s.logger, alarmServiceName, "AddInstance", "alarm_id", alarmID)
	idx := s.indexLocked(alarmID)
	if idx < 0 {
		s.metrics.UserAction("add_instance", ErrNotFound)
		return alarm.Instance{}, ErrNotFound
	}

	vErr := &ValidationError{}
	inst := s.newInstance("instance", in, vErr)
	a := s.alarms[idx].Clone()
	if _, exists := a.Instance(inst.ID); exists {
		vErr.add("instance.id", "instance id already exists")
	}
	if vErr.HasErrors() {
		logger.Warn("instance validation failed", "error_kind", "validation", "fields", vErr.FieldErrors)
		s.metrics.UserAction("add_instance", vErr)
		return alarm.Instance{}, vErr
	}

	if !a.IsEvent() {
		a.Instances = s.promoteLegacy(a)
	}
	a.Instances = append(a.Instances, inst)
	s.commitLocked(ctx, logger, idx, a)
	logger.Info("instance added", "instance_id", inst.ID)
	s.metrics.UserAction("add_instance", nil)
	return inst, nil
}

// DeleteInstance removes one occurrence and reschedules the rest of the alarm.
func (s *AlarmService) DeleteInstance(ctx context.Context, alarmID, instanceID string) error {
	defer s.publish()
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := serviceLogger(ctx, s.logger, alarmServiceName, "DeleteInstance", "alarm_id", alarmID, "instance_id", instanceID)
	idx := s.indexLocked(alarmID)
	if idx < 0 {
		s.metrics.UserAction("delete_instance", ErrNotFound)
		return ErrNotFound
	}

	a := s.alarms[idx].Clone()
	if !a.RemoveInstance(instanceID) {
		s.metrics.UserAction("delete_instance", ErrNotFound)
		return ErrNotFound
	}
	if s.activeMatches(alarmID, instanceID) {
		s.active = nil
		s.sound.Stop()
	}
	s.commitLocked(ctx, logger, idx, a)
	logger.Info("instance deleted")
	s.metrics.UserAction("delete_instance", nil)
	return nil
}

// Snooze cancels the notifications of the occurrence and registers a snooze
// set one snooze duration from now. An empty instanceID targets a simple alarm.
func (s *AlarmService) Snooze(ctx context.Context, alarmID, instanceID string) error {
	defer s.publish()
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := serviceLogger(ctx, s.logger, alarmServiceName, "Snooze", "alarm_id", alarmID, "instance_id", instanceID)
	err := s.snoozeLocked(ctx, logger, alarmID, instanceID)
	if err != nil {
		logger.Warn("snooze rejected", "error", err, "error_kind", ErrorKind(err))
	}
	s.metrics.UserAction("snooze", err)
	return err
}

func (s *AlarmService) snoozeLocked(ctx context.Context, logger *slog.Logger, alarmID, instanceID string) error {
	idx := s.indexLocked(alarmID)
	if idx < 0 {
		return ErrNotFound
	}
	a := s.alarms[idx]
	if !a.Snooze {
		return ErrSnoozeNotAllowed
	}

	var inst *alarm.Instance
	if instanceID != "" {
		found, ok := a.Instance(instanceID)
		if !ok {
			return fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
		}
		inst = &found
	}

	logReport(logger, "cancel", s.notifier.Cancel(ctx, occurrenceFilter(alarmID, instanceID)))
	s.cancelStaleLocked(ctx, logger, alarmID, instanceID)
	until := s.now().Add(s.snooze)
	logReport(logger, "schedule_snooze", s.notifier.ScheduleSnooze(ctx, a, inst, until))

	s.releaseLocked(alarmID, instanceID)
	s.suppressLocked()
	logger.Info("alarm snoozed", "until", until)
	return nil
}

// Dismiss cancels the notifications of the occurrence. A repeating instance
// moves to its next occurrence after now; a simple alarm is disabled.
func (s *AlarmService) Dismiss(ctx context.Context, alarmID, instanceID string) error {
	defer s.publish()
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := serviceLogger(ctx, s.logger, alarmServiceName, "Dismiss", "alarm_id", alarmID, "instance_id", instanceID)
	err := s.dismissLocked(ctx, logger, alarmID, instanceID)
	if err != nil {
		logger.Warn("dismiss rejected", "error", err, "error_kind", ErrorKind(err))
	}
	s.metrics.UserAction("dismiss", err)
	return err
}

func (s *AlarmService) dismissLocked(ctx context.Context, logger *slog.Logger, alarmID, instanceID string) error {
	idx := s.indexLocked(alarmID)
	if idx < 0 {
		return ErrNotFound
	}

	logReport(logger, "cancel", s.notifier.Cancel(ctx, occurrenceFilter(alarmID, instanceID)))
	s.cancelStaleLocked(ctx, logger, alarmID, instanceID)

	a := s.alarms[idx].Clone()
	inst, ok := a.Instance(instanceID)
	switch {
	case ok && inst.Repeats():
		now := s.now()
		next, err := s.engine.Next(inst.Trigger(s.engine.Location()), inst.RepeatInterval, now)
		if err != nil {
			logger.Error("failed to compute next occurrence", "error", err)
			break
		}
		inst.Date = next
		inst.Time = next
		a.ReplaceInstance(inst)
		a.UpdatedAt = now
		s.alarms[idx] = a
		s.persistLocked(ctx, logger, a)
		logReport(logger, "schedule", s.notifier.ScheduleInstance(ctx, a, inst.ID))
		logger.Info("instance moved to next occurrence", "next", next)
	case ok:
		logger.Info("one-shot instance fired")
	case instanceID != "":
		logger.Warn("dismissed unknown instance")
	case a.IsEvent():
		logger.Info("event alarm dismissed without an instance")
	default:
		s.markAlarmInactiveLocked(ctx, logger, idx)
	}

	s.releaseLocked(alarmID, instanceID)
	s.suppressLocked()
	logger.Info("alarm dismissed")
	return nil
}

// MarkAlarmAsInactive clears the enabled flag and cancels every notification
// of the alarm.
func (s *AlarmService) MarkAlarmAsInactive(ctx context.Context, alarmID string) error {
	defer s.publish()
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := serviceLogger(ctx, s.logger, alarmServiceName, "MarkAlarmAsInactive", "alarm_id", alarmID)
	idx := s.indexLocked(alarmID)
	if idx < 0 {
		return ErrNotFound
	}
	s.markAlarmInactiveLocked(ctx, logger, idx)
	if s.active != nil && s.active.Alarm.ID == alarmID {
		s.active = nil
		s.sound.Stop()
	}
	return nil
}

func (s *AlarmService) markAlarmInactiveLocked(ctx context.Context, logger *slog.Logger, idx int) {
	a := s.alarms[idx].Clone()
	logReport(logger, "cancel", s.notifier.Cancel(ctx, scheduler.Filter{AlarmID: a.ID}))
	a.Status = false
	a.UpdatedAt = s.now()
	s.alarms[idx] = a
	s.persistLocked(ctx, logger, a)
	logger.Info("alarm marked inactive")
}

// MarkInstanceAsInactive clears the active alarm when it points at the given
// occurrence. The alarm status is left alone.
func (s *AlarmService) MarkInstanceAsInactive(alarmID, instanceID string) {
	defer s.publish()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeMatches(alarmID, instanceID) {
		s.active = nil
		s.sound.Stop()
	}
}

// CheckForActiveAlarms activates the first delivered notification that
// belongs to a known alarm. It does nothing while an alarm is active or checks
// are suppressed. Delivered notifications of unknown alarms are cancelled.
// The returned flag reports whether an alarm was activated by this call.
func (s *AlarmService) CheckForActiveAlarms(ctx context.Context) (ActiveAlarm, bool, error) {
	defer s.publish()
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := serviceLogger(ctx, s.logger, alarmServiceName, "CheckForActiveAlarms")
	if s.active != nil || s.suppressed {
		return ActiveAlarm{}, false, nil
	}

	delivered, err := s.notifier.Delivered(ctx)
	if err != nil {
		logger.Error("failed to list delivered notifications", "error", err)
		return ActiveAlarm{}, false, fmt.Errorf("list delivered notifications: %w", err)
	}

	var (
		activated *ActiveAlarm
		strays    []string
		seen      = make(map[string]struct{})
	)
	for _, d := range delivered {
		p, ok := scheduler.Decode(d.Request)
		if !ok {
			continue
		}
		idx := s.indexLocked(p.AlarmID)
		if idx < 0 {
			if _, dup := seen[p.AlarmID]; !dup {
				seen[p.AlarmID] = struct{}{}
				strays = append(strays, p.AlarmID)
			}
			continue
		}
		if activated == nil {
			activated = s.activation(s.alarms[idx], p, d)
		}
	}

	for _, id := range strays {
		logger.Warn("cancelling notifications of unknown alarm", "alarm_id", id)
		logReport(logger.With("alarm_id", id), "cancel", s.notifier.Cancel(ctx, scheduler.Filter{AlarmID: id}))
	}

	if activated == nil {
		return ActiveAlarm{}, false, nil
	}

	s.active = activated
	attrs := []any{"alarm_id", activated.Alarm.ID, "purpose", activated.Purpose, "notification_id", activated.NotificationID}
	if activated.Instance != nil {
		attrs = append(attrs, "instance_id", activated.Instance.ID)
	}
	logger.Info("alarm activated", attrs...)
	s.metrics.AlarmActivated(string(activated.Purpose))

	if err := s.sound.Play(ctx, activated.Alarm); err != nil {
		logger.Error("failed to start ringtone", "error", err)
	}
	return *activated.clone(), true, nil
}

func (s *AlarmService) activation(a alarm.Alarm, p scheduler.Payload, d scheduler.Delivered) *ActiveAlarm {
	inst := resolveInstance(a, p, d.Request.Identifier)
	triggerAt := p.ScheduledTime
	if triggerAt.IsZero() {
		triggerAt = d.DeliveredAt
	}
	var stale string
	if p.InstanceID != "" && (inst == nil || inst.ID != p.InstanceID) {
		stale = p.InstanceID
	}
	return &ActiveAlarm{
		staleInstanceID: stale,
		Alarm:           a.Clone(),
		Instance:        inst,
		Description:     a.DescriptionFor(inst),
		TriggerAt:       triggerAt,
		NotificationID:  d.Request.Identifier,
		Purpose:         p.Purpose(),
	}
}

// resolveInstance prefers the payload instance id, then the one embedded in
// the identifier. Nil means the notification fires as a simple alarm.
func resolveInstance(a alarm.Alarm, p scheduler.Payload, identifier string) *alarm.Instance {
	if inst, ok := a.Instance(p.InstanceID); ok {
		return &inst
	}
	if parsed, ok := scheduler.ParseIdentifier(identifier); ok && parsed.AlarmID == a.ID {
		if inst, ok := a.Instance(parsed.InstanceID); ok {
			return &inst
		}
	}
	return nil
}

// SuppressChecks pauses CheckForActiveAlarms until ResumeChecks is called.
func (s *AlarmService) SuppressChecks() {
	defer s.publish()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopResumeLocked()
	s.suppressed = true
}

// ResumeChecks re-enables CheckForActiveAlarms.
func (s *AlarmService) ResumeChecks() {
	defer s.publish()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopResumeLocked()
	s.suppressed = false
}

// suppressLocked opens a new suppression window. A timer callback only ends
// the window it was created for.
func (s *AlarmService) suppressLocked() {
	s.stopResumeLocked()
	s.suppressed = true
	gen := s.resumeGen
	s.resume = s.afterFunc(s.window, func() { s.endWindow(gen) })
}

func (s *AlarmService) endWindow(gen uint64) {
	defer s.publish()
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.resumeGen {
		return
	}
	s.resume = nil
	s.suppressed = false
}

func (s *AlarmService) stopResumeLocked() {
	s.resumeGen++
	if s.resume != nil {
		s.resume.Stop()
		s.resume = nil
	}
}

// FlushPending retries the store writes that failed earlier.
func (s *AlarmService) FlushPending(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.dirty) == 0 && len(s.deleted) == 0 {
		return nil
	}
	logger := serviceLogger(ctx, s.logger, alarmServiceName, "FlushPending")

	var errs []error
	for _, id := range sortedKeys(s.deleted) {
		err := s.repo.DeleteAlarm(ctx, id)
		s.metrics.PersistenceWrite(err)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
			continue
		}
		delete(s.deleted, id)
	}
	for _, id := range sortedKeys(s.dirty) {
		idx := s.indexLocked(id)
		if idx < 0 {
			delete(s.dirty, id)
			continue
		}
		err := s.repo.UpsertAlarm(ctx, s.alarms[idx])
		s.metrics.PersistenceWrite(err)
		if err != nil {
			errs = append(errs, fmt.Errorf("upsert %s: %w", id, err))
			continue
		}
		delete(s.dirty, id)
	}

	if err := errors.Join(errs...); err != nil {
		logger.Warn("pending writes still failing", "remaining", len(s.dirty)+len(s.deleted), "error", err)
		return err
	}
	logger.Info("pending writes flushed")
	return nil
}

// ImportCalendar creates one event alarm per calendar event read from r.
func (s *AlarmService) ImportCalendar(ctx context.Context, r io.Reader, defaults AlarmInput) ([]alarm.Alarm, error) {
	defer s.publish()
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := serviceLogger(ctx, s.logger, alarmServiceName, "ImportCalendar")
	events, err := ical.Import(r, s.engine.Location())
	if err != nil {
		logger.Warn("calendar rejected", "error", err)
		s.metrics.UserAction("import", err)
		return nil, &ValidationError{FieldErrors: map[string]string{"calendar": err.Error()}}
	}

	created := make([]alarm.Alarm, 0, len(events))
	for _, ev := range events {
		in := defaults
		in.Name = ev.Summary
		in.Description = ev.Description
		in.Triggers = nil
		in.Instances = make([]InstanceInput, 0, len(ev.Occurrences))
		for _, occ := range ev.Occurrences {
			in.Instances = append(in.Instances, InstanceInput{
				Date:           occ.Start,
				Time:           occ.Start,
				RepeatInterval: string(occ.Interval),
			})
		}
		a, err := s.createLocked(ctx, logger.With("uid", ev.UID), in)
		if err != nil {
			logger.Warn("skipping calendar event", "uid", ev.UID, "error", err)
			continue
		}
		created = append(created, a)
	}
	logger.Info("calendar imported", "events", len(events), "created", len(created))
	s.metrics.UserAction("import", nil)
	return created, nil
}

// commitLocked cancels the notifications of the alarm, stores the new
// version and schedules it again when enabled.
func (s *AlarmService) commitLocked(ctx context.Context, logger *slog.Logger, idx int, a alarm.Alarm) alarm.Alarm {
	logReport(logger, "cancel", s.notifier.Cancel(ctx, scheduler.Filter{AlarmID: a.ID}))

	a.SyncLegacy()
	a.UpdatedAt = s.now()
	s.alarms[idx] = a
	if s.active != nil && s.active.Alarm.ID == a.ID {
		s.active.Alarm = a.Clone()
	}
	s.persistLocked(ctx, logger, a)

	if a.Status {
		logReport(logger, "schedule", s.notifier.Schedule(ctx, a))
	}
	return a.Clone()
}

func (s *AlarmService) persistLocked(ctx context.Context, logger *slog.Logger, a alarm.Alarm) {
	err := s.repo.UpsertAlarm(ctx, a)
	s.metrics.PersistenceWrite(err)
	if err != nil {
		logger.Error("failed to persist alarm, keeping in-memory copy", "error", err, "error_kind", ErrorKind(err))
		s.dirty[a.ID] = struct{}{}
		return
	}
	delete(s.dirty, a.ID)
}

// releaseLocked clears the active alarm when it is the given occurrence and
// stops the ringtone unless another alarm is prompting.
func (s *AlarmService) releaseLocked(alarmID, instanceID string) {
	switch {
	case s.active == nil:
	case s.activeMatches(alarmID, instanceID), s.active.Alarm.ID == alarmID && instanceID == "":
		s.active = nil
	default:
		return
	}
	s.sound.Stop()
}

// cancelStaleLocked removes the notifications of an active alarm that fired
// from an instance id the alarm no longer has.
func (s *AlarmService) cancelStaleLocked(ctx context.Context, logger *slog.Logger, alarmID, instanceID string) {
	if s.active == nil || s.active.Alarm.ID != alarmID {
		return
	}
	stale := s.active.staleInstanceID
	if stale == "" || stale == instanceID {
		return
	}
	logReport(logger.With("stale_instance_id", stale), "cancel", s.notifier.Cancel(ctx, scheduler.Filter{AlarmID: alarmID, InstanceID: stale}))
}

func (s *AlarmService) activeMatches(alarmID, instanceID string) bool {
	if s.active == nil || s.active.Alarm.ID != alarmID {
		return false
	}
	if s.active.Instance == nil {
		return instanceID == ""
	}
	return s.active.Instance.ID == instanceID
}

func (s *AlarmService) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.alarms {
		if s.alarms[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *AlarmService) alarmFromInput(in AlarmInput) (alarm.Alarm, *ValidationError) {
	vErr := &ValidationError{}
	a := alarm.Alarm{
		Name:              strings.TrimSpace(in.Name),
		Description:       strings.TrimSpace(in.Description),
		Status:            !in.Disabled,
		Ringtone:          strings.TrimSpace(in.Ringtone),
		IsCustomRingtone:  in.IsCustomRingtone,
		CustomRingtoneURL: strings.TrimSpace(in.CustomRingtoneURL),
		Snooze:            in.Snooze,
		BackupAfter:       in.BackupAfter,
	}

	switch {
	case len(in.Instances) > 0 && len(in.Triggers) > 0:
		vErr.add("triggers", "provide either instances or times, not both")
	case len(in.Instances) > 0:
		a.Instances = s.newInstances(in.Instances, vErr)
		a.SyncLegacy()
	case len(in.Triggers) > 0:
		loc := s.engine.Location()
		for _, t := range in.Triggers {
			a.Times = append(a.Times, t.In(loc))
			a.Dates = append(a.Dates, t.In(loc))
		}
	default:
		vErr.add("instances", "at least one instance or time is required")
	}

	vErr.merge(validateAlarm(a))
	return a, vErr
}

func (s *AlarmService) applyPatch(a alarm.Alarm, patch AlarmPatch) (alarm.Alarm, *ValidationError) {
	vErr := &ValidationError{}
	if patch.Name != nil {
		a.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		a.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Ringtone != nil {
		a.Ringtone = strings.TrimSpace(*patch.Ringtone)
	}
	if patch.IsCustomRingtone != nil {
		a.IsCustomRingtone = *patch.IsCustomRingtone
	}
	if patch.CustomRingtoneURL != nil {
		a.CustomRingtoneURL = strings.TrimSpace(*patch.CustomRingtoneURL)
	}
	if patch.Snooze != nil {
		a.Snooze = *patch.Snooze
	}
	if patch.BackupAfter != nil {
		a.BackupAfter = *patch.BackupAfter
	}
	if patch.Status != nil {
		a.Status = *patch.Status
	}
	if patch.Instances != nil {
		a.Instances = s.newInstances(*patch.Instances, vErr)
		if len(a.Instances) == 0 {
			vErr.add("instances", "at least one instance or time is required")
		}
	}
	return a, vErr
}

func (s *AlarmService) newInstances(inputs []InstanceInput, vErr *ValidationError) []alarm.Instance {
	instances := make([]alarm.Instance, 0, len(inputs))
	for i, in := range inputs {
		instances = append(instances, s.newInstance(fmt.Sprintf("instances[%d]", i), in, vErr))
	}
	return instances
}

func (s *AlarmService) newInstance(field string, in InstanceInput, vErr *ValidationError) alarm.Instance {
	if in.Date.IsZero() {
		vErr.add(field+".date", "date is required")
	}
	interval, err := recurrence.ParseInterval(in.RepeatInterval)
	if err != nil {
		vErr.add(field+".repeat_interval", "must be one of none, minutely, hourly, daily, weekly")
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = s.idGenerator()
	}
	return alarm.Instance{
		ID:             id,
		Date:           in.Date,
		Time:           in.Time,
		Description:    strings.TrimSpace(in.Description),
		RepeatInterval: interval,
	}
}

// promoteLegacy turns the legacy times of a simple alarm into one-shot instances.
func (s *AlarmService) promoteLegacy(a alarm.Alarm) []alarm.Instance {
	n := min(len(a.Times), len(a.Dates))
	instances := make([]alarm.Instance, 0, n+1)
	for i := 0; i < n; i++ {
		instances = append(instances, alarm.Instance{
			ID:             s.idGenerator(),
			Date:           a.Dates[i],
			Time:           a.Times[i],
			RepeatInterval: recurrence.IntervalNone,
		})
	}
	return instances
}

func validateAlarm(a alarm.Alarm) *ValidationError {
	vErr := &ValidationError{}
	if len(a.Name) > 200 {
		vErr.add("name", "must be at most 200 characters")
	}
	if a.IsCustomRingtone && a.CustomRingtoneURL == "" {
		vErr.add("custom_ringtone_url", "required when a custom ringtone is selected")
	}
	if a.BackupAfter < 0 {
		vErr.add("backup_after", "must not be negative")
	}

	seen := make(map[string]struct{}, len(a.Instances))
	for i, inst := range a.Instances {
		field := fmt.Sprintf("instances[%d]", i)
		if inst.ID == "" {
			vErr.add(field+".id", "id is required")
		} else if _, dup := seen[inst.ID]; dup {
			vErr.add(field+".id", "duplicate instance id")
		}
		seen[inst.ID] = struct{}{}
		if inst.Date.IsZero() {
			vErr.add(field+".date", "date is required")
		}
		if _, err := recurrence.ParseInterval(string(inst.RepeatInterval)); err != nil {
			vErr.add(field+".repeat_interval", "must be one of none, minutely, hourly, daily, weekly")
		}
	}
	return vErr
}

// occurrenceFilter scopes a cancel to one instance, or to the notifications
// without an instance when instanceID is empty.
func occurrenceFilter(alarmID, instanceID string) scheduler.Filter {
	return scheduler.Filter{AlarmID: alarmID, InstanceID: instanceID, OnlyCurrentAlarm: instanceID == ""}
}

func logReport(logger *slog.Logger, step string, report scheduler.Report) {
	if err := report.Err(); err != nil {
		logger.Warn("notification batch incomplete", "step", step, "failures", len(report.Failures), "error", err)
		return
	}
	logger.Debug("notification batch done", "step", step, "scheduled", len(report.Scheduled), "skipped", report.Skipped, "cancelled", report.Cancelled)
}

func cloneAlarms(in []alarm.Alarm) []alarm.Alarm {
	out := make([]alarm.Alarm, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
