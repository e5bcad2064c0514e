package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/alarm-clock/internal/alarm"
	"github.com/example/alarm-clock/internal/logging"
	"github.com/example/alarm-clock/internal/metrics"
)

const (
	DefaultFollowUpCount      = 3
	DefaultFollowUpSpacing    = time.Minute
	DefaultSnoozeBackupOffset = 15 * time.Second

	defaultTitle = "Alarm"
)

// Options configures a Scheduler. Zero values fall back to the defaults above.
type Options struct {
	FollowUpCount      int
	FollowUpSpacing    time.Duration
	BackupOffset       time.Duration
	SnoozeBackupOffset time.Duration
	Location           *time.Location
	Now                func() time.Time
	Logger             *slog.Logger
	Metrics            *metrics.Recorder
}

// Scheduler translates alarms into notification requests and removes them again.
type Scheduler struct {
	gateway Gateway

	followUps          int
	followUpSpacing    time.Duration
	backupOffset       time.Duration
	snoozeBackupOffset time.Duration
	location           *time.Location
	now                func() time.Time
	logger             *slog.Logger
	metrics            *metrics.Recorder
}

// New constructs a Scheduler backed by gateway.
func New(gateway Gateway, opts Options) *Scheduler {
	s := &Scheduler{
		gateway:            gateway,
		followUps:          opts.FollowUpCount,
		followUpSpacing:    opts.FollowUpSpacing,
		backupOffset:       opts.BackupOffset,
		snoozeBackupOffset: opts.SnoozeBackupOffset,
		location:           opts.Location,
		now:                opts.Now,
		logger:             opts.Logger,
		metrics:            opts.Metrics,
	}
	if s.followUps <= 0 {
		s.followUps = DefaultFollowUpCount
	}
	if s.followUpSpacing <= 0 {
		s.followUpSpacing = DefaultFollowUpSpacing
	}
	if s.backupOffset <= 0 {
		s.backupOffset = alarm.DefaultBackupAfter
	}
	if s.snoozeBackupOffset <= 0 {
		s.snoozeBackupOffset = DefaultSnoozeBackupOffset
	}
	if s.location == nil {
		s.location = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Location returns the zone triggers are combined in.
func (s *Scheduler) Location() *time.Location {
	return s.location
}

// Failure records one request the notification center did not accept.
type Failure struct {
	Identifier string
	Err        error
}

// Report summarizes a scheduling or cancellation batch.
type Report struct {
	Scheduled []string
	Skipped   int
	Cancelled int
	Failures  []Failure
}

// Err joins every recorded failure, or returns nil.
func (r Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		if f.Identifier == "" {
			errs = append(errs, f.Err)
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", f.Identifier, f.Err))
	}
	return errors.Join(errs...)
}

func (r *Report) merge(other Report) {
	r.Scheduled = append(r.Scheduled, other.Scheduled...)
	r.Skipped += other.Skipped
	r.Cancelled += other.Cancelled
	r.Failures = append(r.Failures, other.Failures...)
}

func (s *Scheduler) opLogger(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	logger := logging.FromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	pairs := []any{"component", "scheduler", "operation", operation}
	return logger.With(append(pairs, attrs...)...)
}

// Schedule registers the primary, follow-up and backup notifications of every
// upcoming occurrence of a. Triggers in the past are skipped. A disabled alarm
// schedules nothing.
func (s *Scheduler) Schedule(ctx context.Context, a alarm.Alarm) Report {
	logger := s.opLogger(ctx, "schedule", "alarm_id", a.ID)

	var report Report
	if !a.Status {
		logger.Debug("alarm disabled, nothing scheduled")
		return report
	}

	now := s.now()
	if a.IsEvent() {
		for idx := range a.Instances {
			inst := a.Instances[idx]
			trigger := inst.Trigger(s.location)
			if trigger.Before(now) {
				logger.Info("skipping past instance", "instance_id", inst.ID, "trigger", trigger)
				report.Skipped++
				continue
			}
			report.merge(s.addSet(ctx, logger, a, &inst, idx, trigger, false))
		}
	} else {
		for idx, trigger := range a.LegacyTriggers(s.location) {
			if trigger.Before(now) {
				logger.Info("skipping past trigger", "index", idx, "trigger", trigger)
				report.Skipped++
				continue
			}
			report.merge(s.addSet(ctx, logger, a, nil, idx, trigger, false))
		}
	}

	if len(report.Failures) > 0 {
		logger.Warn("some notifications were not scheduled", "failures", len(report.Failures), "error", report.Err())
	}
	return report
}

// ScheduleInstance registers the notification set of one instance of a. It
// is used after an instance moved to its next occurrence.
func (s *Scheduler) ScheduleInstance(ctx context.Context, a alarm.Alarm, instanceID string) Report {
	logger := s.opLogger(ctx, "schedule_instance", "alarm_id", a.ID, "instance_id", instanceID)

	var report Report
	if !a.Status {
		logger.Debug("alarm disabled, nothing scheduled")
		return report
	}
	for idx := range a.Instances {
		inst := a.Instances[idx]
		if inst.ID != instanceID {
			continue
		}
		trigger := inst.Trigger(s.location)
		if trigger.Before(s.now()) {
			logger.Info("skipping past instance", "trigger", trigger)
			report.Skipped++
			return report
		}
		report = s.addSet(ctx, logger, a, &inst, idx, trigger, false)
		break
	}
	if len(report.Failures) > 0 {
		logger.Warn("some notifications were not scheduled", "failures", len(report.Failures), "error", report.Err())
	}
	return report
}

// ScheduleSnooze registers the snooze set for the occurrence identified by
// inst (nil for a simple alarm), with the primary reminder at at.
func (s *Scheduler) ScheduleSnooze(ctx context.Context, a alarm.Alarm, inst *alarm.Instance, at time.Time) Report {
	attrs := []any{"alarm_id", a.ID}
	index := 0
	if inst != nil {
		attrs = append(attrs, "instance_id", inst.ID)
		for i := range a.Instances {
			if a.Instances[i].ID == inst.ID {
				index = i
				break
			}
		}
	}
	logger := s.opLogger(ctx, "schedule_snooze", attrs...)

	report := s.addSet(ctx, logger, a, inst, index, at, true)
	if len(report.Failures) > 0 {
		logger.Warn("some snooze notifications were not scheduled", "failures", len(report.Failures), "error", report.Err())
	}
	return report
}

func (s *Scheduler) addSet(ctx context.Context, logger *slog.Logger, a alarm.Alarm, inst *alarm.Instance, index int, trigger time.Time, snooze bool) Report {
	base := Payload{
		AlarmID:       a.ID,
		Index:         index,
		ScheduledTime: trigger,
		IsSnooze:      snooze,
	}
	if inst != nil {
		base.InstanceID = inst.ID
	}

	payloads := make([]Payload, 0, s.followUps+2)
	payloads = append(payloads, base)
	for n := 1; n <= s.followUps; n++ {
		p := base
		p.IsFollowUp = true
		p.FollowUp = n
		p.ScheduledTime = trigger.Add(time.Duration(n) * s.followUpSpacing)
		payloads = append(payloads, p)
	}
	backup := base
	backup.IsBackup = true
	if snooze {
		backup.ScheduledTime = trigger.Add(s.snoozeBackupOffset)
	} else {
		backup.ScheduledTime = trigger.Add(a.BackupOffset(s.backupOffset))
	}
	payloads = append(payloads, backup)

	var report Report
	for _, p := range payloads {
		req := s.request(a, inst, p)
		purpose := string(p.Purpose())
		if err := s.gateway.Add(ctx, req); err != nil {
			logger.Error("failed to add notification", "identifier", req.Identifier, "error", err)
			s.metrics.ScheduleFailed(purpose)
			report.Failures = append(report.Failures, Failure{Identifier: req.Identifier, Err: err})
			continue
		}
		s.metrics.NotificationScheduled(purpose)
		report.Scheduled = append(report.Scheduled, req.Identifier)
	}
	logger.Debug("notification set registered", "trigger", trigger, "snooze", snooze, "count", len(report.Scheduled))
	return report
}

func (s *Scheduler) request(a alarm.Alarm, inst *alarm.Instance, p Payload) Request {
	title := strings.TrimSpace(a.Name)
	if title == "" {
		title = defaultTitle
	}
	category := CategoryAlarm
	if a.Snooze {
		category = CategorySnoozableAlarm
	}
	return Request{
		Identifier: p.Identifier(),
		Title:      title,
		Body:       a.DescriptionFor(inst),
		Sound:      Sound(a),
		Category:   category,
		TriggerAt:  p.ScheduledTime,
		Payload:    p.Map(),
	}
}

// Sound returns the ringtone reference attached to every notification of a.
func Sound(a alarm.Alarm) string {
	if a.IsCustomRingtone && a.CustomRingtoneURL != "" {
		return a.CustomRingtoneURL
	}
	return a.Ringtone
}

// Filter selects notifications to cancel.
type Filter struct {
	AlarmID    string
	InstanceID string
	// OnlyCurrentAlarm restricts an empty InstanceID to notifications that
	// carry no instance at all.
	OnlyCurrentAlarm bool
	// PendingOnly leaves delivered notifications in place.
	PendingOnly bool
}

// Matches reports whether req belongs to the filter. The structured payload is
// authoritative; the identifier is consulted only when the payload has no alarm id.
func (f Filter) Matches(req Request) bool {
	if f.AlarmID == "" {
		return false
	}
	if p, ok := Decode(req); ok {
		return f.match(p.AlarmID, p.InstanceID)
	}

	id := req.Identifier
	if !strings.HasPrefix(id, identifierPrefix+f.AlarmID+"_") {
		return false
	}
	switch {
	case f.InstanceID != "":
		return strings.Contains(id, identifierInstance+f.InstanceID+"_")
	case f.OnlyCurrentAlarm:
		return !strings.Contains(id, identifierInstance)
	default:
		return true
	}
}

func (f Filter) match(alarmID, instanceID string) bool {
	if alarmID != f.AlarmID {
		return false
	}
	switch {
	case f.InstanceID != "":
		return instanceID == f.InstanceID
	case f.OnlyCurrentAlarm:
		return instanceID == ""
	default:
		return true
	}
}

// Decode extracts the payload of req, falling back to the identifier when the
// payload carries no alarm id.
func Decode(req Request) (Payload, bool) {
	if p, ok := PayloadFromMap(req.Payload); ok {
		return p, true
	}
	parsed, ok := ParseIdentifier(req.Identifier)
	if !ok {
		return Payload{}, false
	}
	p := Payload{AlarmID: parsed.AlarmID, InstanceID: parsed.InstanceID}
	switch parsed.Purpose {
	case PurposeFollowUp:
		p.IsFollowUp = true
	case PurposeBackup:
		p.IsBackup = true
	case PurposeSnooze:
		p.IsSnooze = true
	case PurposeSnoozeFollowUp:
		p.IsSnooze, p.IsFollowUp = true, true
	case PurposeSnoozeBackup:
		p.IsSnooze, p.IsBackup = true, true
	}
	return p, true
}

// Cancel removes every pending and delivered notification matching f.
func (s *Scheduler) Cancel(ctx context.Context, f Filter) Report {
	logger := s.opLogger(ctx, "cancel", "alarm_id", f.AlarmID, "instance_id", f.InstanceID)

	var report Report
	if f.AlarmID == "" {
		return report
	}

	pending, err := s.gateway.Pending(ctx)
	if err != nil {
		logger.Error("failed to list pending notifications", "error", err)
		report.Failures = append(report.Failures, Failure{Err: fmt.Errorf("list pending: %w", err)})
	} else {
		var ids []string
		for _, req := range pending {
			if f.Matches(req) {
				ids = append(ids, req.Identifier)
			}
		}
		if len(ids) > 0 {
			if err := s.gateway.RemovePending(ctx, ids...); err != nil {
				logger.Error("failed to remove pending notifications", "error", err)
				report.Failures = append(report.Failures, Failure{Err: fmt.Errorf("remove pending: %w", err)})
			} else {
				report.Cancelled += len(ids)
				s.metrics.NotificationsCancelled("pending", len(ids))
			}
		}
	}

	if f.PendingOnly {
		logger.Debug("notifications cancelled", "count", report.Cancelled)
		return report
	}

	delivered, err := s.gateway.Delivered(ctx)
	if err != nil {
		logger.Error("failed to list delivered notifications", "error", err)
		report.Failures = append(report.Failures, Failure{Err: fmt.Errorf("list delivered: %w", err)})
	} else {
		var ids []string
		for _, d := range delivered {
			if f.Matches(d.Request) {
				ids = append(ids, d.Request.Identifier)
			}
		}
		if len(ids) > 0 {
			if err := s.gateway.RemoveDelivered(ctx, ids...); err != nil {
				logger.Error("failed to remove delivered notifications", "error", err)
				report.Failures = append(report.Failures, Failure{Err: fmt.Errorf("remove delivered: %w", err)})
			} else {
				report.Cancelled += len(ids)
				s.metrics.NotificationsCancelled("delivered", len(ids))
			}
		}
	}

	logger.Debug("notifications cancelled", "count", report.Cancelled)
	return report
}

// Delivered lists delivered notifications in delivery order.
func (s *Scheduler) Delivered(ctx context.Context) ([]Delivered, error) {
	return s.gateway.Delivered(ctx)
}

// Pending lists registered notifications that have not fired yet.
func (s *Scheduler) Pending(ctx context.Context) ([]Request, error) {
	return s.gateway.Pending(ctx)
}
