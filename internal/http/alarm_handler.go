package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/alarm-clock/internal/alarm"
	"github.com/example/alarm-clock/internal/application"
	"github.com/example/alarm-clock/internal/recurrence"
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

// maxCalendarBytes bounds the body of POST /alarms/import.
const maxCalendarBytes = 1 << 20

type alarmService interface {
	Alarms() []alarm.Alarm
	Alarm(id string) (alarm.Alarm, error)
	CreateAlarm(ctx context.Context, in application.AlarmInput) (alarm.Alarm, error)
	UpdateAlarm(ctx context.Context, a alarm.Alarm) (alarm.Alarm, error)
	EditAlarm(ctx context.Context, id string, patch application.AlarmPatch) (alarm.Alarm, error)
	DeleteAlarm(ctx context.Context, id string) error
	ToggleStatus(ctx context.Context, id string) (alarm.Alarm, error)
	AddInstance(ctx context.Context, alarmID string, in application.InstanceInput) (alarm.Instance, error)
	DeleteInstance(ctx context.Context, alarmID, instanceID string) error
	ImportCalendar(ctx context.Context, r io.Reader, defaults application.AlarmInput) ([]alarm.Alarm, error)
}

type AlarmHandler struct {
	service   alarmService
	location  *time.Location
	now       func() time.Time
	responder responder
	logger    *slog.Logger
}

// NewAlarmHandler builds the alarm CRUD handler. Dates and wall-clock times in
// payloads are interpreted in loc.
func NewAlarmHandler(service alarmService, loc *time.Location, logger *slog.Logger) *AlarmHandler {
	base := defaultLogger(logger)
	if loc == nil {
		loc = time.Local
	}
	return &AlarmHandler{service: service, location: loc, now: time.Now, responder: newResponder(base), logger: base}
}

func (h *AlarmHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "AlarmHandler", operation, attrs...)
}

func (h *AlarmHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	alarms := h.service.Alarms()
	h.log(r.Context(), "List", "result_count", len(alarms)).InfoContext(r.Context(), "alarms listed")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, listAlarmsResponse{Alarms: h.toAlarmDTOs(alarms)})
}

func (h *AlarmHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	alarmID, ok := h.alarmID(w, r, "Get")
	if !ok {
		return
	}
	a, err := h.service.Alarm(alarmID)
	if err != nil {
		h.log(r.Context(), "Get").WarnContext(r.Context(), "alarm lookup failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, alarmResponse{Alarm: h.toAlarmDTO(a)})
}

func (h *AlarmHandler) Create(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var req alarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log(r.Context(), "Create", "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode alarm request", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "Create")
	in, vErr := req.toInput(h.location)
	if vErr.HasErrors() {
		logger.WarnContext(r.Context(), "alarm request rejected", "error_kind", "validation")
		h.responder.handleServiceError(r.Context(), w, vErr)
		return
	}

	a, err := h.service.CreateAlarm(r.Context(), in)
	if err != nil {
		logger.ErrorContext(r.Context(), "alarm creation failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("alarm_id", a.ID).InfoContext(r.Context(), "alarm created")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, alarmResponse{Alarm: h.toAlarmDTO(a)})
}

// Replace handles PUT: the body describes the whole alarm and instance ids
// must be supplied.
func (h *AlarmHandler) Replace(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	alarmID, ok := h.alarmID(w, r, "Replace")
	if !ok {
		return
	}

	var req alarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log(r.Context(), "Replace", "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode alarm replacement", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "Replace")
	replacement, vErr := req.toAlarm(alarmID, h.location)
	if vErr.HasErrors() {
		logger.WarnContext(r.Context(), "alarm replacement rejected", "error_kind", "validation")
		h.responder.handleServiceError(r.Context(), w, vErr)
		return
	}

	a, err := h.service.UpdateAlarm(r.Context(), replacement)
	if err != nil {
		logger.ErrorContext(r.Context(), "alarm update failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "alarm replaced")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, alarmResponse{Alarm: h.toAlarmDTO(a)})
}

func (h *AlarmHandler) Patch(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	alarmID, ok := h.alarmID(w, r, "Patch")
	if !ok {
		return
	}

	var req alarmPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log(r.Context(), "Patch", "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode alarm patch", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "Patch")
	patch, vErr := req.toPatch(h.location)
	if vErr.HasErrors() {
		logger.WarnContext(r.Context(), "alarm patch rejected", "error_kind", "validation")
		h.responder.handleServiceError(r.Context(), w, vErr)
		return
	}

	a, err := h.service.EditAlarm(r.Context(), alarmID, patch)
	if err != nil {
		logger.ErrorContext(r.Context(), "alarm edit failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "alarm edited")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, alarmResponse{Alarm: h.toAlarmDTO(a)})
}

func (h *AlarmHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	alarmID, ok := h.alarmID(w, r, "Delete")
	if !ok {
		return
	}

	logger := h.log(r.Context(), "Delete")
	if err := h.service.DeleteAlarm(r.Context(), alarmID); err != nil {
		logger.ErrorContext(r.Context(), "alarm delete failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "alarm deleted")
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

func (h *AlarmHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	alarmID, ok := h.alarmID(w, r, "Toggle")
	if !ok {
		return
	}

	logger := h.log(r.Context(), "Toggle")
	a, err := h.service.ToggleStatus(r.Context(), alarmID)
	if err != nil {
		logger.ErrorContext(r.Context(), "alarm toggle failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "alarm toggled", "status", a.Status)
	h.responder.writeJSON(r.Context(), w, http.StatusOK, alarmResponse{Alarm: h.toAlarmDTO(a)})
}

func (h *AlarmHandler) AddInstance(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	alarmID, ok := h.alarmID(w, r, "AddInstance")
	if !ok {
		return
	}

	var req instanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log(r.Context(), "AddInstance", "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode instance request", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "AddInstance")
	vErr := &application.ValidationError{}
	in := req.toInput("instance", h.location, vErr)
	if vErr.HasErrors() {
		logger.WarnContext(r.Context(), "instance request rejected", "error_kind", "validation")
		h.responder.handleServiceError(r.Context(), w, vErr)
		return
	}

	inst, err := h.service.AddInstance(r.Context(), alarmID, in)
	if err != nil {
		logger.ErrorContext(r.Context(), "instance creation failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("instance_id", inst.ID).InfoContext(r.Context(), "instance added")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, instanceResponse{Instance: toInstanceDTO(inst, h.location)})
}

func (h *AlarmHandler) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	alarmID, ok := h.alarmID(w, r, "DeleteInstance")
	if !ok {
		return
	}
	instanceID, ok := InstanceIDFromContext(r.Context())
	if !ok || strings.TrimSpace(instanceID) == "" {
		h.log(r.Context(), "DeleteInstance", "error_kind", "bad_request").ErrorContext(r.Context(), "missing instance id for delete")
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidInstance)
		return
	}

	logger := h.log(r.Context(), "DeleteInstance", "instance_id", instanceID)
	if err := h.service.DeleteInstance(r.Context(), alarmID, instanceID); err != nil {
		logger.ErrorContext(r.Context(), "instance delete failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "instance deleted")
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

// Import reads a text/calendar body. The ringtone, snooze and disabled query
// parameters apply to every created alarm.
func (h *AlarmHandler) Import(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	logger := h.log(r.Context(), "Import")
	query := r.URL.Query()
	defaults := application.AlarmInput{Ringtone: strings.TrimSpace(query.Get("ringtone"))}
	for key, target := range map[string]*bool{"snooze": &defaults.Snooze, "disabled": &defaults.Disabled} {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			logger.WarnContext(r.Context(), "invalid import option", "option", key, "error_kind", "bad_request")
			h.responder.writeError(r.Context(), w, http.StatusBadRequest, fmt.Errorf("%s must be true or false", key))
			return
		}
		*target = v
	}

	created, err := h.service.ImportCalendar(r.Context(), io.LimitReader(r.Body, maxCalendarBytes), defaults)
	if err != nil {
		logger.ErrorContext(r.Context(), "calendar import failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("result_count", len(created)).InfoContext(r.Context(), "calendar imported")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, listAlarmsResponse{Alarms: h.toAlarmDTOs(created)})
}

func (h *AlarmHandler) alarmID(w http.ResponseWriter, r *http.Request, operation string) (string, bool) {
	alarmID, ok := AlarmIDFromContext(r.Context())
	if !ok || strings.TrimSpace(alarmID) == "" {
		h.log(r.Context(), operation, "error_kind", "bad_request").ErrorContext(r.Context(), "missing alarm id")
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidAlarmID)
		return "", false
	}
	return alarmID, true
}

type instanceRequest struct {
	ID             string `json:"id"`
	Date           string `json:"date"`
	Time           string `json:"time"`
	Description    string `json:"description"`
	RepeatInterval string `json:"repeat_interval"`
}

func (r instanceRequest) toInput(field string, loc *time.Location, vErr *application.ValidationError) application.InstanceInput {
	in := application.InstanceInput{
		ID:             strings.TrimSpace(r.ID),
		Description:    r.Description,
		RepeatInterval: strings.TrimSpace(r.RepeatInterval),
	}
	if strings.TrimSpace(r.Date) != "" {
		date, err := time.ParseInLocation(dateLayout, strings.TrimSpace(r.Date), loc)
		if err != nil {
			addFieldError(vErr, field+".date", "must be formatted as YYYY-MM-DD")
		}
		in.Date = date
	}
	clock := strings.TrimSpace(r.Time)
	if clock == "" {
		clock = "00:00"
	}
	t, err := time.ParseInLocation(clockLayout, clock, loc)
	if err != nil {
		addFieldError(vErr, field+".time", "must be formatted as HH:MM")
	}
	in.Time = t
	return in
}

type alarmRequest struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	Instances          []instanceRequest `json:"instances"`
	Times              []string          `json:"times"`
	Ringtone           string            `json:"ringtone"`
	IsCustomRingtone   bool              `json:"is_custom_ringtone"`
	CustomRingtoneURL  string            `json:"custom_ringtone_url"`
	Snooze             bool              `json:"snooze"`
	BackupAfterSeconds int               `json:"backup_after_seconds"`
	Disabled           bool              `json:"disabled"`
}

func (r alarmRequest) toInput(loc *time.Location) (application.AlarmInput, *application.ValidationError) {
	vErr := &application.ValidationError{}
	in := application.AlarmInput{
		Name:              r.Name,
		Description:       r.Description,
		Ringtone:          r.Ringtone,
		IsCustomRingtone:  r.IsCustomRingtone,
		CustomRingtoneURL: r.CustomRingtoneURL,
		Snooze:            r.Snooze,
		BackupAfter:       time.Duration(r.BackupAfterSeconds) * time.Second,
		Disabled:          r.Disabled,
	}
	for i, inst := range r.Instances {
		in.Instances = append(in.Instances, inst.toInput(fmt.Sprintf("instances[%d]", i), loc, vErr))
	}
	in.Triggers = parseTriggers(r.Times, loc, vErr)
	return in, vErr
}

func (r alarmRequest) toAlarm(id string, loc *time.Location) (alarm.Alarm, *application.ValidationError) {
	in, vErr := r.toInput(loc)
	a := alarm.Alarm{
		ID:                id,
		Name:              in.Name,
		Description:       in.Description,
		Status:            !in.Disabled,
		Ringtone:          in.Ringtone,
		IsCustomRingtone:  in.IsCustomRingtone,
		CustomRingtoneURL: in.CustomRingtoneURL,
		Snooze:            in.Snooze,
		BackupAfter:       in.BackupAfter,
	}
	for i, inst := range in.Instances {
		if inst.ID == "" {
			addFieldError(vErr, fmt.Sprintf("instances[%d].id", i), "id is required")
		}
		interval, err := recurrence.ParseInterval(inst.RepeatInterval)
		if err != nil {
			addFieldError(vErr, fmt.Sprintf("instances[%d].repeat_interval", i), "must be one of none, minutely, hourly, daily, weekly")
		}
		a.Instances = append(a.Instances, alarm.Instance{
			ID:             inst.ID,
			Date:           inst.Date,
			Time:           inst.Time,
			Description:    inst.Description,
			RepeatInterval: interval,
		})
	}
	for _, t := range in.Triggers {
		a.Times = append(a.Times, t)
		a.Dates = append(a.Dates, t)
	}
	if len(a.Instances) == 0 && len(a.Times) == 0 {
		addFieldError(vErr, "instances", "at least one instance or time is required")
	}
	return a, vErr
}

type alarmPatchRequest struct {
	Name               *string            `json:"name"`
	Description        *string            `json:"description"`
	Instances          *[]instanceRequest `json:"instances"`
	Ringtone           *string            `json:"ringtone"`
	IsCustomRingtone   *bool              `json:"is_custom_ringtone"`
	CustomRingtoneURL  *string            `json:"custom_ringtone_url"`
	Snooze             *bool              `json:"snooze"`
	BackupAfterSeconds *int               `json:"backup_after_seconds"`
	Status             *bool              `json:"status"`
}

func (r alarmPatchRequest) toPatch(loc *time.Location) (application.AlarmPatch, *application.ValidationError) {
	vErr := &application.ValidationError{}
	patch := application.AlarmPatch{
		Name:              r.Name,
		Description:       r.Description,
		Ringtone:          r.Ringtone,
		IsCustomRingtone:  r.IsCustomRingtone,
		CustomRingtoneURL: r.CustomRingtoneURL,
		Snooze:            r.Snooze,
		Status:            r.Status,
	}
	if r.BackupAfterSeconds != nil {
		backup := time.Duration(*r.BackupAfterSeconds) * time.Second
		patch.BackupAfter = &backup
	}
	if r.Instances != nil {
		instances := make([]application.InstanceInput, 0, len(*r.Instances))
		for i, inst := range *r.Instances {
			instances = append(instances, inst.toInput(fmt.Sprintf("instances[%d]", i), loc, vErr))
		}
		patch.Instances = &instances
	}
	return patch, vErr
}

func parseTriggers(values []string, loc *time.Location, vErr *application.ValidationError) []time.Time {
	var triggers []time.Time
	for i, raw := range values {
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
		if err != nil {
			addFieldError(vErr, fmt.Sprintf("times[%d]", i), "must be an RFC 3339 timestamp")
			continue
		}
		triggers = append(triggers, t.In(loc))
	}
	return triggers
}

func addFieldError(vErr *application.ValidationError, field, message string) {
	if vErr.FieldErrors == nil {
		vErr.FieldErrors = make(map[string]string)
	}
	vErr.FieldErrors[field] = message
}

type alarmResponse struct {
	Alarm alarmDTO `json:"alarm"`
}

type listAlarmsResponse struct {
	Alarms []alarmDTO `json:"alarms"`
}

type instanceResponse struct {
	Instance instanceDTO `json:"instance"`
}

type alarmDTO struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Description        string        `json:"description,omitempty"`
	Status             bool          `json:"status"`
	Ringtone           string        `json:"ringtone,omitempty"`
	IsCustomRingtone   bool          `json:"is_custom_ringtone"`
	CustomRingtoneURL  string        `json:"custom_ringtone_url,omitempty"`
	Snooze             bool          `json:"snooze"`
	BackupAfterSeconds int           `json:"backup_after_seconds"`
	Instances          []instanceDTO `json:"instances,omitempty"`
	Times              []string      `json:"times,omitempty"`
	NextTrigger        string        `json:"next_trigger,omitempty"`
	CreatedAt          string        `json:"created_at"`
	UpdatedAt          string        `json:"updated_at"`
}

type instanceDTO struct {
	ID             string `json:"id"`
	Date           string `json:"date"`
	Time           string `json:"time"`
	Description    string `json:"description,omitempty"`
	RepeatInterval string `json:"repeat_interval"`
	TriggerAt      string `json:"trigger_at"`
}

func (h *AlarmHandler) toAlarmDTO(a alarm.Alarm) alarmDTO {
	dto := alarmDTO{
		ID:                 a.ID,
		Name:               a.Name,
		Description:        a.Description,
		Status:             a.Status,
		Ringtone:           a.Ringtone,
		IsCustomRingtone:   a.IsCustomRingtone,
		CustomRingtoneURL:  a.CustomRingtoneURL,
		Snooze:             a.Snooze,
		BackupAfterSeconds: int(a.BackupAfter / time.Second),
		CreatedAt:          a.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:          a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	for _, inst := range a.Instances {
		dto.Instances = append(dto.Instances, toInstanceDTO(inst, h.location))
	}
	if !a.IsEvent() {
		for _, t := range a.LegacyTriggers(h.location) {
			dto.Times = append(dto.Times, t.Format(time.RFC3339))
		}
	}
	if next, ok := a.NextTrigger(h.now(), h.location); ok {
		dto.NextTrigger = next.Format(time.RFC3339)
	}
	return dto
}

func (h *AlarmHandler) toAlarmDTOs(alarms []alarm.Alarm) []alarmDTO {
	out := make([]alarmDTO, 0, len(alarms))
	for _, a := range alarms {
		out = append(out, h.toAlarmDTO(a))
	}
	return out
}

func toInstanceDTO(inst alarm.Instance, loc *time.Location) instanceDTO {
	trigger := inst.Trigger(loc)
	return instanceDTO{
		ID:             inst.ID,
		Date:           trigger.Format(dateLayout),
		Time:           trigger.Format(clockLayout),
		Description:    inst.Description,
		RepeatInterval: string(inst.RepeatInterval),
		TriggerAt:      trigger.Format(time.RFC3339),
	}
}
