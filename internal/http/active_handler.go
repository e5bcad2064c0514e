package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/alarm-clock/internal/application"
)

type activeService interface {
	Active() (application.ActiveAlarm, bool)
	Snooze(ctx context.Context, alarmID, instanceID string) error
	Dismiss(ctx context.Context, alarmID, instanceID string) error
	SuppressChecks()
	ResumeChecks()
}

// foregroundNotifier is implemented by *application.RecoveryProbe.
type foregroundNotifier interface {
	Foreground()
}

// ActiveHandler serves the ringing alarm and the app lifecycle hooks.
type ActiveHandler struct {
	service   activeService
	probe     foregroundNotifier
	alarms    *AlarmHandler
	responder responder
	logger    *slog.Logger
}

// NewActiveHandler builds the handler. probe may be nil, in which case
// foreground requests are accepted and ignored.
func NewActiveHandler(service activeService, probe foregroundNotifier, loc *time.Location, logger *slog.Logger) *ActiveHandler {
	base := defaultLogger(logger)
	return &ActiveHandler{
		service:   service,
		probe:     probe,
		alarms:    NewAlarmHandler(nil, loc, base),
		responder: newResponder(base),
		logger:    base,
	}
}

func (h *ActiveHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "ActiveHandler", operation, attrs...)
}

func (h *ActiveHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	active, ok := h.service.Active()
	if !ok {
		h.responder.handleServiceError(r.Context(), w, application.ErrNoActiveAlarm)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, activeResponse{Active: h.toActiveDTO(active)})
}

func (h *ActiveHandler) Snooze(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "Snooze", func(ctx context.Context, alarmID, instanceID string) error {
		return h.service.Snooze(ctx, alarmID, instanceID)
	})
}

func (h *ActiveHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "Dismiss", func(ctx context.Context, alarmID, instanceID string) error {
		return h.service.Dismiss(ctx, alarmID, instanceID)
	})
}

// act resolves the target occurrence from the body, falling back to the
// active alarm, and runs fn on it.
func (h *ActiveHandler) act(w http.ResponseWriter, r *http.Request, operation string, fn func(ctx context.Context, alarmID, instanceID string) error) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.log(r.Context(), operation, "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode action request", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	alarmID := strings.TrimSpace(req.AlarmID)
	instanceID := strings.TrimSpace(req.InstanceID)
	if alarmID == "" {
		active, ok := h.service.Active()
		if !ok {
			h.log(r.Context(), operation, "error_kind", "no_active_alarm").WarnContext(r.Context(), "no alarm to act on")
			h.responder.handleServiceError(r.Context(), w, application.ErrNoActiveAlarm)
			return
		}
		alarmID = active.Alarm.ID
		if active.Instance != nil {
			instanceID = active.Instance.ID
		}
	}

	logger := h.log(r.Context(), operation, "alarm_id", alarmID, "instance_id", instanceID)
	if err := fn(r.Context(), alarmID, instanceID); err != nil {
		logger.ErrorContext(r.Context(), "alarm action failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "alarm action applied")
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

func (h *ActiveHandler) Foreground(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if h.probe != nil {
		h.probe.Foreground()
	}
	h.log(r.Context(), "Foreground").InfoContext(r.Context(), "foreground probe requested")
	h.responder.writeJSON(r.Context(), w, http.StatusAccepted, lifecycleResponse{Status: "probe_requested"})
}

func (h *ActiveHandler) Suppress(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h.service.SuppressChecks()
	h.log(r.Context(), "Suppress").InfoContext(r.Context(), "active alarm checks suppressed")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, lifecycleResponse{Status: "suppressed"})
}

func (h *ActiveHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h.service.ResumeChecks()
	h.log(r.Context(), "Resume").InfoContext(r.Context(), "active alarm checks resumed")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, lifecycleResponse{Status: "resumed"})
}

type actionRequest struct {
	AlarmID    string `json:"alarm_id"`
	InstanceID string `json:"instance_id"`
}

type lifecycleResponse struct {
	Status string `json:"status"`
}

type activeResponse struct {
	Active activeDTO `json:"active"`
}

type activeDTO struct {
	Alarm          alarmDTO     `json:"alarm"`
	Instance       *instanceDTO `json:"instance,omitempty"`
	Description    string       `json:"description,omitempty"`
	TriggerAt      string       `json:"trigger_at"`
	NotificationID string       `json:"notification_id"`
	Purpose        string       `json:"purpose"`
}

func (h *ActiveHandler) toActiveDTO(active application.ActiveAlarm) activeDTO {
	dto := activeDTO{
		Alarm:          h.alarms.toAlarmDTO(active.Alarm),
		Description:    active.Description,
		TriggerAt:      active.TriggerAt.Format(time.RFC3339),
		NotificationID: active.NotificationID,
		Purpose:        string(active.Purpose),
	}
	if active.Instance != nil {
		inst := toInstanceDTO(*active.Instance, h.alarms.location)
		dto.Instance = &inst
	}
	return dto
}
