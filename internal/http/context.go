package http

import (
	"context"
	"log/slog"

	"github.com/example/alarm-clock/internal/logging"
)

type contextKey string

const (
	alarmIDContextKey    contextKey = "alarm_id"
	instanceIDContextKey contextKey = "instance_id"
)

// ContextWithLogger returns a derived context carrying the request logger.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return logging.ContextWithLogger(ctx, logger)
}

// LoggerFromContext extracts the request logger if one was attached.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx)
}

// ContextWithAlarmID injects the alarm identifier resolved from the request path.
func ContextWithAlarmID(ctx context.Context, alarmID string) context.Context {
	return context.WithValue(ctx, alarmIDContextKey, alarmID)
}

// AlarmIDFromContext extracts an alarm identifier previously associated with the context.
func AlarmIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(alarmIDContextKey).(string)
	return id, ok
}

// ContextWithInstanceID injects the instance identifier resolved from the request path.
func ContextWithInstanceID(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, instanceIDContextKey, instanceID)
}

// InstanceIDFromContext extracts an instance identifier previously associated with the context.
func InstanceIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(instanceIDContextKey).(string)
	return id, ok
}
