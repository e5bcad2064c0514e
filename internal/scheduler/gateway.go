package scheduler

import (
	"context"
	"time"
)

// Request is one time-triggered local notification.
type Request struct {
	Identifier string
	Title      string
	Body       string
	Sound      string
	Category   string
	TriggerAt  time.Time
	Payload    map[string]string
}

// Delivered is a notification the notification center has already shown.
type Delivered struct {
	Request     Request
	DeliveredAt time.Time
}

// Gateway is the notification center the scheduler registers requests with.
// Implementations must return delivered notifications in delivery order.
type Gateway interface {
	Add(ctx context.Context, req Request) error
	Pending(ctx context.Context) ([]Request, error)
	Delivered(ctx context.Context) ([]Delivered, error)
	RemovePending(ctx context.Context, identifiers ...string) error
	RemoveDelivered(ctx context.Context, identifiers ...string) error
}

// Category names exposed to the notification center.
const (
	CategoryAlarm          = "ALARM"
	CategorySnoozableAlarm = "ALARM_SNOOZABLE"
)

func cloneRequest(req Request) Request {
	out := req
	if req.Payload != nil {
		out.Payload = make(map[string]string, len(req.Payload))
		for k, v := range req.Payload {
			out.Payload[k] = v
		}
	}
	return out
}
