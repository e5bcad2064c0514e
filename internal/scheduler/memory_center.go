package scheduler

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryCenter is an in-process notification center. Pending requests fire
// when DeliverDue is called with a time at or after their trigger.
type MemoryCenter struct {
	mu        sync.Mutex
	pending   map[string]Request
	delivered []Delivered
	failures  map[string]error
	listeners []func(Delivered)
}

// NewMemoryCenter constructs an empty MemoryCenter.
func NewMemoryCenter() *MemoryCenter {
	return &MemoryCenter{
		pending:  make(map[string]Request),
		failures: make(map[string]error),
	}
}

// Fail makes every later Add of identifier return err. A nil err clears it.
func (c *MemoryCenter) Fail(identifier string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, identifier)
		return
	}
	c.failures[identifier] = err
}

// OnDeliver registers fn to be called for every delivered notification.
func (c *MemoryCenter) OnDeliver(fn func(Delivered)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Add registers req, replacing any pending request with the same identifier.
func (c *MemoryCenter) Add(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.failures[req.Identifier]; ok {
		return err
	}
	c.pending[req.Identifier] = cloneRequest(req)
	return nil
}

// Pending returns pending requests ordered by trigger time.
func (c *MemoryCenter) Pending(ctx context.Context) ([]Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, 0, len(c.pending))
	for _, req := range c.pending {
		out = append(out, cloneRequest(req))
	}
	sortRequests(out)
	return out, nil
}

// Delivered returns delivered notifications in delivery order.
func (c *MemoryCenter) Delivered(ctx context.Context) ([]Delivered, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Delivered, len(c.delivered))
	for i, d := range c.delivered {
		out[i] = Delivered{Request: cloneRequest(d.Request), DeliveredAt: d.DeliveredAt}
	}
	return out, nil
}

// RemovePending drops pending requests. Unknown identifiers are ignored.
func (c *MemoryCenter) RemovePending(ctx context.Context, identifiers ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range identifiers {
		delete(c.pending, id)
	}
	return nil
}

// RemoveDelivered drops delivered notifications. Unknown identifiers are ignored.
func (c *MemoryCenter) RemoveDelivered(ctx context.Context, identifiers ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	drop := make(map[string]struct{}, len(identifiers))
	for _, id := range identifiers {
		drop[id] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.delivered[:0]
	for _, d := range c.delivered {
		if _, ok := drop[d.Request.Identifier]; ok {
			continue
		}
		kept = append(kept, d)
	}
	c.delivered = kept
	return nil
}

// DeliverDue moves every pending request triggering at or before now to the
// delivered list and returns them in delivery order.
func (c *MemoryCenter) DeliverDue(now time.Time) []Delivered {
	c.mu.Lock()
	var due []Request
	for id, req := range c.pending {
		if req.TriggerAt.After(now) {
			continue
		}
		due = append(due, req)
		delete(c.pending, id)
	}
	sortRequests(due)

	fired := make([]Delivered, 0, len(due))
	for _, req := range due {
		d := Delivered{Request: req, DeliveredAt: now}
		c.delivered = append(c.delivered, d)
		fired = append(fired, d)
	}
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	for _, d := range fired {
		for _, fn := range listeners {
			fn(d)
		}
	}
	return fired
}

func sortRequests(reqs []Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].TriggerAt.Equal(reqs[j].TriggerAt) {
			return reqs[i].TriggerAt.Before(reqs[j].TriggerAt)
		}
		return reqs[i].Identifier < reqs[j].Identifier
	})
}
