package loom

import (
	"context"
	"sync"
	"time"
)

// Authorizer decides whether an actor may mutate a UOW. A nil Authorizer
// allows everything.
type Authorizer func(ctx context.Context, actorID, uowID string) bool

// Desk is the default GuardContext: an authorization hook plus a rendezvous
// point where WaitForPilot blocks until a pilot answers or the timeout
// expires. Expiry counts as rejection.
type Desk struct {
	// Auth is consulted before every mutating store operation.
	Auth Authorizer

	mu      sync.Mutex
	waiting map[string]chan PilotDecision
}

// NewDesk creates a Desk that authorizes every actor.
func NewDesk() *Desk {
	return &Desk{waiting: make(map[string]chan PilotDecision)}
}

// IsAuthorized implements GuardContext.
func (d *Desk) IsAuthorized(ctx context.Context, actorID, uowID string) bool {
	if d.Auth == nil {
		return true
	}
	return d.Auth(ctx, actorID, uowID)
}

// WaitForPilot implements GuardContext: it parks the request under the UOW
// id and blocks until Decide answers, the timeout expires, or the context
// is cancelled.
func (d *Desk) WaitForPilot(ctx context.Context, uowID, reason string, timeout time.Duration) PilotDecision {
	ch := make(chan PilotDecision, 1)
	d.mu.Lock()
	if d.waiting == nil {
		d.waiting = make(map[string]chan PilotDecision)
	}
	d.waiting[uowID] = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.waiting, uowID)
		d.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case dec := <-ch:
		return dec
	case <-timer.C:
		return PilotDecision{Approved: false, Reason: "pilot approval timed out: " + reason}
	case <-ctx.Done():
		return PilotDecision{Approved: false, Reason: ctx.Err().Error()}
	}
}

// Decide answers a pending WaitForPilot request. Returns false when no
// request is waiting on the UOW.
func (d *Desk) Decide(uowID string, dec PilotDecision) bool {
	d.mu.Lock()
	ch, ok := d.waiting[uowID]
	if ok {
		delete(d.waiting, uowID)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	ch <- dec
	return true
}

// Pending lists the UOW ids currently blocked on pilot approval.
func (d *Desk) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.waiting))
	for id := range d.waiting {
		out = append(out, id)
	}
	return out
}
