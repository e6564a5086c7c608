package emit

import (
	"sync"
	"time"
)

// Emitter broadcasts engine events to an external backend.
//
// The contract is append-only and one-way: implementations may persist to a
// JSON-lines file, publish to a stream, create trace spans, or fan out to
// subscribers. Implementations should be:
//   - Non-blocking: never slow down the request path
//   - Thread-safe: Emit may be called concurrently
//   - Resilient: failures are logged or dropped, never propagated
//
// Emit must not panic.
type Emitter interface {
	Emit(eventType string, payload map[string]any)
}

// NullEmitter discards every event. Useful when broadcasting is disabled.
type NullEmitter struct{}

// NewNullEmitter creates an emitter that drops all events.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards the event.
func (*NullEmitter) Emit(string, map[string]any) {}

// MultiEmitter fans every event out to a list of emitters in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that forwards to each of the given
// emitters. Nil entries are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	out := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return &MultiEmitter{emitters: out}
}

// Emit forwards the event to every configured emitter.
func (m *MultiEmitter) Emit(eventType string, payload map[string]any) {
	for _, e := range m.emitters {
		e.Emit(eventType, payload)
	}
}

// CollectEmitter stores emitted events in memory for inspection. Intended
// for tests and debugging.
type CollectEmitter struct {
	mu     sync.RWMutex
	events []Event
}

// NewCollectEmitter creates an in-memory collecting emitter.
func NewCollectEmitter() *CollectEmitter { return &CollectEmitter{} }

// Emit records the event.
func (c *CollectEmitter) Emit(eventType string, payload map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Payload:   payload,
	})
}

// Events returns a copy of everything emitted so far.
func (c *CollectEmitter) Events() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// ByType returns the recorded events with the given type.
func (c *CollectEmitter) ByType(eventType string) []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Event
	for _, e := range c.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops all recorded events.
func (c *CollectEmitter) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
