package emit

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultBufferCapacity bounds the telemetry buffer when no capacity is
// given.
const DefaultBufferCapacity = 4096

// Buffer is the in-memory bounded telemetry queue.
//
// Record is non-blocking: under backpressure (buffer full) the entry is
// dropped, Record returns false and a drop counter advances. Flush drains up
// to a batch of entries into a Sink; entries that fail to write are
// re-queued at the front so a transient sink error loses nothing.
//
// Safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	dropped  atomic.Uint64
}

// NewBuffer creates a telemetry buffer holding at most capacity entries.
// A capacity <= 0 uses DefaultBufferCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{capacity: capacity}
}

// Record appends an entry. Returns false and drops the entry when the
// buffer is full.
func (b *Buffer) Record(e Entry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) >= b.capacity {
		b.dropped.Add(1)
		return false
	}
	b.entries = append(b.entries, e)
	return true
}

// Flush drains up to batch entries into the sink. Returns the number of
// entries written. On sink error the drained entries are put back and the
// error is returned.
func (b *Buffer) Flush(ctx context.Context, sink Sink, batch int) (int, error) {
	if batch <= 0 {
		batch = b.capacity
	}

	b.mu.Lock()
	n := len(b.entries)
	if n == 0 {
		b.mu.Unlock()
		return 0, nil
	}
	if n > batch {
		n = batch
	}
	drained := make([]Entry, n)
	copy(drained, b.entries[:n])
	b.entries = b.entries[n:]
	b.mu.Unlock()

	if err := sink.WriteLogEntries(ctx, drained); err != nil {
		b.mu.Lock()
		b.entries = append(drained, b.entries...)
		if over := len(b.entries) - b.capacity; over > 0 {
			b.entries = b.entries[:b.capacity]
			b.dropped.Add(uint64(over))
		}
		b.mu.Unlock()
		return 0, err
	}
	return n, nil
}

// Len reports the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped reports how many entries were lost to backpressure.
func (b *Buffer) Dropped() uint64 {
	return b.dropped.Load()
}
