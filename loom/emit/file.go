package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FileEmitter implements Emitter by appending JSON lines to a writer.
//
// Each event becomes one JSON object per line with the shape
// {"timestamp": <ISO-8601>, "event_type": <string>, "payload": <object>}.
//
// Usage:
//
//	f, _ := os.OpenFile("events.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
//	defer f.Close()
//	emitter := emit.NewFileEmitter(f)
type FileEmitter struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewFileEmitter creates a FileEmitter writing to the given writer.
// A nil writer defaults to os.Stdout.
func NewFileEmitter(writer io.Writer) *FileEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &FileEmitter{writer: writer}
}

// Emit writes the event as one JSON line. Marshal or write failures are
// swallowed after a best-effort error line: broadcast must never fail the
// data plane.
func (f *FileEmitter) Emit(eventType string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		fmt.Fprintf(f.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(f.writer, "%s\n", data)
}
