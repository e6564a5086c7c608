// Package emit provides event broadcast and telemetry buffering for the
// Loom engine.
package emit

import (
	"context"
	"time"
)

// Event is one broadcast record. The default file emitter writes events as
// JSON lines with exactly this shape.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
}

// LogType categorizes an interaction-log entry.
type LogType string

const (
	LogInteraction      LogType = "INTERACTION"
	LogTelemetry        LogType = "TELEMETRY"
	LogError            LogType = "ERROR"
	LogGuardianDecision LogType = "GUARDIAN_DECISION"
	LogStateTransition  LogType = "STATE_TRANSITION"
)

// Entry is one telemetry record buffered in memory and later drained into
// the interaction-log table. Shadow-error captures from guard evaluation use
// LogError entries carrying the failing expression and variable snapshot in
// Detail.
type Entry struct {
	InstanceID    string         `json:"instance_id,omitempty"`
	UOWID         string         `json:"uow_id,omitempty"`
	RoleID        string         `json:"role_id,omitempty"`
	InteractionID string         `json:"interaction_id,omitempty"`
	Type          LogType        `json:"type"`
	Message       string         `json:"message"`
	Detail        map[string]any `json:"detail,omitempty"`
	At            time.Time      `json:"at"`
}

// Sink receives drained telemetry entries in batches. The engine's store
// implements Sink by bulk-inserting into the interaction-log table.
type Sink interface {
	WriteLogEntries(ctx context.Context, entries []Entry) error
}
