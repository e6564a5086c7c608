package emit

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each broadcast event becomes a span:
//   - Name: the event type (e.g. "uow_checked_out", "pilot_waiver_granted")
//   - Attributes: flattened payload fields
//   - Status: error when the payload carries an "error" entry
//
// Spans are created and ended immediately: broadcast events are points in
// time, not durations. Configure a batch span processor on the tracer
// provider for efficient export.
//
// Usage:
//
//	tracer := otel.Tracer("loom")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter using the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and immediately ends a span for the event.
func (o *OTelEmitter) Emit(eventType string, payload map[string]any) {
	_, span := o.tracer.Start(context.Background(), eventType)
	defer span.End()

	span.SetAttributes(attribute.String("loom.event_type", eventType))
	for key, value := range payload {
		span.SetAttributes(payloadAttribute("loom.payload."+key, value))
	}

	if errMsg, ok := payload["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// payloadAttribute converts an arbitrary payload value to a span attribute.
// Compound values are JSON-encoded.
func payloadAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return attribute.String(key, fmt.Sprintf("%v", v))
		}
		return attribute.String(key, string(data))
	}
}
