package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter mirrors run events as OpenTelemetry spans.
//
// Each event becomes a short span named after the event type, carrying
// run/node/step coordinates and the payload as attributes. Failure
// events (run_failed, step_failed) set span error status.
//
// Usage:
//
//	tracer := otel.Tracer("procflow-go")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and immediately ends a span for the event. Events are
// points in time, not durations; the batch span processor handles
// export.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), string(event.Type))
	defer span.End()

	span.SetAttributes(
		attribute.String("procflow.run_id", event.RunID),
		attribute.Int64("procflow.seq", event.Seq),
	)
	if event.NodeID != "" {
		span.SetAttributes(attribute.String("procflow.node_id", event.NodeID))
	}
	if event.StepID != "" {
		span.SetAttributes(attribute.String("procflow.step_id", event.StepID))
	}
	if event.Attempt > 0 {
		span.SetAttributes(attribute.Int("procflow.attempt", event.Attempt))
	}

	o.addPayloadAttributes(span, event.Payload)

	if event.Type == RunFailed || event.Type == StepFailed {
		msg, _ := event.Payload["error"].(string)
		span.SetStatus(codes.Error, msg)
		if msg != "" {
			span.RecordError(fmt.Errorf("%s", msg))
		}
	}
}

// Flush forces export of pending spans; call before shutdown.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addPayloadAttributes(span trace.Span, payload map[string]any) {
	for key, value := range payload {
		attrKey := "procflow." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
