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

// OTelEmitter turns bus events into OpenTelemetry spans.
//
// Each event becomes an instant span:
//   - Name: event.Msg (e.g. "step completed", "run completed")
//   - Attributes: tag, jid, step, and the event data fields
//   - Status: error if the data carries an "error" entry
//
// Usage:
//
//	tracer := otel.Tracer("orchestrate-go")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and immediately ends a span for the event. Events mark points
// in time; step durations travel as a duration attribute, not span length.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	o.addStandardAttributes(span, event)
	o.addDataAttributes(span, event.Data)

	if errMsg, ok := event.Data["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// Flush forces export of pending spans; call before shutdown. A provider
// without ForceFlush (e.g. the noop provider) is a no-op.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addStandardAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("orch.tag", event.Tag),
		attribute.String("orch.jid", event.JID),
		attribute.String("orch.step", event.Step),
	)
}

// addDataAttributes converts payload entries to span attributes, namespaced
// under "orch.". Scalar types convert directly; everything else falls back
// to its string form.
func (o *OTelEmitter) addDataAttributes(span trace.Span, data map[string]any) {
	for key, value := range data {
		attrKey := "orch." + key
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
