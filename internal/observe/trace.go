package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every telebridge span.
const TracerName = "github.com/MrWong99/telebridge"

// Span names and attribute keys shared by the HTTP layer and the bridge.
const (
	SpanCall      = "bridge.call"
	EventBargeIn  = "barge-in"
	AttrCallID    = "telebridge.call_id"
	AttrStreamID  = "telebridge.stream_id"
	AttrSessionID = "telebridge.session_id"
)

// Tracer returns a tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// TracerFrom returns a tracer from tp, or from the global provider when tp is
// nil.
func TracerFrom(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		return Tracer()
	}
	return tp.Tracer(TracerName)
}

// StartSpan starts a span on the global tracer. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CallAttributes labels a call span.
func CallAttributes(sessionID, callID, streamID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrCallID, callID),
		attribute.String(AttrStreamID, streamID),
	}
}

// CorrelationID is the trace id of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
