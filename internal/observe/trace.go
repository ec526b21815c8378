package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/starlight"

// Span names. Every call is one trace: a root span covering the call's
// lifetime with connect, tool and disconnect spans below it.
const (
	SpanCall       = "call"
	SpanConnect    = "call.connect"
	SpanDisconnect = "call.disconnect"
	SpanTool       = "call.tool"
)

// Span attribute keys.
const (
	AttrCallID    = attribute.Key("starlight.call.id")
	AttrSessionID = attribute.Key("starlight.session.id")
	AttrProvider  = attribute.Key("starlight.upstream")
	AttrOutcome   = attribute.Key("starlight.outcome")
	AttrTool      = attribute.Key("starlight.tool.name")
	AttrRequestID = attribute.Key("starlight.tool.request_id")
	AttrFlushed   = attribute.Key("starlight.sends.flushed")
	AttrDropped   = attribute.Key("starlight.sends.dropped")
)

// Tracer returns the Starlight tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span below whatever span ctx carries. The caller must
// end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan records outcome on span, marks it failed when err is non-nil and
// ends it.
func EndSpan(span trace.Span, outcome string, err error) {
	if outcome != "" {
		span.SetAttributes(AttrOutcome.String(outcome))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// The HTTP middleware echoes it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns base with the trace_id and span_id of the span in ctx, so
// every line a call logs can be matched to its trace. base is returned
// unchanged when ctx has no span; a nil base means [slog.Default].
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
