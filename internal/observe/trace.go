package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the rehearsal tracer.
const tracerName = "github.com/MrWong99/rehearsal"

// Span attribute keys.
const (
	AttrLinkID       = attribute.Key("rehearsal.link.id")
	AttrReportAction = attribute.Key("rehearsal.report.action")
	AttrEvaluator    = attribute.Key("rehearsal.report.evaluator")
)

// Tracer returns the rehearsal [trace.Tracer] from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartLinkSpan starts the span covering one relay link. It lives as long as
// the client connection.
func StartLinkSpan(ctx context.Context, linkID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "relay.link",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(AttrLinkID.String(linkID)),
	)
}

// EndSpan marks span as failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "". It is also
// sent as the X-Correlation-ID response header.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id of the span in
// ctx, or the plain default logger when there is none.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
