package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope every span in this module is
// recorded under.
const tracerName = "agentrun"

// Tracer returns the package-scoped OpenTelemetry tracer as a global
// lookup, so a caller can use it without threading a *trace.Tracer
// through every constructor; this mirrors how the rest of the ecosystem
// exposes otel.Tracer(name).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name, returning the updated context and
// the span so the caller can End() it and record errors.
func StartSpan(ctx context.Context, name string, attrs ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, attrs...)
}

// RecordError records err on span if it is non-nil, leaving the span
// status untouched on success so callers decide whether to also call
// span.SetStatus.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
}
