package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// scopeName identifies the instrumentation scope on every span the bridge
// emits.
const scopeName = "github.com/homespeak/homespeak"

// StartSpan opens a span on the globally registered tracer provider. The
// caller owns the span and must End it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, name, opts...)
}

// CorrelationID returns the active trace ID, or "" when ctx carries no
// recorded span. The admin middleware echoes it as X-Correlation-ID so a log
// line, a span and an HTTP response can be tied together.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
