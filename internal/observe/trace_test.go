package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// withRecordingTracer installs a recording tracer provider for the duration
// of the test and returns the exporter capturing its spans.
func withRecordingTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestCorrelationID_NoSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without a span = %q, want empty", got)
	}
}

func TestStartSpan_TiesCorrelationIDToSpan(t *testing.T) {
	exp := withRecordingTracer(t)

	ctx, span := StartSpan(context.Background(), "link.reconnect")
	cid := CorrelationID(ctx)
	span.End()

	if len(cid) != 32 {
		t.Fatalf("CorrelationID = %q, want a 32-char trace id", cid)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "link.reconnect" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if spans[0].SpanContext.TraceID().String() != cid {
		t.Error("CorrelationID does not match the exported span's trace id")
	}
}

func TestStartSpan_FreshTracePerRoot(t *testing.T) {
	withRecordingTracer(t)

	seen := map[string]bool{}
	for range 4 {
		ctx, span := StartSpan(context.Background(), "exchange")
		cid := CorrelationID(ctx)
		span.End()
		if seen[cid] {
			t.Fatalf("trace id %s issued twice for independent roots", cid)
		}
		seen[cid] = true
	}
}
