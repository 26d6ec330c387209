package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig selects how the bridge's telemetry is exported.
type ProviderConfig struct {
	// ServiceName reported on every metric and span. Defaults to "homespeak".
	ServiceName string

	// ServiceVersion reported alongside the service name.
	ServiceVersion string

	// TraceExporter receives finished spans. Leave nil to keep spans
	// in-process only; the trace IDs still flow into logs and the
	// X-Correlation-ID header, there is just nothing shipping them out.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider wires the OTel SDK for the bridge and registers the resulting
// meter and tracer providers globally. Metrics are always exposed through the
// Prometheus registry backing the admin /metrics endpoint; spans are exported
// only when cfg.TraceExporter is set.
//
// The returned shutdown flushes both providers. main defers it with a short
// timeout so a scrape in flight does not stall process exit.
func InitProvider(_ context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "homespeak"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(name),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reader, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	tracerOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tracerOpts = append(tracerOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tracerOpts...)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}
