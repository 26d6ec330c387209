// Package observe provides application-wide observability primitives for
// Homespeak: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Homespeak metrics.
const meterName = "github.com/homespeak/homespeak"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Backend link ---

	// Reconnects counts backend reconnect attempts. Use with attribute:
	//   attribute.String("status", ...) ("success" or "failure")
	Reconnects metric.Int64Counter

	// LinkConnected tracks the backend link state: incremented on connect,
	// decremented on drop, so the current value is 0 or 1.
	LinkConnected metric.Int64UpDownCounter

	// FramesSent counts outbound frames. Use with attribute:
	//   attribute.String("kind", ...) ("text" or "binary")
	FramesSent metric.Int64Counter

	// FramesReceived counts inbound frames, same attribute set as FramesSent.
	FramesReceived metric.Int64Counter

	// --- Exchanges ---

	// ExchangeStageDuration tracks how long an exchange takes to reach a
	// pipeline stage. Use with attribute:
	//   attribute.String("stage", ...) ("recognized" or "complete")
	ExchangeStageDuration metric.Float64Histogram

	// ExchangeFailures counts exchanges that failed or were abandoned.
	ExchangeFailures metric.Int64Counter

	// --- Tool gateway ---

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ToolExecutionDuration tracks tool execution latency by tool name.
	ToolExecutionDuration metric.Float64Histogram

	// --- Audio codec ---

	// CodecFailures counts failures decoding synthesized audio.
	CodecFailures metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational-turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Backend link.
	if met.Reconnects, err = m.Int64Counter("homespeak.link.reconnects",
		metric.WithDescription("Total backend reconnect attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.LinkConnected, err = m.Int64UpDownCounter("homespeak.link.connected",
		metric.WithDescription("Backend link state: 1 while connected, 0 otherwise."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("homespeak.link.frames_sent",
		metric.WithDescription("Total outbound frames by kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("homespeak.link.frames_received",
		metric.WithDescription("Total inbound frames by kind."),
	); err != nil {
		return nil, err
	}

	// Exchanges.
	if met.ExchangeStageDuration, err = m.Float64Histogram("homespeak.exchange.stage.duration",
		metric.WithDescription("Time for an exchange to reach a pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExchangeFailures, err = m.Int64Counter("homespeak.exchange.failures",
		metric.WithDescription("Total exchanges that failed or were abandoned."),
	); err != nil {
		return nil, err
	}

	// Tool gateway.
	if met.ToolCalls, err = m.Int64Counter("homespeak.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("homespeak.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Audio codec.
	if met.CodecFailures, err = m.Int64Counter("homespeak.codec.failures",
		metric.WithDescription("Total audio decode failures degraded to silence."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("homespeak.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordReconnect is a convenience method that records one reconnect attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordExchangeStage is a convenience method that records how long an
// exchange took to reach a pipeline stage.
func (m *Metrics) RecordExchangeStage(ctx context.Context, stage string, elapsed time.Duration) {
	m.ExchangeStageDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordToolCall is a convenience method that records a tool invocation and
// its latency with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool string, elapsed time.Duration, isError bool) {
	status := "success"
	if isError {
		status = "error"
	}
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
	m.ToolExecutionDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// RecordFrame is a convenience method that records one frame in the given
// direction.
func (m *Metrics) RecordFrame(ctx context.Context, sent bool, kind string) {
	inst := m.FramesReceived
	if sent {
		inst = m.FramesSent
	}
	inst.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
