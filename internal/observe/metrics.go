// Package observe provides application-wide observability primitives for the
// voximetry gateway: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/voximetry/voximetry"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// SessionDuration tracks full session lifetimes from connect to
	// terminal state. Use with attribute.String("status", ...).
	SessionDuration metric.Float64Histogram

	// UpstreamSetupDuration tracks dial-to-ready handshake latency.
	UpstreamSetupDuration metric.Float64Histogram

	// --- Counters ---

	// AudioChunksIn counts audio chunks accepted from clients.
	AudioChunksIn metric.Int64Counter

	// AudioChunksOut counts model audio chunks delivered to clients.
	AudioChunksOut metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Reconnects counts upstream reconnection attempts. Use with attribute:
	//   attribute.String("outcome", ...)
	Reconnects metric.Int64Counter

	// RateLimitDrops counts client messages dropped by the per-session
	// message window.
	RateLimitDrops metric.Int64Counter

	// Transcripts counts persisted transcript fragments by role.
	Transcripts metric.Int64Counter

	// --- Error counters ---

	// UpstreamErrors counts upstream stream errors by taxonomy code.
	UpstreamErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live survey sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for streaming-session latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers whole-session lifetimes rather than per-operation
// latencies.
var sessionBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ToolExecutionDuration, err = m.Float64Histogram("voximetry.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voximetry.session.duration",
		metric.WithDescription("Session lifetime from connect to terminal state, by status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpstreamSetupDuration, err = m.Float64Histogram("voximetry.upstream.setup.duration",
		metric.WithDescription("Upstream dial-to-ready handshake latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioChunksIn, err = m.Int64Counter("voximetry.audio.chunks.in",
		metric.WithDescription("Audio chunks accepted from clients."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksOut, err = m.Int64Counter("voximetry.audio.chunks.out",
		metric.WithDescription("Model audio chunks delivered to clients."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voximetry.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voximetry.upstream.reconnects",
		metric.WithDescription("Upstream reconnection attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.RateLimitDrops, err = m.Int64Counter("voximetry.ratelimit.drops",
		metric.WithDescription("Client messages dropped by the per-session message window."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("voximetry.transcripts",
		metric.WithDescription("Persisted transcript fragments by role."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.UpstreamErrors, err = m.Int64Counter("voximetry.upstream.errors",
		metric.WithDescription("Upstream stream errors by taxonomy code."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voximetry.active_sessions",
		metric.WithDescription("Number of live survey sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voximetry.http.request.duration",
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

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordReconnect records an upstream reconnection attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, outcome string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordUpstreamError records an upstream error by taxonomy code.
func (m *Metrics) RecordUpstreamError(ctx context.Context, code string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", code)),
	)
}

// RecordSessionEnd records a finished session's duration under its terminal
// status and decrements the active-session gauge.
func (m *Metrics) RecordSessionEnd(ctx context.Context, status string, duration time.Duration) {
	m.SessionDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.ActiveSessions.Add(ctx, -1)
}

// RecordTranscript records a persisted transcript fragment by role.
func (m *Metrics) RecordTranscript(ctx context.Context, role string) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}
