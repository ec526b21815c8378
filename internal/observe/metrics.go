// Package observe provides application-wide observability primitives for
// Starlight: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Starlight metrics.
const meterName = "github.com/MrWong99/starlight"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from dial to the upstream's ready
	// acknowledgement. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("outcome", ...)
	ConnectDuration metric.Float64Histogram

	// --- Counters ---

	// ConnectAttempts counts session connects. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("outcome", ...)
	ConnectAttempts metric.Int64Counter

	// FramesSent counts audio frames forwarded to the upstream.
	FramesSent metric.Int64Counter

	// FramesReceived counts audio frames received from the upstream.
	FramesReceived metric.Int64Counter

	// FramesDropped counts frames discarded by the relay. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// BufferOverruns counts playback queue overflows.
	BufferOverruns metric.Int64Counter

	// TranscriptEntries counts entries emitted to the UI. Use with attributes:
	//   attribute.String("speaker", ...), attribute.String("finality", ...)
	TranscriptEntries metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- Error counters ---

	// UpstreamErrors counts errors reported by or about the upstream. Use
	// with attribute:
	//   attribute.String("kind", ...)
	UpstreamErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup, which ranges from tens of milliseconds to the connect
// timeout.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("starlight.connect.duration",
		metric.WithDescription("Time from dial to upstream ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ConnectAttempts, err = m.Int64Counter("starlight.connect.attempts",
		metric.WithDescription("Total session connects by provider and outcome."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("starlight.audio.frames_sent",
		metric.WithDescription("Audio frames forwarded to the upstream."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("starlight.audio.frames_received",
		metric.WithDescription("Audio frames received from the upstream."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("starlight.audio.frames_dropped",
		metric.WithDescription("Audio frames discarded by direction and reason."),
	); err != nil {
		return nil, err
	}
	if met.BufferOverruns, err = m.Int64Counter("starlight.playback.overruns",
		metric.WithDescription("Playback queue overflows."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEntries, err = m.Int64Counter("starlight.transcript.entries",
		metric.WithDescription("Transcript entries emitted by speaker and finality."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("starlight.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.UpstreamErrors, err = m.Int64Counter("starlight.upstream.errors",
		metric.WithDescription("Upstream errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("starlight.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("starlight.http.request.duration",
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

// RecordConnect records one connect attempt and its latency.
func (m *Metrics) RecordConnect(ctx context.Context, provider, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	)
	m.ConnectAttempts.Add(ctx, 1, attrs)
	m.ConnectDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordFrameDropped records a discarded frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, direction, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("reason", reason),
		),
	)
}

// RecordTranscriptEntry records an entry emitted to the UI.
func (m *Metrics) RecordTranscriptEntry(ctx context.Context, speaker, finality string) {
	m.TranscriptEntries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("speaker", speaker),
			attribute.String("finality", finality),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordUpstreamError is a convenience method that records an upstream error
// counter increment.
func (m *Metrics) RecordUpstreamError(ctx context.Context, kind string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
