// Package observe provides application-wide observability primitives for
// telebridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus via [InitProvider], so they can be scraped from /metrics. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all telebridge metrics.
const meterName = "github.com/MrWong99/telebridge"

// Playback outcomes recorded by [Metrics.RecordPlayback].
const (
	PlaybackPlayed  = "played"
	PlaybackSkipped = "skipped"
	PlaybackDropped = "dropped"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long opening an AI session takes.
	ConnectDuration metric.Float64Histogram

	// BargeInLatency tracks the time from a speech-start detection to the
	// end of the local interruption (purge, cancel, clear).
	BargeInLatency metric.Float64Histogram

	// ResponseLatency tracks the time from the end of user speech to the
	// first audio of the next response.
	ResponseLatency metric.Float64Histogram

	// SessionDuration tracks call length.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// BargeIns counts interruptions. Use with attribute:
	//   attribute.String("source", ...)
	BargeIns metric.Int64Counter

	// PlaybackItems counts pacer items by outcome. Use with attribute:
	//   attribute.String("outcome", ...)
	PlaybackItems metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// FrameErrors counts skipped or dropped frames. Use with attributes:
	//   attribute.String("leg", ...), attribute.String("kind", ...)
	FrameErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live calls.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// interactive voice latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// sessionBuckets covers call lengths from seconds to half an hour.
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
	if met.ConnectDuration, err = m.Float64Histogram("telebridge.s2s.connect.duration",
		metric.WithDescription("Latency of opening an AI session, including session configuration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeInLatency, err = m.Float64Histogram("telebridge.bargein.latency",
		metric.WithDescription("Time from speech-start detection to local playback interruption."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseLatency, err = m.Float64Histogram("telebridge.response.latency",
		metric.WithDescription("Time from end of user speech to first response audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("telebridge.session.duration",
		metric.WithDescription("Duration of bridged calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("telebridge.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("telebridge.bargein.count",
		metric.WithDescription("Total barge-ins by detecting source."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackItems, err = m.Int64Counter("telebridge.playback.items",
		metric.WithDescription("Playback items by outcome."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("telebridge.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.FrameErrors, err = m.Int64Counter("telebridge.frames.errors",
		metric.WithDescription("Frames skipped or dropped by leg and error kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("telebridge.sessions.active",
		metric.WithDescription("Number of live bridged calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("telebridge.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBargeIn counts a barge-in and its local handling latency.
func (m *Metrics) RecordBargeIn(ctx context.Context, source string, latency time.Duration) {
	attrs := metric.WithAttributes(attribute.String("source", source))
	m.BargeIns.Add(ctx, 1, attrs)
	m.BargeInLatency.Record(ctx, latency.Seconds(), attrs)
}

// RecordPlayback counts one pacer item outcome.
func (m *Metrics) RecordPlayback(ctx context.Context, outcome string) {
	m.PlaybackItems.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFrameError counts a skipped or dropped frame.
func (m *Metrics) RecordFrameError(ctx context.Context, leg, kind string) {
	m.FrameErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("leg", leg),
			attribute.String("kind", kind),
		),
	)
}
