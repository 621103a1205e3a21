// Package observe provides application-wide observability primitives for
// handsfree: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all handsfree metrics.
const meterName = "github.com/MrWong99/handsfree"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisDuration tracks per-chunk synthesis latency. Use with attributes:
	//   attribute.String("source", "primary"|"fallback"), attribute.String("provider", ...)
	SynthesisDuration metric.Float64Histogram

	// ResponseDuration tracks the time from send to the end of the streamed reply.
	ResponseDuration metric.Float64Histogram

	// TimeToFirstAudio tracks the time from an accepted utterance to the
	// start of the first played chunk.
	TimeToFirstAudio metric.Float64Histogram

	// PlaybackDuration tracks how long each chunk occupied the audio device.
	PlaybackDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts transcript submissions. Use with attribute:
	//   attribute.String("result", "accepted"|"duplicate"|"rejected")
	Utterances metric.Int64Counter

	// Transitions counts applied state transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	Transitions metric.Int64Counter

	// InvalidTransitions counts dropped events. Use with attributes:
	//   attribute.String("state", ...), attribute.String("event", ...)
	InvalidTransitions metric.Int64Counter

	// StuckRecoveries counts forced returns to listening. Use with attribute:
	//   attribute.String("state", ...)
	StuckRecoveries metric.Int64Counter

	// Chunks counts speakable chunks produced by the chunker.
	Chunks metric.Int64Counter

	// Fallbacks counts chunks synthesised by a fallback backend.
	Fallbacks metric.Int64Counter

	// SkippedChunks counts chunks that were not played. Use with attribute:
	//   attribute.String("reason", "synthesis"|"playback")
	SkippedChunks metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversations.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// playbackBuckets covers spoken sentence lengths up to the playback guard.
var playbackBuckets = []float64{
	0.5, 1, 2, 3, 5, 8, 13, 21, 34, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("handsfree.synthesis.duration",
		metric.WithDescription("Latency of text-to-speech synthesis per chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseDuration, err = m.Float64Histogram("handsfree.response.duration",
		metric.WithDescription("Latency from send to the end of the streamed reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstAudio, err = m.Float64Histogram("handsfree.time_to_first_audio",
		metric.WithDescription("Latency from an accepted utterance to the first played chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("handsfree.playback.duration",
		metric.WithDescription("Time each chunk held the audio device."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(playbackBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("handsfree.utterances",
		metric.WithDescription("Transcript submissions by result."),
	); err != nil {
		return nil, err
	}
	if met.Transitions, err = m.Int64Counter("handsfree.transitions",
		metric.WithDescription("Applied conversation state transitions."),
	); err != nil {
		return nil, err
	}
	if met.InvalidTransitions, err = m.Int64Counter("handsfree.transitions.invalid",
		metric.WithDescription("Events rejected for the current conversation state."),
	); err != nil {
		return nil, err
	}
	if met.StuckRecoveries, err = m.Int64Counter("handsfree.stuck_recoveries",
		metric.WithDescription("Forced returns to listening after the safety timeout."),
	); err != nil {
		return nil, err
	}
	if met.Chunks, err = m.Int64Counter("handsfree.chunks",
		metric.WithDescription("Speakable chunks produced from streamed replies."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("handsfree.synthesis.fallbacks",
		metric.WithDescription("Chunks synthesised by a fallback backend."),
	); err != nil {
		return nil, err
	}
	if met.SkippedChunks, err = m.Int64Counter("handsfree.chunks.skipped",
		metric.WithDescription("Chunks dropped without audio by reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("handsfree.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("handsfree.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by backend and new state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("handsfree.active_sessions",
		metric.WithDescription("Number of live conversations."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("handsfree.http.request.duration",
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

// RecordUtterance counts one transcript submission.
func (m *Metrics) RecordUtterance(ctx context.Context, result string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordTransition counts one applied state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.Transitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordInvalidTransition counts one dropped event.
func (m *Metrics) RecordInvalidTransition(ctx context.Context, state, event string) {
	m.InvalidTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("state", state),
			attribute.String("event", event),
		),
	)
}

// RecordSynthesis records one successful chunk synthesis and, for fallback
// sources, increments the fallback counter.
func (m *Metrics) RecordSynthesis(ctx context.Context, source, provider string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("provider", provider),
	)
	m.SynthesisDuration.Record(ctx, d.Seconds(), attrs)
	if source == "fallback" {
		m.Fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
	}
}

// RecordSkippedChunk counts one chunk dropped without audio.
func (m *Metrics) RecordSkippedChunk(ctx context.Context, reason string) {
	m.SkippedChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBreakerTransition counts one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}
