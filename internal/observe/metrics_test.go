package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"handsfree.synthesis.duration", m.SynthesisDuration},
		{"handsfree.response.duration", m.ResponseDuration},
		{"handsfree.time_to_first_audio", m.TimeToFirstAudio},
		{"handsfree.playback.duration", m.PlaybackDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

// sumFor returns the value of the data point of counter name carrying
// key=value, or -1 when there is none.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return -1
}

func TestUtteranceCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordUtterance(ctx, "accepted")
	m.RecordUtterance(ctx, "duplicate")
	m.RecordUtterance(ctx, "duplicate")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "handsfree.utterances", "result", "duplicate"); got != 2 {
		t.Errorf("duplicates = %d, want 2", got)
	}
	if got := sumFor(t, rm, "handsfree.utterances", "result", "accepted"); got != 1 {
		t.Errorf("accepted = %d, want 1", got)
	}
}

func TestTransitionCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransition(ctx, "listening", "sending")
	m.RecordInvalidTransition(ctx, "speaking", "utterance_accepted")
	m.StuckRecoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("state", "awaiting_response")))

	rm := collect(t, reader)
	if got := sumFor(t, rm, "handsfree.transitions", "to", "sending"); got != 1 {
		t.Errorf("transitions = %d, want 1", got)
	}
	if got := sumFor(t, rm, "handsfree.transitions.invalid", "event", "utterance_accepted"); got != 1 {
		t.Errorf("invalid = %d, want 1", got)
	}
	if got := sumFor(t, rm, "handsfree.stuck_recoveries", "state", "awaiting_response"); got != 1 {
		t.Errorf("stuck recoveries = %d, want 1", got)
	}
}

func TestRecordSynthesis_CountsFallbacks(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSynthesis(ctx, "primary", "elevenlabs", 300*time.Millisecond)
	m.RecordSynthesis(ctx, "fallback", "coqui", 900*time.Millisecond)
	m.RecordSkippedChunk(ctx, "synthesis")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "handsfree.synthesis.fallbacks", "provider", "coqui"); got != 1 {
		t.Errorf("fallbacks = %d, want 1", got)
	}
	if got := sumFor(t, rm, "handsfree.chunks.skipped", "reason", "synthesis"); got != 1 {
		t.Errorf("skipped = %d, want 1", got)
	}

	hist, ok := findMetric(rm, "handsfree.synthesis.duration").Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("synthesis duration is not a histogram")
	}
	if len(hist.DataPoints) != 2 {
		t.Errorf("synthesis duration series = %d, want one per source", len(hist.DataPoints))
	}
}

func TestBreakerTransitionCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBreakerTransition(ctx, "elevenlabs", "open")
	m.RecordBreakerTransition(ctx, "elevenlabs", "half-open")
	m.RecordBreakerTransition(ctx, "elevenlabs", "open")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "handsfree.breaker.transitions", "to", "open"); got != 2 {
		t.Errorf("open transitions = %d, want 2", got)
	}
	if got := sumFor(t, rm, "handsfree.breaker.transitions", "to", "half-open"); got != 1 {
		t.Errorf("half-open transitions = %d, want 1", got)
	}
}

func TestProviderErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderError(ctx, "elevenlabs", "quota")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "handsfree.provider.errors", "kind", "quota"); got != 1 {
		t.Errorf("counter value = %d, want 1", got)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "handsfree.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("metric is not a sum with data")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "handsfree.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
