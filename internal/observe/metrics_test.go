package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
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

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"bargein.vad.decision.duration", m.VADDecisionDuration},
		{"bargein.trigger.latency", m.BargeInLatency},
		{"bargein.interrupt.duration", m.InterruptDuration},
		{"bargein.fallback.probe.duration", m.ProbeDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.012)
		tc.h.Record(ctx, 0.045)
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

// sumFor returns the value of the data point carrying key=value.
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
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestRecordBargeIn(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBargeIn(ctx, "detected", 0.03)
	m.RecordBargeIn(ctx, "detected", 0.02)
	m.RecordBargeIn(ctx, "failed", 0)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "bargein.events", "type", "detected"); got != 2 {
		t.Errorf("detected = %d, want 2", got)
	}
	if got := sumFor(t, rm, "bargein.events", "type", "failed"); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}

	hist := findMetric(rm, "bargein.trigger.latency").Data.(metricdata.Histogram[float64])
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("latency samples = %d, want 2 (failed events are not timed)", got)
	}
}

func TestRecordInterruption(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordInterruption(ctx, "duck", "ok", 0.004)
	m.RecordInterruption(ctx, "duck", "error", 0.001)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "bargein.interruptions", "status", "ok"); got != 1 {
		t.Errorf("ok = %d, want 1", got)
	}
	if got := sumFor(t, rm, "bargein.interruptions", "status", "error"); got != 1 {
		t.Errorf("error = %d, want 1", got)
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordLatencyBreach(ctx, "vad")
	m.RecordAlert(ctx, "latency", "warning")
	m.RecordDropped(ctx, "vad_state", 3)
	m.RecordDropped(ctx, "vad_state", 0)
	m.RecordTierChange(ctx, "full", "buffered", 2)
	m.RecordFault(ctx, "latency_exceeded")

	rm := collect(t, reader)
	tests := []struct {
		name, key, value string
		want             int64
	}{
		{"bargein.latency.breaches", "component", "vad", 1},
		{"bargein.alerts", "category", "latency", 1},
		{"bargein.queue.dropped", "queue", "vad_state", 3},
		{"bargein.fallback.tier_changes", "to", "buffered", 1},
		{"bargein.faults", "kind", "latency_exceeded", 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := sumFor(t, rm, tc.name, tc.key, tc.value); got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}

	tier := findMetric(rm, "bargein.fallback.tier")
	if tier == nil {
		t.Fatal("tier gauge not found")
	}
	g, ok := tier.Data.(metricdata.Gauge[int64])
	if !ok || len(g.DataPoints) == 0 {
		t.Fatal("tier gauge has no data")
	}
	if g.DataPoints[0].Value != 2 {
		t.Errorf("tier = %d, want 2", g.DataPoints[0].Value)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HealthScore.Record(ctx, 0.9)
	m.HealthScore.Record(ctx, 0.75)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.RegisteredSources.Add(ctx, 3)
	m.RegisteredSources.Add(ctx, -1)

	rm := collect(t, reader)

	met := findMetric(rm, "bargein.health.score")
	if met == nil {
		t.Fatal("health gauge not found")
	}
	g, ok := met.Data.(metricdata.Gauge[float64])
	if !ok || len(g.DataPoints) == 0 {
		t.Fatal("health gauge has no data")
	}
	if g.DataPoints[0].Value != 0.75 {
		t.Errorf("health = %v, want last value 0.75", g.DataPoints[0].Value)
	}

	updown := []struct {
		name string
		want int64
	}{
		{"bargein.active_sessions", 2},
		{"bargein.registered_sources", 2},
	}
	for _, tc := range updown {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestInitProvider_ServesPrometheus(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	origProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origProp)
	})

	p, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordBargeIn(context.Background(), "detected", 0.01)

	rec := httptest.NewRecorder()
	MetricsHandler(p.Registry).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bargein_events") {
		t.Errorf("scrape missing bargein_events:\n%s", rec.Body.String())
	}
}
