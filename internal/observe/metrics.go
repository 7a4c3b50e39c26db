// Package observe provides application-wide observability primitives for the
// barge-in service: OpenTelemetry metrics, distributed tracing, structured
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all barge-in metrics.
const meterName = "github.com/MrWong99/bargein"

// Metrics holds the OpenTelemetry instruments shared by every component.
// Instruments are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// VADDecisionDuration tracks per-frame decision latency measured from
	// frame arrival.
	VADDecisionDuration metric.Float64Histogram

	// BargeInLatency tracks decision arrival to interruption completion.
	BargeInLatency metric.Float64Histogram

	// InterruptDuration tracks per-source interruption latency. Use with
	// attribute: attribute.String("mode", ...)
	InterruptDuration metric.Float64Histogram

	// ProbeDuration tracks capability probe latency.
	ProbeDuration metric.Float64Histogram

	// --- Counters ---

	// BargeIns counts barge-in events. Use with attribute:
	//   attribute.String("type", "detected"|"failed")
	BargeIns metric.Int64Counter

	// Interruptions counts per-source interruption actions. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("status", ...)
	Interruptions metric.Int64Counter

	// LatencyBreaches counts latency budget overshoots. Use with attribute:
	//   attribute.String("component", ...)
	LatencyBreaches metric.Int64Counter

	// Alerts counts raised alerts. Use with attributes:
	//   attribute.String("category", ...), attribute.String("severity", ...)
	Alerts metric.Int64Counter

	// DroppedMessages counts messages discarded by drop-oldest queues. Use with
	// attribute: attribute.String("queue", ...)
	DroppedMessages metric.Int64Counter

	// TierChanges counts fallback tier transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	TierChanges metric.Int64Counter

	// Faults counts classified errors. Use with attribute:
	//   attribute.String("kind", ...)
	Faults metric.Int64Counter

	// --- Gauges ---

	// HealthScore is the latest composite health score in [0,1].
	HealthScore metric.Float64Gauge

	// Tier is the current fallback tier (3 full, 2 buffered, 1 minimal,
	// 0 disabled).
	Tier metric.Int64Gauge

	// ActiveSessions tracks the number of running sessions.
	ActiveSessions metric.Int64UpDownCounter

	// RegisteredSources tracks registered playback sources across sessions.
	RegisteredSources metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) around the
// 20 ms decision and 50 ms reaction budgets.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.02, 0.035, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.VADDecisionDuration, err = m.Float64Histogram("bargein.vad.decision.duration",
		metric.WithDescription("Per-frame VAD decision latency from frame arrival."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeInLatency, err = m.Float64Histogram("bargein.trigger.latency",
		metric.WithDescription("Decision arrival to interruption completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InterruptDuration, err = m.Float64Histogram("bargein.interrupt.duration",
		metric.WithDescription("Per-source interruption latency by mode."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProbeDuration, err = m.Float64Histogram("bargein.fallback.probe.duration",
		metric.WithDescription("Capability probe latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.BargeIns, err = m.Int64Counter("bargein.events",
		metric.WithDescription("Total barge-in events by type."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("bargein.interruptions",
		metric.WithDescription("Total per-source interruption actions by mode and status."),
	); err != nil {
		return nil, err
	}
	if met.LatencyBreaches, err = m.Int64Counter("bargein.latency.breaches",
		metric.WithDescription("Total latency budget overshoots by component."),
	); err != nil {
		return nil, err
	}
	if met.Alerts, err = m.Int64Counter("bargein.alerts",
		metric.WithDescription("Total alerts raised by category and severity."),
	); err != nil {
		return nil, err
	}
	if met.DroppedMessages, err = m.Int64Counter("bargein.queue.dropped",
		metric.WithDescription("Total messages dropped by backpressure per queue."),
	); err != nil {
		return nil, err
	}
	if met.TierChanges, err = m.Int64Counter("bargein.fallback.tier_changes",
		metric.WithDescription("Total fallback tier transitions."),
	); err != nil {
		return nil, err
	}
	if met.Faults, err = m.Int64Counter("bargein.faults",
		metric.WithDescription("Total classified errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.HealthScore, err = m.Float64Gauge("bargein.health.score",
		metric.WithDescription("Latest composite health score."),
	); err != nil {
		return nil, err
	}
	if met.Tier, err = m.Int64Gauge("bargein.fallback.tier",
		metric.WithDescription("Current fallback tier (3 full .. 0 disabled)."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("bargein.active_sessions",
		metric.WithDescription("Number of running barge-in sessions."),
	); err != nil {
		return nil, err
	}
	if met.RegisteredSources, err = m.Int64UpDownCounter("bargein.registered_sources",
		metric.WithDescription("Number of registered playback sources."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("bargein.http.request.duration",
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

// RecordBargeIn records a barge-in event of the given type ("detected" or
// "failed") and, for detected events, its total latency in seconds.
func (m *Metrics) RecordBargeIn(ctx context.Context, typ string, totalSeconds float64) {
	m.BargeIns.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
	if typ == "detected" {
		m.BargeInLatency.Record(ctx, totalSeconds)
	}
}

// RecordInterruption records one per-source interruption with its latency.
func (m *Metrics) RecordInterruption(ctx context.Context, mode, status string, seconds float64) {
	m.Interruptions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
	m.InterruptDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordLatencyBreach records a latency budget overshoot in component.
func (m *Metrics) RecordLatencyBreach(ctx context.Context, component string) {
	m.LatencyBreaches.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
}

// RecordAlert records a raised alert.
func (m *Metrics) RecordAlert(ctx context.Context, category, severity string) {
	m.Alerts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("category", category),
			attribute.String("severity", severity),
		),
	)
}

// RecordDropped records n messages dropped from queue. Zero is ignored.
func (m *Metrics) RecordDropped(ctx context.Context, queue string, n int64) {
	if n <= 0 {
		return
	}
	m.DroppedMessages.Add(ctx, n, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordTierChange records a tier transition and updates the tier gauge.
func (m *Metrics) RecordTierChange(ctx context.Context, from, to string, level int64) {
	m.TierChanges.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
	m.Tier.Record(ctx, level)
}

// RecordFault records a classified error.
func (m *Metrics) RecordFault(ctx context.Context, kind string) {
	m.Faults.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
