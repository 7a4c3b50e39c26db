// Package monitor aggregates latency, throughput, resource and quality samples
// into periodic performance snapshots with a composite health score.
//
// Components push [Sample] values into a [Monitor], either directly through
// [Monitor.Record] or over a channel consumed by [Monitor.Run]. Every tick the
// monitor computes a [Snapshot], evaluates alert thresholds per [Category] and
// emits an [Optimization] signal when health falls below the configured
// threshold.
package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/bargein/internal/history"
)

// Metric identifies the kind of a [Sample].
type Metric int

const (
	// MetricLatency is a decision latency in milliseconds.
	MetricLatency Metric = iota

	// MetricQuality is a quality score in [0, 1].
	MetricQuality

	// MetricCPU is a CPU utilisation estimate in [0, 1].
	MetricCPU

	// MetricMemory is a memory estimate in MiB.
	MetricMemory

	// MetricFramesProcessed counts frames that reached the detector.
	MetricFramesProcessed

	// MetricFramesDropped counts frames lost before the detector.
	MetricFramesDropped

	// MetricFrameRate is the observed frame rate per second. It is derived on
	// each tick and never recorded directly.
	MetricFrameRate
)

// String returns the lowercase metric name.
func (m Metric) String() string {
	switch m {
	case MetricLatency:
		return "latency"
	case MetricQuality:
		return "quality"
	case MetricCPU:
		return "cpu"
	case MetricMemory:
		return "memory"
	case MetricFramesProcessed:
		return "frames_processed"
	case MetricFramesDropped:
		return "frames_dropped"
	case MetricFrameRate:
		return "frame_rate"
	default:
		return "unknown"
	}
}

// polarity reports which direction is good for windowed metrics.
func (m Metric) polarity() history.Polarity {
	switch m {
	case MetricQuality, MetricFrameRate:
		return history.HigherIsBetter
	default:
		return history.LowerIsBetter
	}
}

// Sample is one observation.
type Sample struct {
	Metric Metric
	Value  float64
}

// LatencySample returns a latency sample for d.
func LatencySample(d time.Duration) Sample {
	return Sample{Metric: MetricLatency, Value: float64(d) / float64(time.Millisecond)}
}

// FrameSample returns the samples for n processed frames and k dropped ones.
func FrameSample(processed, dropped int) []Sample {
	var out []Sample
	if processed > 0 {
		out = append(out, Sample{Metric: MetricFramesProcessed, Value: float64(processed)})
	}
	if dropped > 0 {
		out = append(out, Sample{Metric: MetricFramesDropped, Value: float64(dropped)})
	}
	return out
}

// Level is the warning level derived from the health score.
type Level int

const (
	LevelOK Level = iota
	LevelWarning
	LevelCritical
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Weights are the health penalty weights. They should sum to 1.
type Weights struct {
	Latency  float64 `yaml:"latency"`
	Frames   float64 `yaml:"frames"`
	Resource float64 `yaml:"resource"`
	Quality  float64 `yaml:"quality"`
}

// Config is an immutable snapshot of monitor settings.
type Config struct {
	// WindowSize bounds every rolling window. Default: 100.
	WindowSize int

	// TickInterval is the snapshot period used by [Monitor.Run]. Default: 1s.
	TickInterval time.Duration

	// FramePeriod is the expected frame duration; its inverse is the expected
	// frame rate. Default: 20ms.
	FramePeriod time.Duration

	// TargetLatency is the p95 latency above which the latency penalty grows.
	// Default: 50ms.
	TargetLatency time.Duration

	// MinFrameEfficiency is the observed/expected frame rate ratio below
	// which a frames alert fires. Default: 0.9.
	MinFrameEfficiency float64

	// MaxDropRate is the dropped frame ratio above which a frames alert
	// fires. Default: 0.05.
	MaxDropRate float64

	// MaxCPU is the CPU estimate above which the resource penalty grows.
	// Default: 0.8.
	MaxCPU float64

	// MaxMemoryMB is the memory estimate above which the resource penalty
	// grows. Default: 512.
	MaxMemoryMB float64

	// MinQuality is the mean quality below which the quality penalty grows.
	// Default: 0.7.
	MinQuality float64

	Weights Weights

	// WarningHealth and CriticalHealth are the level boundaries.
	// Defaults: 0.7 and 0.4.
	WarningHealth  float64
	CriticalHealth float64

	// OptimizeBelow is the health score that triggers auto-optimization.
	// Default: 0.6.
	OptimizeBelow float64

	// RestoreAbove is the health score at which optimizations are lifted.
	// Default: 0.8.
	RestoreAbove float64

	// OptimizedFrameBatch is the frame batch requested while optimized.
	// Default: 2.
	OptimizedFrameBatch int

	// AlertCooldown is the least time between two alerts of one category.
	// Default: 10s.
	AlertCooldown time.Duration

	// AutoResolveAfter is how long a warning alert stays active. Default: 30s.
	AutoResolveAfter time.Duration

	// MaxAlertsPerHour caps alert creation across categories. Default: 30.
	MaxAlertsPerHour int

	// AlertLogSize bounds the alert log. Default: 100.
	AlertLogSize int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:          100,
		TickInterval:        time.Second,
		FramePeriod:         20 * time.Millisecond,
		TargetLatency:       50 * time.Millisecond,
		MinFrameEfficiency:  0.9,
		MaxDropRate:         0.05,
		MaxCPU:              0.8,
		MaxMemoryMB:         512,
		MinQuality:          0.7,
		Weights:             Weights{Latency: 0.35, Frames: 0.25, Resource: 0.15, Quality: 0.25},
		WarningHealth:       0.7,
		CriticalHealth:      0.4,
		OptimizeBelow:       0.6,
		RestoreAbove:        0.8,
		OptimizedFrameBatch: 2,
		AlertCooldown:       10 * time.Second,
		AutoResolveAfter:    30 * time.Second,
		MaxAlertsPerHour:    30,
		AlertLogSize:        100,
	}
}

// Validate returns all problems with c joined together.
func (c Config) Validate() error {
	var errs []error
	if c.WindowSize < 10 {
		errs = append(errs, fmt.Errorf("window_size %d must be at least 10", c.WindowSize))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick_interval %v must be positive", c.TickInterval))
	}
	if c.FramePeriod <= 0 {
		errs = append(errs, fmt.Errorf("frame_period %v must be positive", c.FramePeriod))
	}
	if c.TargetLatency <= 0 {
		errs = append(errs, fmt.Errorf("target_latency %v must be positive", c.TargetLatency))
	}
	for name, v := range map[string]float64{
		"min_frame_efficiency": c.MinFrameEfficiency,
		"max_drop_rate":        c.MaxDropRate,
		"min_quality":          c.MinQuality,
		"warning_health":       c.WarningHealth,
		"critical_health":      c.CriticalHealth,
		"optimize_below":       c.OptimizeBelow,
		"restore_above":        c.RestoreAbove,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s %v out of range [0,1]", name, v))
		}
	}
	if c.MaxCPU <= 0 || c.MaxCPU >= 1 {
		errs = append(errs, fmt.Errorf("max_cpu %v out of range (0,1)", c.MaxCPU))
	}
	if c.MaxMemoryMB <= 0 {
		errs = append(errs, fmt.Errorf("max_memory_mb %v must be positive", c.MaxMemoryMB))
	}
	w := c.Weights
	if w.Latency < 0 || w.Frames < 0 || w.Resource < 0 || w.Quality < 0 {
		errs = append(errs, errors.New("weights must not be negative"))
	}
	if sum := w.Latency + w.Frames + w.Resource + w.Quality; sum <= 0 || sum > 1.0001 {
		errs = append(errs, fmt.Errorf("weights sum %v must be in (0,1]", sum))
	}
	if c.CriticalHealth > c.WarningHealth {
		errs = append(errs, fmt.Errorf("critical_health %v above warning_health %v", c.CriticalHealth, c.WarningHealth))
	}
	if c.RestoreAbove < c.OptimizeBelow {
		errs = append(errs, fmt.Errorf("restore_above %v below optimize_below %v", c.RestoreAbove, c.OptimizeBelow))
	}
	if c.OptimizedFrameBatch < 1 {
		errs = append(errs, fmt.Errorf("optimized_frame_batch %d must be at least 1", c.OptimizedFrameBatch))
	}
	if c.AlertCooldown < 0 {
		errs = append(errs, fmt.Errorf("alert_cooldown %v is negative", c.AlertCooldown))
	}
	if c.AutoResolveAfter <= 0 {
		errs = append(errs, fmt.Errorf("auto_resolve_after %v must be positive", c.AutoResolveAfter))
	}
	if c.MaxAlertsPerHour < 1 {
		errs = append(errs, fmt.Errorf("max_alerts_per_hour %d must be at least 1", c.MaxAlertsPerHour))
	}
	if c.AlertLogSize < 1 {
		errs = append(errs, fmt.Errorf("alert_log_size %d must be at least 1", c.AlertLogSize))
	}
	return errors.Join(errs...)
}

// expectedFrameRate is frames per second at FramePeriod.
func (c Config) expectedFrameRate() float64 {
	return float64(time.Second) / float64(c.FramePeriod)
}

// LatencyStats summarises the latency window.
type LatencyStats struct {
	Mean time.Duration
	P95  time.Duration
	P99  time.Duration
	Max  time.Duration
}

// Snapshot is the result of one tick.
type Snapshot struct {
	At time.Time

	Latency LatencyStats

	// FrameRate is the mean observed frame rate per second.
	FrameRate float64

	// FrameEfficiency is FrameRate over the expected rate, capped at 1. It is 1
	// before any frame was seen.
	FrameEfficiency float64

	// DropRate is dropped over all frames seen since the monitor started.
	DropRate        float64
	FramesProcessed uint64
	FramesDropped   uint64

	CPU      float64
	MemoryMB float64

	// Quality is the mean quality score, or 1 without samples.
	Quality float64

	Penalties Penalties
	Health    float64
	Level     Level

	Trends map[Metric]history.Trend
}

// Optimization asks the detector and pipeline to change how much optional
// work they do.
type Optimization struct {
	At time.Time

	// DisableSpectral turns spectral analysis off when true and lets the
	// current tier decide when false.
	DisableSpectral bool

	// FrameBatch is the requested number of frames per decision.
	FrameBatch int

	// Restore is set when health recovered and earlier optimizations are
	// lifted.
	Restore bool

	Health float64
}
