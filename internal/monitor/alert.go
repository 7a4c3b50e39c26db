package monitor

import (
	"fmt"
	"time"
)

// Category groups alerts for cooldown purposes.
type Category string

const (
	CategoryLatency  Category = "latency"
	CategoryFrames   Category = "frames"
	CategoryResource Category = "resource"
	CategoryQuality  Category = "quality"
	CategoryHealth   Category = "health"
)

// Categories lists every category in evaluation order.
var Categories = []Category{CategoryLatency, CategoryFrames, CategoryResource, CategoryQuality, CategoryHealth}

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a threshold breach.
type Alert struct {
	ID       string
	Severity Severity
	Category Category
	Message  string
	At       time.Time

	// AutoResolve alerts resolve after AutoResolveAfter. Others stay active
	// until a tick finds their category healthy again.
	AutoResolve bool

	Resolved   bool
	ResolvedAt time.Time
}

// breach is one failed threshold found during a tick.
type breach struct {
	category Category
	severity Severity
	message  string
}

// evaluate checks every category against s.
func evaluate(s Snapshot, cfg Config, sawLatency, sawFrames, sawQuality bool) map[Category]breach {
	out := make(map[Category]breach)

	if sawLatency && s.Latency.P95 > cfg.TargetLatency {
		sev := SeverityWarning
		if s.Latency.P95 > 2*cfg.TargetLatency {
			sev = SeverityCritical
		}
		out[CategoryLatency] = breach{CategoryLatency, sev,
			fmt.Sprintf("p95 latency %v above target %v", s.Latency.P95, cfg.TargetLatency)}
	}

	if sawFrames {
		switch {
		case s.DropRate > cfg.MaxDropRate:
			out[CategoryFrames] = breach{CategoryFrames, SeverityWarning,
				fmt.Sprintf("drop rate %.1f%% above %.1f%%", s.DropRate*100, cfg.MaxDropRate*100)}
		case s.FrameEfficiency < cfg.MinFrameEfficiency:
			out[CategoryFrames] = breach{CategoryFrames, SeverityWarning,
				fmt.Sprintf("frame efficiency %.2f below %.2f", s.FrameEfficiency, cfg.MinFrameEfficiency)}
		}
	}

	switch {
	case s.CPU > cfg.MaxCPU:
		out[CategoryResource] = breach{CategoryResource, SeverityWarning,
			fmt.Sprintf("cpu estimate %.2f above %.2f", s.CPU, cfg.MaxCPU)}
	case s.MemoryMB > cfg.MaxMemoryMB:
		out[CategoryResource] = breach{CategoryResource, SeverityWarning,
			fmt.Sprintf("memory %.0fMiB above %.0fMiB", s.MemoryMB, cfg.MaxMemoryMB)}
	}

	if sawQuality && s.Quality < cfg.MinQuality {
		out[CategoryQuality] = breach{CategoryQuality, SeverityWarning,
			fmt.Sprintf("quality %.2f below %.2f", s.Quality, cfg.MinQuality)}
	}

	if s.Health < cfg.CriticalHealth {
		out[CategoryHealth] = breach{CategoryHealth, SeverityCritical,
			fmt.Sprintf("health %.2f below %.2f", s.Health, cfg.CriticalHealth)}
	}
	return out
}
