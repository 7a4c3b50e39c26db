// Package resilience decides how much of the barge-in pipeline a device can
// afford and degrades it gracefully when things go wrong.
//
// The [Controller] probes capture capabilities and VAD latency at start-up to
// pick a [Tier], downgrades one tier at a time on error bursts or sustained
// latency/quality problems, and re-probes on an exponential backoff schedule to
// climb back up.
//
// All types are safe for concurrent use.
package resilience

import (
	"time"

	"github.com/MrWong99/bargein/pkg/audio"
)

// Tier is an ordered capability level. Higher is better.
type Tier int

const (
	// TierDisabled turns barge-in off entirely.
	TierDisabled Tier = iota

	// TierMinimal runs the cheapest detector with large batches.
	TierMinimal

	// TierBuffered trades latency for stability with small batches.
	TierBuffered

	// TierFull runs every feature at the native frame rate.
	TierFull
)

// String returns the lowercase tier name.
func (t Tier) String() string {
	switch t {
	case TierDisabled:
		return "disabled"
	case TierMinimal:
		return "minimal"
	case TierBuffered:
		return "buffered"
	case TierFull:
		return "full"
	default:
		return "unknown"
	}
}

// Envelope is the expected performance of a tier.
type Envelope struct {
	ExpectedLatency time.Duration
	Quality         float64
}

// Profile is the pipeline shape a tier runs with.
type Profile struct {
	// Spectral enables the VAD spectral pass.
	Spectral bool

	// FrameBatch is the number of capture frames merged per VAD decision.
	FrameBatch int

	// BargeIn enables the orchestrator trigger.
	BargeIn bool
}

// Envelope returns the documented envelope of t.
func (t Tier) Envelope() Envelope {
	switch t {
	case TierFull:
		return Envelope{ExpectedLatency: 20 * time.Millisecond, Quality: 1.0}
	case TierBuffered:
		return Envelope{ExpectedLatency: 60 * time.Millisecond, Quality: 0.85}
	case TierMinimal:
		return Envelope{ExpectedLatency: 150 * time.Millisecond, Quality: 0.6}
	default:
		return Envelope{}
	}
}

// LatencyBudget returns the latency t may run at without counting as a
// breach: target, or t's expected latency when that is higher. Batched tiers
// wait for the whole batch before deciding, so a device-wide target alone
// would fail them on every frame.
func LatencyBudget(target time.Duration, t Tier) time.Duration {
	return max(target, t.Envelope().ExpectedLatency)
}

// Profile returns the pipeline shape for t.
func (t Tier) Profile() Profile {
	switch t {
	case TierFull:
		return Profile{Spectral: true, FrameBatch: 1, BargeIn: true}
	case TierBuffered:
		return Profile{FrameBatch: 2, BargeIn: true}
	case TierMinimal:
		return Profile{FrameBatch: 4, BargeIn: true}
	default:
		return Profile{FrameBatch: 1}
	}
}

// Capabilities is what the probes found.
type Capabilities struct {
	audio.Capabilities

	// ProbeLatency is the measured synthetic VAD latency, or zero when the
	// latency probe failed.
	ProbeLatency time.Duration

	// FeatureErr and LatencyErr record probe failures.
	FeatureErr error
	LatencyErr error
}

// TotalLatency is the baseline capture latency plus the VAD probe latency.
func (c Capabilities) TotalLatency() time.Duration {
	return c.BaselineLatency + c.ProbeLatency
}

// Mode is the controller's current operating point.
type Mode struct {
	Tier         Tier
	Reason       string
	Capabilities Capabilities
	Envelope     Envelope
	Since        time.Time
}

// ModeChange is published on every tier transition.
type ModeChange struct {
	From, To Mode

	// Recovery is true for upgrades after a successful re-probe.
	Recovery bool
}
