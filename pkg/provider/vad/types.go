package vad

import "time"

// State is the exposed detector state.
type State int

const (
	// StateInactive means no speech.
	StateInactive State = iota

	// StateActive means energy is above threshold.
	StateActive

	// StateHangingActive means energy dropped below threshold but the hang
	// timer keeps the decision active.
	StateHangingActive
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	case StateHangingActive:
		return "hanging_active"
	default:
		return "unknown"
	}
}

// IsActive reports whether the state exposes speech.
func (s State) IsActive() bool { return s == StateActive || s == StateHangingActive }

// Decision is the detector output for one frame.
type Decision struct {
	// Active is the debounced speech flag.
	Active bool

	// Confidence in [0,1] that Active is correct.
	Confidence float64

	// SpeechLikelihood in [0,1] that the frame contains speech, independent of
	// hysteresis.
	SpeechLikelihood float64

	// Level is the RMS of the normalised mono signal.
	Level float64

	// State is the detector state after this frame.
	State State

	// Timestamp is when the decision was made.
	Timestamp time.Time

	// Arrived is when the frame reached the pipeline.
	Arrived time.Time

	// Latency is Timestamp minus Arrived.
	Latency time.Duration

	// LatencyExceeded is set when Latency is above the configured maximum.
	LatencyExceeded bool

	// FrameDuration is the audio duration the decision covers.
	FrameDuration time.Duration

	// FrameTimestamp and Sequence are copied from the frame.
	FrameTimestamp time.Duration
	Sequence       uint64

	// ConsecutiveActive and ConsecutiveInactive are the counters after this
	// frame. Exactly one of them is non-zero.
	ConsecutiveActive   int
	ConsecutiveInactive int
}

// StateChange is published when the exposed state flips between active and
// inactive.
type StateChange struct {
	From     State
	To       State
	Decision Decision
}

// SessionState is a snapshot of a session's counters.
type SessionState struct {
	State                     State
	ConsecutiveActiveFrames   int
	ConsecutiveInactiveFrames int
	LastDecisionTime          time.Time

	// Frames is the total number of processed frames.
	Frames uint64

	// LatencyMean and LatencyP95 summarise the bounded latency history.
	LatencyMean time.Duration
	LatencyP95  time.Duration
	LatencyMax  time.Duration
}
