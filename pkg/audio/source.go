package audio

import "time"

// Source is the playback adapter contract. Any playback technology (a media
// element, a native buffer node, a remote player) can be controlled by the
// interruption manager once it is wrapped in a Source.
//
// Volume is linear gain in [0, 1]. Implementations must be safe for
// concurrent use; setters are expected to take effect on the playback
// engine's own thread before returning.
type Source interface {
	// Volume returns the current linear gain.
	Volume() float64

	// SetVolume sets the linear gain.
	SetVolume(v float64) error

	// Position returns the current playback position.
	Position() time.Duration

	// SetPosition seeks to p.
	SetPosition(p time.Duration) error

	// Duration returns the total length of the current utterance, or 0 when
	// unknown (live streams).
	Duration() time.Duration

	// Playing reports whether audio is currently being rendered.
	Playing() bool

	// Play starts or continues playback from the current position.
	Play() error

	// Pause halts playback, keeping the position.
	Pause() error

	// Stop halts playback.
	Stop() error
}

// GainRamper is implemented by sources that can ramp gain on their own
// playback thread. The call schedules the ramp and returns immediately.
// Sources without it get a manually time-stepped ramp.
type GainRamper interface {
	RampVolume(target float64, over time.Duration) error
}

// MidStreamResumer is implemented by sources that know whether they can
// continue from the paused position. A source reporting false is paused by
// stopping it and later replayed from the snapshotted position.
type MidStreamResumer interface {
	CanResumeMidStream() bool
}

// SourceState is the interruption-cycle state of a registered source.
type SourceState int

const (
	// SourcePlaying is the initial state of a cycle.
	SourcePlaying SourceState = iota

	// SourceDucked means the gain was attenuated by an interruption.
	SourceDucked

	// SourcePaused means playback was halted with a position snapshot.
	SourcePaused

	// SourceStopped means playback was reset to the beginning. It ends the
	// cycle.
	SourceStopped
)

// String returns the lowercase state name.
func (s SourceState) String() string {
	switch s {
	case SourcePlaying:
		return "playing"
	case SourceDucked:
		return "ducked"
	case SourcePaused:
		return "paused"
	case SourceStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
