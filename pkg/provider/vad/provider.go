// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine turns a stream of fixed-duration audio frames into debounced
// speech/no-speech decisions. Each session keeps its own state (smoothing,
// hysteresis, consecutive-frame counters, a bounded latency history) so that
// multiple concurrent streams can be processed independently.
//
// VAD is synchronous: ProcessFrame returns the decision for the frame it was
// given, which keeps the decision on the audio-rate goroutine and out of the
// scheduler's way.
//
// Implementations must be safe for concurrent use across different sessions.
// A SessionHandle is driven by a single goroutine; only Reconfigure, Config and
// State may be called concurrently with ProcessFrame.
package vad

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/bargein/pkg/audio"
)

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the expected audio sample rate in Hz. Frames at other rates
	// are still processed; the rate only matters for spectral features.
	SampleRate int

	// FrameSize is the nominal frame period. It is used when a frame's own
	// duration cannot be derived from its payload. Default 20ms.
	FrameSize time.Duration

	// EnergyThreshold is the smoothed RMS level (normalised to [0,1]) at or
	// above which a frame counts as speech. Default 0.01.
	EnergyThreshold float64

	// Smoothing is the weight of the previous smoothed energy in the
	// exponential moving average, in [0,1]. 0 disables smoothing. Default 0.3.
	Smoothing float64

	// Hang keeps the decision active after energy falls below the threshold.
	// Default 50ms.
	Hang time.Duration

	// MinSpeechDuration suppresses speech bursts shorter than this before they
	// are exposed. Default 40ms.
	MinSpeechDuration time.Duration

	// ZCRGate enables the zero-crossing-rate gate. Frames whose crossing rate
	// (crossings per sample) falls outside [ZCRMin, ZCRMax] are never speech.
	ZCRGate bool
	ZCRMin  float64
	ZCRMax  float64

	// Spectral enables the spectral-feature pass (centroid, rolloff, flux)
	// that refines confidence. It costs CPU per frame.
	Spectral bool

	// MaxDecisionLatency is the per-frame decision budget measured from frame
	// arrival. Exceeding it marks the decision as LatencyExceeded. Default 20ms.
	MaxDecisionLatency time.Duration

	// HistorySize bounds the per-session latency history. Default 100.
	HistorySize int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate:         16000,
		FrameSize:          20 * time.Millisecond,
		EnergyThreshold:    0.01,
		Smoothing:          0.3,
		Hang:               50 * time.Millisecond,
		MinSpeechDuration:  40 * time.Millisecond,
		ZCRMin:             0.02,
		ZCRMax:             0.45,
		MaxDecisionLatency: 20 * time.Millisecond,
		HistorySize:        100,
	}
}

// Validate reports every out-of-range field.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample_rate %d must be positive", c.SampleRate))
	}
	if c.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("vad: frame_size %v must be positive", c.FrameSize))
	}
	if c.EnergyThreshold <= 0 || c.EnergyThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: energy_threshold %v must be in (0,1]", c.EnergyThreshold))
	}
	if c.Smoothing < 0 || c.Smoothing > 1 {
		errs = append(errs, fmt.Errorf("vad: smoothing %v must be in [0,1]", c.Smoothing))
	}
	if c.Hang < 0 {
		errs = append(errs, fmt.Errorf("vad: hang %v must not be negative", c.Hang))
	}
	if c.MinSpeechDuration < 0 {
		errs = append(errs, fmt.Errorf("vad: min_speech_duration %v must not be negative", c.MinSpeechDuration))
	}
	if c.ZCRMin < 0 || c.ZCRMax > 1 || c.ZCRMin > c.ZCRMax {
		errs = append(errs, fmt.Errorf("vad: zcr range [%v,%v] must satisfy 0 <= min <= max <= 1", c.ZCRMin, c.ZCRMax))
	}
	if c.MaxDecisionLatency <= 0 {
		errs = append(errs, fmt.Errorf("vad: max_decision_latency %v must be positive", c.MaxDecisionLatency))
	}
	if c.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("vad: history_size %d must be at least 1", c.HistorySize))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream. It
// is an interface so that test code can supply mock implementations without a
// live engine.
type SessionHandle interface {
	// ProcessFrame classifies one frame. arrived is the wall-clock time the
	// frame reached the pipeline; decision latency is measured from it.
	// Returns an error if the frame is malformed or the session is closed.
	//
	// ProcessFrame must not block.
	ProcessFrame(frame audio.AudioFrame, arrived time.Time) (Decision, error)

	// Reconfigure swaps the session configuration without restarting it.
	// Invalid configurations are rejected and the old one stays in effect.
	Reconfigure(cfg Config) error

	// Config returns the configuration currently in effect.
	Config() Config

	// State returns a snapshot of the session counters and latency history.
	State() SessionState

	// Reset clears smoothing, hysteresis, and counters without closing the
	// session.
	Reset()

	// Close releases the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a session with the given configuration. Returns an
	// error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("vad: session closed")
