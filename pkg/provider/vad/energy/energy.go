// Package energy implements [vad.Engine] with a smoothed RMS energy detector.
//
// Per frame, the PCM payload is down-mixed to mono, its RMS level is folded
// into an exponential moving average, and the average is compared to the
// configured threshold. An optional zero-crossing-rate gate rejects tonal hum
// and broadband hiss; an optional spectral pass (centroid, rolloff, flux)
// refines the confidence. Hysteresis keeps the decision active for the hang
// time after energy drops, and bursts shorter than the minimum speech
// duration are suppressed.
package energy

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/bargein/internal/history"
	"github.com/MrWong99/bargein/pkg/audio"
	"github.com/MrWong99/bargein/pkg/provider/vad"
)

// spectralWeight is the share of confidence taken from the spectral score when
// the spectral pass is enabled.
const spectralWeight = 0.3

// ErrEmptyFrame is returned for frames without a payload.
var ErrEmptyFrame = errors.New("energy: empty frame")

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Option configures an [Engine].
type Option func(*Engine)

// WithClock sets the clock used for decision timestamps and latency. Tests use
// a fake clock.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// Engine creates energy VAD sessions.
type Engine struct {
	clock clockwork.Clock
}

// New returns an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession validates cfg and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	return e.newSession(cfg)
}

func (e *Engine) newSession(cfg vad.Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: new session: %w", err)
	}
	s := &Session{
		clock:   e.clock,
		latency: history.NewWindow(cfg.HistorySize),
	}
	s.cfg.Store(&cfg)
	return s, nil
}

// Session is a single-stream detector.
type Session struct {
	clock  clockwork.Clock
	cfg    atomic.Pointer[vad.Config]
	closed atomic.Bool

	// Frame-path state. Owned by the goroutine calling ProcessFrame.
	ema          float64
	speechRun    time.Duration // accumulated above-threshold audio
	silence      time.Duration // audio since the last above-threshold frame
	state        vad.State
	consecActive int
	consecIdle   int
	buf          []float64
	spec         spectrum
	spectralOn   bool

	// Snapshot state read by State().
	mu           sync.Mutex
	latency      *history.Window
	snapState    vad.State
	snapActive   int
	snapIdle     int
	lastDecision time.Time
	frames       uint64
	resetPending atomic.Bool
}

// ProcessFrame classifies one frame.
func (s *Session) ProcessFrame(frame audio.AudioFrame, arrived time.Time) (vad.Decision, error) {
	if s.closed.Load() {
		return vad.Decision{}, vad.ErrSessionClosed
	}
	if len(frame.Data) == 0 {
		return vad.Decision{}, ErrEmptyFrame
	}
	if s.resetPending.CompareAndSwap(true, false) {
		s.resetFramePath()
	}
	cfg := s.cfg.Load()

	s.buf = audio.AppendMonoSamples(s.buf, frame)
	level := rms(s.buf)
	s.ema = cfg.Smoothing*s.ema + (1-cfg.Smoothing)*level

	raw := s.ema >= cfg.EnergyThreshold
	if raw && cfg.ZCRGate {
		if z := zcr(s.buf); z < cfg.ZCRMin || z > cfg.ZCRMax {
			raw = false
		}
	}

	like := likelihood(s.ema, cfg.EnergyThreshold)
	if cfg.Spectral {
		if !s.spectralOn {
			s.spec.reset()
			s.spectralOn = true
		}
		rate := frame.SampleRate
		if rate <= 0 {
			rate = cfg.SampleRate
		}
		score := speechScore(s.spec.analyze(s.buf, rate))
		like = (1-spectralWeight)*like + spectralWeight*score
	} else {
		s.spectralOn = false
	}
	like = clamp01(like)

	dur := frame.Duration()
	if dur <= 0 {
		dur = cfg.FrameSize
	}
	s.advance(raw, dur, cfg)

	active := s.state.IsActive()
	if active {
		s.consecActive++
		s.consecIdle = 0
	} else {
		s.consecIdle++
		s.consecActive = 0
	}

	confidence := like
	if !active {
		confidence = 1 - like
	}

	now := s.clock.Now()
	lat := now.Sub(arrived)
	d := vad.Decision{
		Active:              active,
		Confidence:          clamp01(confidence),
		SpeechLikelihood:    like,
		Level:               level,
		State:               s.state,
		Timestamp:           now,
		Arrived:             arrived,
		Latency:             lat,
		LatencyExceeded:     lat > cfg.MaxDecisionLatency,
		FrameDuration:       dur,
		FrameTimestamp:      frame.Timestamp,
		Sequence:            frame.Sequence,
		ConsecutiveActive:   s.consecActive,
		ConsecutiveInactive: s.consecIdle,
	}

	s.mu.Lock()
	s.latency.Add(float64(lat))
	s.snapState = s.state
	s.snapActive = s.consecActive
	s.snapIdle = s.consecIdle
	s.lastDecision = now
	s.frames++
	s.mu.Unlock()

	return d, nil
}

// advance moves the hysteresis state machine by one frame of length dur.
func (s *Session) advance(raw bool, dur time.Duration, cfg *vad.Config) {
	if raw {
		s.speechRun += dur
		s.silence = 0
	} else {
		s.speechRun = 0
		s.silence += dur
	}

	switch {
	case raw && (s.state.IsActive() || s.speechRun >= cfg.MinSpeechDuration):
		s.state = vad.StateActive
	case raw:
		// Burst still shorter than the minimum speech duration.
		s.state = vad.StateInactive
	case s.state.IsActive() && s.silence <= cfg.Hang:
		s.state = vad.StateHangingActive
	default:
		s.state = vad.StateInactive
	}
}

// Reconfigure validates and swaps the configuration. The frame path picks it
// up on the next frame.
func (s *Session) Reconfigure(cfg vad.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("energy: reconfigure: %w", err)
	}
	old := s.cfg.Swap(&cfg)
	if old.HistorySize != cfg.HistorySize {
		s.mu.Lock()
		resized := history.NewWindow(cfg.HistorySize)
		for _, v := range s.latency.Values() {
			resized.Add(v)
		}
		s.latency = resized
		s.mu.Unlock()
	}
	return nil
}

// Config returns the configuration in effect.
func (s *Session) Config() vad.Config { return *s.cfg.Load() }

// State returns a snapshot of the counters and latency history.
func (s *Session) State() vad.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.latency.Percentiles(0.95)
	return vad.SessionState{
		State:                     s.snapState,
		ConsecutiveActiveFrames:   s.snapActive,
		ConsecutiveInactiveFrames: s.snapIdle,
		LastDecisionTime:          s.lastDecision,
		Frames:                    s.frames,
		LatencyMean:               time.Duration(s.latency.Mean()),
		LatencyP95:                time.Duration(ps[0]),
		LatencyMax:                time.Duration(s.latency.Max()),
	}
}

// Reset clears smoothing, hysteresis, and counters. The frame-path part is
// applied before the next frame so Reset may be called from any goroutine.
func (s *Session) Reset() {
	s.resetPending.Store(true)
	s.mu.Lock()
	s.latency.Reset()
	s.snapState = vad.StateInactive
	s.snapActive = 0
	s.snapIdle = 0
	s.mu.Unlock()
}

func (s *Session) resetFramePath() {
	s.ema = 0
	s.speechRun = 0
	s.silence = 0
	s.state = vad.StateInactive
	s.consecActive = 0
	s.consecIdle = 0
	s.spec.reset()
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}
