// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Capture] for unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	src := mock.NewSource(1.0)
//	src.PlayingResult = true
//	mgr.Register("tts-1", src)
//	...
//	if src.CallCountPause != 1 { ... }
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/bargein/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Volume, position, and
// the playing flag behave like a real player: setters update what the getters
// return, Pause/Stop clear PlayingResult and Play sets it.
type Source struct {
	mu sync.Mutex

	// VolumeResult is the current gain.
	VolumeResult float64

	// PositionResult is the current playback position.
	PositionResult time.Duration

	// DurationResult is returned by Duration.
	DurationResult time.Duration

	// PlayingResult is returned by Playing.
	PlayingResult bool

	// SetVolumeErr, PauseErr, StopErr, PlayErr, SetPositionErr are returned by
	// the corresponding methods. A failing call does not change state.
	SetVolumeErr   error
	SetPositionErr error
	PlayErr        error
	PauseErr       error
	StopErr        error

	// SetVolumeDelay is slept before every SetVolume, simulating a slow
	// playback engine.
	SetVolumeDelay time.Duration

	// VolumeHistory records every value passed to a successful SetVolume.
	VolumeHistory []float64

	// PositionHistory records every value passed to a successful SetPosition.
	PositionHistory []time.Duration

	CallCountSetVolume   int
	CallCountSetPosition int
	CallCountPlay        int
	CallCountPause       int
	CallCountStop        int
}

// NewSource returns a playing Source at the given volume.
func NewSource(volume float64) *Source {
	return &Source{VolumeResult: volume, PlayingResult: true}
}

// Volume returns VolumeResult.
func (s *Source) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.VolumeResult
}

// SetVolume records the call and updates VolumeResult unless SetVolumeErr is set.
func (s *Source) SetVolume(v float64) error {
	s.mu.Lock()
	delay := s.SetVolumeDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountSetVolume++
	if s.SetVolumeErr != nil {
		return s.SetVolumeErr
	}
	s.VolumeResult = v
	s.VolumeHistory = append(s.VolumeHistory, v)
	return nil
}

// Position returns PositionResult.
func (s *Source) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PositionResult
}

// SetPosition records the call and updates PositionResult unless SetPositionErr is set.
func (s *Source) SetPosition(p time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountSetPosition++
	if s.SetPositionErr != nil {
		return s.SetPositionErr
	}
	s.PositionResult = p
	s.PositionHistory = append(s.PositionHistory, p)
	return nil
}

// Duration returns DurationResult.
func (s *Source) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.DurationResult
}

// Playing returns PlayingResult.
func (s *Source) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PlayingResult
}

// Play records the call and sets PlayingResult unless PlayErr is set.
func (s *Source) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountPlay++
	if s.PlayErr != nil {
		return s.PlayErr
	}
	s.PlayingResult = true
	return nil
}

// Pause records the call and clears PlayingResult unless PauseErr is set.
func (s *Source) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountPause++
	if s.PauseErr != nil {
		return s.PauseErr
	}
	s.PlayingResult = false
	return nil
}

// Stop records the call and clears PlayingResult unless StopErr is set.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	if s.StopErr != nil {
		return s.StopErr
	}
	s.PlayingResult = false
	return nil
}

// SetPlaying sets PlayingResult. Thread-safe.
func (s *Source) SetPlaying(p bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PlayingResult = p
}

// Snapshot returns a copy of the recorded state under the lock so tests can
// inspect it while timers are still running.
func (s *Source) Snapshot() Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Source{
		VolumeResult:         s.VolumeResult,
		PositionResult:       s.PositionResult,
		DurationResult:       s.DurationResult,
		PlayingResult:        s.PlayingResult,
		VolumeHistory:        append([]float64(nil), s.VolumeHistory...),
		PositionHistory:      append([]time.Duration(nil), s.PositionHistory...),
		CallCountSetVolume:   s.CallCountSetVolume,
		CallCountSetPosition: s.CallCountSetPosition,
		CallCountPlay:        s.CallCountPlay,
		CallCountPause:       s.CallCountPause,
		CallCountStop:        s.CallCountStop,
	}
}

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

// RampSource is a [Source] that also implements [audio.GainRamper]. Ramps are
// applied instantly and recorded.
type RampSource struct {
	*Source

	rampMu sync.Mutex

	// Ramps records every RampVolume call.
	Ramps []Ramp

	// RampErr is returned by RampVolume.
	RampErr error
}

// Ramp records a single RampVolume call.
type Ramp struct {
	Target float64
	Over   time.Duration
}

// NewRampSource returns a playing RampSource at the given volume.
func NewRampSource(volume float64) *RampSource {
	return &RampSource{Source: NewSource(volume)}
}

// RampVolume records the call and jumps straight to target.
func (r *RampSource) RampVolume(target float64, over time.Duration) error {
	r.rampMu.Lock()
	r.Ramps = append(r.Ramps, Ramp{Target: target, Over: over})
	err := r.RampErr
	r.rampMu.Unlock()
	if err != nil {
		return err
	}
	return r.SetVolume(target)
}

// RampCalls returns a copy of the recorded ramps.
func (r *RampSource) RampCalls() []Ramp {
	r.rampMu.Lock()
	defer r.rampMu.Unlock()
	return append([]Ramp(nil), r.Ramps...)
}

var _ audio.GainRamper = (*RampSource)(nil)

// OneShotSource is a [Source] that cannot resume mid-stream.
type OneShotSource struct {
	*Source
}

// NewOneShotSource returns a playing OneShotSource at the given volume.
func NewOneShotSource(volume float64) *OneShotSource {
	return &OneShotSource{Source: NewSource(volume)}
}

// CanResumeMidStream always reports false.
func (*OneShotSource) CanResumeMidStream() bool { return false }

var _ audio.MidStreamResumer = (*OneShotSource)(nil)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.Capture]. Frames sent on Frames
// are delivered to the channel returned by Start. Closing Frames ends the
// stream.
type Capture struct {
	mu sync.Mutex

	// Frames feeds the stream returned by Start. If nil, Start creates an
	// unbuffered channel that the test can reach through FramesIn.
	Frames chan audio.AudioFrame

	// CapabilitiesResult is returned by Capabilities.
	CapabilitiesResult audio.Capabilities

	// CapabilitiesErr is returned by Capabilities.
	CapabilitiesErr error

	// StartErrs are returned by successive Start calls; once exhausted Start
	// succeeds.
	StartErrs []error

	// CloseErr is returned by Close.
	CloseErr error

	CallCountCapabilities int
	CallCountStart        int
	CallCountClose        int
}

// Capabilities records the call and returns CapabilitiesResult, CapabilitiesErr.
func (c *Capture) Capabilities(_ context.Context) (audio.Capabilities, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountCapabilities++
	return c.CapabilitiesResult, c.CapabilitiesErr
}

// Start records the call and returns Frames, or the next queued StartErr.
func (c *Capture) Start(_ context.Context) (<-chan audio.AudioFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	if len(c.StartErrs) > 0 {
		err := c.StartErrs[0]
		c.StartErrs = c.StartErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if c.Frames == nil {
		c.Frames = make(chan audio.AudioFrame)
	}
	return c.Frames, nil
}

// FramesIn returns the send side of the stream, creating it when needed.
func (c *Capture) FramesIn() chan<- audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Frames == nil {
		c.Frames = make(chan audio.AudioFrame)
	}
	return c.Frames
}

// Reopen replaces the stream with a fresh channel so that the next Start
// delivers frames again after the previous stream was closed.
func (c *Capture) Reopen() chan<- audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Frames = make(chan audio.AudioFrame)
	return c.Frames
}

// Close records the call and returns CloseErr.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	return c.CloseErr
}

// Calls returns the recorded call counts (capabilities, start, close).
func (c *Capture) Calls() (capabilities, start, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountCapabilities, c.CallCountStart, c.CallCountClose
}

var _ audio.Capture = (*Capture)(nil)
