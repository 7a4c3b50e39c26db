// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script Decision responses and inspect the frames that were
// submitted for processing.
//
// Example:
//
//	sess := &mock.Session{
//	    Decisions: []vad.Decision{{Active: true, Confidence: 0.9}},
//	}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/bargein/pkg/audio"
	"github.com/MrWong99/bargein/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Calls returns a copy of the recorded NewSession calls. Thread-safe.
func (e *Engine) Calls() []NewSessionCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]NewSessionCall(nil), e.NewSessionCalls...)
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// ProcessFrameCall records a single invocation of Session.ProcessFrame.
type ProcessFrameCall struct {
	Frame   audio.AudioFrame
	Arrived time.Time
}

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Decisions are returned by successive ProcessFrame calls. Once exhausted
	// the last one repeats; with none, a zero Decision is returned. Arrived,
	// Sequence, and FrameDuration are filled in from the call.
	Decisions []vad.Decision

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// ReconfigureErr, if non-nil, is returned by Reconfigure.
	ReconfigureErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// Cfg is returned by Config and replaced by successful Reconfigure calls.
	Cfg vad.Config

	// --- Call records ---

	ProcessFrameCalls []ProcessFrameCall
	ReconfigureCalls  []vad.Config
	ResetCallCount    int
	CloseCallCount    int

	next int
}

// ProcessFrame records the call and returns the next scripted decision.
func (s *Session) ProcessFrame(frame audio.AudioFrame, arrived time.Time) (vad.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcessFrameCalls = append(s.ProcessFrameCalls, ProcessFrameCall{Frame: frame, Arrived: arrived})
	if s.ProcessFrameErr != nil {
		return vad.Decision{}, s.ProcessFrameErr
	}
	var d vad.Decision
	if len(s.Decisions) > 0 {
		d = s.Decisions[min(s.next, len(s.Decisions)-1)]
		s.next++
	}
	d.Arrived = arrived
	d.Sequence = frame.Sequence
	d.FrameTimestamp = frame.Timestamp
	if d.FrameDuration == 0 {
		d.FrameDuration = frame.Duration()
	}
	return d, nil
}

// Reconfigure records the call and stores cfg unless ReconfigureErr is set.
func (s *Session) Reconfigure(cfg vad.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReconfigureCalls = append(s.ReconfigureCalls, cfg)
	if s.ReconfigureErr != nil {
		return s.ReconfigureErr
	}
	s.Cfg = cfg
	return nil
}

// Config returns Cfg.
func (s *Session) Config() vad.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Cfg
}

// State returns a snapshot derived from the recorded calls.
func (s *Session) State() vad.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return vad.SessionState{Frames: uint64(len(s.ProcessFrameCalls))}
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// FrameCount returns how many frames were processed. Thread-safe.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ProcessFrameCalls)
}

// LastReconfigure returns the most recent Reconfigure argument.
func (s *Session) LastReconfigure() (vad.Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ReconfigureCalls) == 0 {
		return vad.Config{}, false
	}
	return s.ReconfigureCalls[len(s.ReconfigureCalls)-1], true
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)
