// Package bargein decides when the user is talking over synthesized speech
// and coordinates the interruption.
//
// The [Orchestrator] consumes VAD decisions and runs a small state machine:
//
//	Idle → Triggering → Interrupted → Resuming → Idle
//
// A trigger requires the orchestrator to be enabled, at least one playback
// source to be playing, enough time since the previous trigger, and a
// confident, sustained active decision.
package bargein

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/bargein/internal/interrupt"
	"github.com/MrWong99/bargein/pkg/provider/vad"
)

var (
	// ErrNothingInterrupted is the cause of a failed event when no source was
	// acted on.
	ErrNothingInterrupted = errors.New("bargein: no source interrupted")

	// ErrRateLimited is the cause of a failed event when the interruption
	// manager collapsed the call.
	ErrRateLimited = errors.New("bargein: interruption rate limited")

	// ErrNotInterrupted is returned by a manual resume outside the
	// interrupted state.
	ErrNotInterrupted = errors.New("bargein: not interrupted")
)

// State is the orchestrator state.
type State int

const (
	StateIdle State = iota
	StateTriggering
	StateInterrupted
	StateResuming
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTriggering:
		return "triggering"
	case StateInterrupted:
		return "interrupted"
	case StateResuming:
		return "resuming"
	default:
		return "unknown"
	}
}

// ResumePolicy selects how an interrupted session returns to idle.
type ResumePolicy string

const (
	// ResumeAuto resumes once the user has been silent for ResumeDelay.
	ResumeAuto ResumePolicy = "auto"

	// ResumeManual waits for [Orchestrator.Resume].
	ResumeManual ResumePolicy = "manual"
)

// IsValid reports whether p is a known policy.
func (p ResumePolicy) IsValid() bool { return p == ResumeAuto || p == ResumeManual }

// Config is an immutable snapshot of the trigger and resume policy.
type Config struct {
	// Enabled turns the trigger on. Default: true.
	Enabled bool

	// MinConfidence is the lowest decision confidence that can trigger.
	// Default: 0.6.
	MinConfidence float64

	// MinConsecutiveActive is the number of consecutive active frames needed.
	// Default: 3.
	MinConsecutiveActive int

	// MinInterval is the least time between two triggers. Default: 500ms.
	MinInterval time.Duration

	// TargetLatency is the budget from frame arrival to interruption
	// completion. Default: 50ms.
	TargetLatency time.Duration

	// ResumePolicy defaults to auto.
	ResumePolicy ResumePolicy

	// ResumeDelay is the silence needed before an automatic resume.
	// Default: 800ms.
	ResumeDelay time.Duration

	// FramePeriod is used to turn inactive frame counts into time when a
	// decision does not carry its frame duration. Default: 20ms.
	FramePeriod time.Duration

	// ErrorLogSize bounds the error log kept in [Stats]. Default: 50.
	ErrorLogSize int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MinConfidence:        0.6,
		MinConsecutiveActive: 3,
		MinInterval:          500 * time.Millisecond,
		TargetLatency:        50 * time.Millisecond,
		ResumePolicy:         ResumeAuto,
		ResumeDelay:          800 * time.Millisecond,
		FramePeriod:          20 * time.Millisecond,
		ErrorLogSize:         50,
	}
}

// Validate returns all problems with c joined together.
func (c Config) Validate() error {
	var errs []error
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("min_confidence %v out of range [0,1]", c.MinConfidence))
	}
	if c.MinConsecutiveActive < 1 {
		errs = append(errs, fmt.Errorf("min_consecutive_active %d must be at least 1", c.MinConsecutiveActive))
	}
	if c.MinInterval < 0 {
		errs = append(errs, fmt.Errorf("min_interval %v is negative", c.MinInterval))
	}
	if c.TargetLatency <= 0 {
		errs = append(errs, fmt.Errorf("target_latency %v must be positive", c.TargetLatency))
	}
	if !c.ResumePolicy.IsValid() {
		errs = append(errs, fmt.Errorf("resume_policy %q is not auto or manual", c.ResumePolicy))
	}
	if c.ResumeDelay < 0 {
		errs = append(errs, fmt.Errorf("resume_delay %v is negative", c.ResumeDelay))
	}
	if c.FramePeriod <= 0 {
		errs = append(errs, fmt.Errorf("frame_period %v must be positive", c.FramePeriod))
	}
	if c.ErrorLogSize < 1 {
		errs = append(errs, fmt.Errorf("error_log_size %d must be at least 1", c.ErrorLogSize))
	}
	return errors.Join(errs...)
}

// Interrupter is the part of the interruption manager the orchestrator
// drives. [*interrupt.Manager] implements it.
type Interrupter interface {
	AnyPlaying() bool
	Interrupt(reason interrupt.Reason, ids ...string) (interrupt.Result, error)
	Resume(reason interrupt.Reason, ids ...string) (interrupt.Result, error)
}

var _ Interrupter = (*interrupt.Manager)(nil)

// EventType classifies a barge-in event.
type EventType string

const (
	EventDetected EventType = "detected"
	EventFailed   EventType = "failed"
)

// Latencies breaks down where the reaction time went.
type Latencies struct {
	// VAD is frame arrival to decision.
	VAD time.Duration

	// TTS is the time the interruption manager spent.
	TTS time.Duration

	// Total is frame arrival to interruption completion.
	Total time.Duration
}

// Event is published for every trigger.
type Event struct {
	Type      EventType
	At        time.Time
	Decision  vad.Decision
	Result    *interrupt.Result
	Latencies Latencies

	// Err is set for failed events.
	Err error
}

// ErrorRecord is one entry of the bounded error log.
type ErrorRecord struct {
	At  time.Time
	Op  string
	Err error
}

// Stats is a snapshot of the orchestrator counters.
type Stats struct {
	State             State
	Triggers          int
	Detected          int
	Failed            int
	Resumes           int
	LatencyBreaches   int
	InterruptFailures int

	// Latency summarises Total latency of detected events.
	LatencyMean time.Duration
	LatencyMin  time.Duration
	LatencyMax  time.Duration

	// LastTrigger is the zero time before the first trigger.
	LastTrigger time.Time

	// Errors holds the most recent errors, oldest first.
	Errors []ErrorRecord
}
