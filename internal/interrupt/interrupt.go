// Package interrupt controls registered playback sources when the user talks
// over synthesized speech.
//
// A [Manager] owns a registry of [audio.Source] adapters keyed by id. On
// [Manager.Interrupt] every playing source is ducked, paused, or stopped
// according to the configured [Mode]; [Manager.Resume] undoes ducking and
// pausing. Gain and pause changes are applied synchronously on the caller's
// goroutine. Only the cosmetic steps of a manual fade run on clock timers.
package interrupt

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/bargein/pkg/audio"
)

// Mode selects how a playing source is interrupted.
type Mode string

const (
	// ModeDuck fades the source down to DuckLevel × its original volume.
	ModeDuck Mode = "duck"

	// ModePause halts the source and keeps a position snapshot.
	ModePause Mode = "pause"

	// ModeStop halts the source and rewinds it to the beginning.
	ModeStop Mode = "stop"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeDuck, ModePause, ModeStop:
		return true
	}
	return false
}

// Reason records why an interruption or resume was requested.
type Reason string

const (
	ReasonBargeIn    Reason = "barge_in"
	ReasonAutoResume Reason = "auto_resume"
	ReasonManual     Reason = "manual"
	ReasonFallback   Reason = "fallback"
)

// Action is what was done to one source.
type Action string

const (
	ActionDuck    Action = "duck"
	ActionPause   Action = "pause"
	ActionStop    Action = "stop"
	ActionRestore Action = "restore" // ducked source faded back up
	ActionPlay    Action = "play"    // paused source resumed
)

// rampStep is the interval between manual fade steps.
const rampStep = 10 * time.Millisecond

// Config is an immutable snapshot of the manager settings.
type Config struct {
	// Mode is the interruption mode. Default: duck.
	Mode Mode

	// DuckLevel is the fraction of the original volume kept while ducked,
	// in [0, 1]. Default: 0.2.
	DuckLevel float64

	// FadeDuration is the length of the duck and restore fades. Zero applies
	// gain changes in one step. Default: 100ms.
	FadeDuration time.Duration

	// RateLimit collapses interrupt calls closer together than this into
	// no-ops. Default: 50ms.
	RateLimit time.Duration

	// LatencyBudget is the aggregate latency allowed for one interrupt call.
	// Default: 50ms.
	LatencyBudget time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Mode:          ModeDuck,
		DuckLevel:     0.2,
		FadeDuration:  100 * time.Millisecond,
		RateLimit:     50 * time.Millisecond,
		LatencyBudget: 50 * time.Millisecond,
	}
}

// Validate returns all problems with c joined together.
func (c Config) Validate() error {
	var errs []error
	if !c.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("mode %q is not one of duck, pause, stop", c.Mode))
	}
	if c.DuckLevel < 0 || c.DuckLevel > 1 {
		errs = append(errs, fmt.Errorf("duck_level %v out of range [0,1]", c.DuckLevel))
	}
	if c.FadeDuration < 0 {
		errs = append(errs, fmt.Errorf("fade_duration %v is negative", c.FadeDuration))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit %v is negative", c.RateLimit))
	}
	if c.LatencyBudget <= 0 {
		errs = append(errs, fmt.Errorf("latency_budget %v must be positive", c.LatencyBudget))
	}
	return errors.Join(errs...)
}

// SourceResult describes what happened to one source during an interrupt or
// resume call.
type SourceResult struct {
	ID      string
	Action  Action
	From    audio.SourceState
	To      audio.SourceState
	Latency time.Duration

	// Err is set when the action failed. The source keeps its previous state.
	Err error
}

// Result summarizes an interrupt or resume call.
type Result struct {
	Reason Reason
	Mode   Mode
	At     time.Time

	// RateLimited is true when the call arrived within the rate limit of the
	// previous applied interrupt and did nothing.
	RateLimited bool

	// Sources holds one entry per source that was acted on, including
	// failures. Sources that were not playing are only counted in Skipped.
	Sources []SourceResult
	Skipped int

	// Unknown lists requested ids that are not registered.
	Unknown []string

	// Latency is the aggregate time spent in the call.
	Latency        time.Duration
	BudgetExceeded bool
}

// Applied returns the number of sources whose action succeeded.
func (r Result) Applied() int {
	n := 0
	for _, s := range r.Sources {
		if s.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the number of sources whose action failed.
func (r Result) Failed() int { return len(r.Sources) - r.Applied() }

// Event is published once per affected source.
type Event struct {
	SourceResult
	Reason Reason
	At     time.Time
}
