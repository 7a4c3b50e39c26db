// Package fault defines the error taxonomy shared by every barge-in
// component.
//
// Each [Kind] has a sentinel error so callers can branch with [errors.Is]:
//
//	if errors.Is(err, fault.ErrVADFailed) { ... }
//
// A [*Error] carries the kind, the failing operation, an optional playback
// source id, and the underlying cause. It unwraps to both the kind sentinel
// and the cause.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure.
type Kind int

const (
	// VADFailed is fatal to VAD startup and triggers fallback.
	VADFailed Kind = iota + 1

	// LatencyExceeded is a soft latency budget overshoot. It is reported and
	// may trigger auto-optimization.
	LatencyExceeded

	// TTSInterruptFailed is a per-source, recoverable interruption failure.
	TTSInterruptFailed

	// ConfigInvalid is returned synchronously when a configuration update is
	// rejected.
	ConfigInvalid

	// CapabilityUnavailable drives tier selection.
	CapabilityUnavailable
)

// Sentinel errors, one per [Kind].
var (
	ErrVADFailed             = errors.New("vad failed")
	ErrLatencyExceeded       = errors.New("latency exceeded")
	ErrTTSInterruptFailed    = errors.New("tts interrupt failed")
	ErrConfigInvalid         = errors.New("config invalid")
	ErrCapabilityUnavailable = errors.New("capability unavailable")
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case VADFailed:
		return "VADFailed"
	case LatencyExceeded:
		return "LatencyExceeded"
	case TTSInterruptFailed:
		return "TTSInterruptFailed"
	case ConfigInvalid:
		return "ConfigInvalid"
	case CapabilityUnavailable:
		return "CapabilityUnavailable"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Sentinel returns the sentinel error for k, or nil for an unknown kind.
func (k Kind) Sentinel() error {
	switch k {
	case VADFailed:
		return ErrVADFailed
	case LatencyExceeded:
		return ErrLatencyExceeded
	case TTSInterruptFailed:
		return ErrTTSInterruptFailed
	case ConfigInvalid:
		return ErrConfigInvalid
	case CapabilityUnavailable:
		return ErrCapabilityUnavailable
	}
	return nil
}

// Severity tells the host how loudly to surface a fault.
type Severity int

const (
	// Soft faults degrade silently (latency overshoot).
	Soft Severity = iota

	// Recoverable faults are recorded and the session continues.
	Recoverable

	// Fatal faults reject a start call or count toward a forced downgrade.
	Fatal
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case Soft:
		return "soft"
	case Recoverable:
		return "recoverable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Severity returns the default severity for k.
func (k Kind) Severity() Severity {
	switch k {
	case VADFailed:
		return Fatal
	case LatencyExceeded:
		return Soft
	default:
		return Recoverable
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind

	// Op names the operation that failed (e.g. "pipeline.start").
	Op string

	// SourceID is the playback source involved, if any.
	SourceID string

	// At is when the failure was observed.
	At time.Time

	// Err is the underlying cause. May be nil.
	Err error
}

// New returns an [*Error] of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, At: time.Now(), Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.SourceID != "" {
		msg += " (source " + e.SourceID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the cause to [errors.Is] and
// [errors.As].
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.Sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Severity returns the severity of the error's kind.
func (e *Error) Severity() Severity { return e.Kind.Severity() }

// WithSource sets SourceID and returns e.
func (e *Error) WithSource(id string) *Error {
	e.SourceID = id
	return e
}

// WithTime sets At and returns e. Components with an injected clock use it so
// fault timestamps follow that clock.
func (e *Error) WithTime(t time.Time) *Error {
	e.At = t
	return e
}

// KindOf reports the [Kind] of the first [*Error] in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}
