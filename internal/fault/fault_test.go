package fault_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/MrWong99/bargein/internal/fault"
)

var errMic = errors.New("microphone permission denied")

func TestError_IsSentinelAndCause(t *testing.T) {
	t.Parallel()

	err := fault.New(fault.VADFailed, "pipeline.start", errMic)
	wrapped := fmt.Errorf("session: start: %w", err)

	if !errors.Is(wrapped, fault.ErrVADFailed) {
		t.Error("errors.Is(ErrVADFailed) = false, want true")
	}
	if !errors.Is(wrapped, errMic) {
		t.Error("errors.Is(cause) = false, want true")
	}
	if errors.Is(wrapped, fault.ErrConfigInvalid) {
		t.Error("errors.Is(ErrConfigInvalid) = true, want false")
	}

	kind, ok := fault.KindOf(wrapped)
	if !ok || kind != fault.VADFailed {
		t.Errorf("KindOf = %v, %v; want VADFailed, true", kind, ok)
	}
}

func TestError_Message(t *testing.T) {
	t.Parallel()

	err := fault.New(fault.TTSInterruptFailed, "interrupt.duck", errors.New("device busy")).WithSource("tts-1")
	msg := err.Error()
	for _, want := range []string{"interrupt.duck", "TTSInterruptFailed", "tts-1", "device busy"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q does not contain %q", msg, want)
		}
	}
}

func TestKind_Severity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind fault.Kind
		want fault.Severity
	}{
		{fault.VADFailed, fault.Fatal},
		{fault.LatencyExceeded, fault.Soft},
		{fault.TTSInterruptFailed, fault.Recoverable},
		{fault.ConfigInvalid, fault.Recoverable},
		{fault.CapabilityUnavailable, fault.Recoverable},
	}
	for _, tc := range tests {
		if got := tc.kind.Severity(); got != tc.want {
			t.Errorf("%v.Severity() = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestKindOf_PlainError(t *testing.T) {
	t.Parallel()

	if _, ok := fault.KindOf(errMic); ok {
		t.Error("KindOf(plain error) reported ok")
	}
}
