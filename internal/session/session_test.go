package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/bargein/internal/bargein"
	"github.com/MrWong99/bargein/internal/config"
	"github.com/MrWong99/bargein/internal/event"
	"github.com/MrWong99/bargein/internal/fault"
	"github.com/MrWong99/bargein/internal/interrupt"
	"github.com/MrWong99/bargein/internal/pipeline"
	"github.com/MrWong99/bargein/internal/resilience"
	"github.com/MrWong99/bargein/internal/session"
	"github.com/MrWong99/bargein/pkg/audio"
	audiomock "github.com/MrWong99/bargein/pkg/audio/mock"
	"github.com/MrWong99/bargein/pkg/provider/vad"
	vadmock "github.com/MrWong99/bargein/pkg/provider/vad/mock"
)

var speech = vad.Decision{
	Active:            true,
	Confidence:        0.9,
	SpeechLikelihood:  0.9,
	State:             vad.StateActive,
	ConsecutiveActive: 5,
}

type fixture struct {
	s        *session.Session
	capture  *audiomock.Capture
	detector *vadmock.Session
	clk      *clockwork.FakeClock
}

// newFixture builds a session over a real-time capture that probes into the
// full tier. setup may adjust the config and mocks before construction.
func newFixture(t *testing.T, setup func(*config.Config, *audiomock.Capture, *vadmock.Session)) fixture {
	t.Helper()
	cfg := config.Default()
	cfg.VAD.Spectral = true
	cfg.Session.RestartInitial = time.Millisecond
	cfg.Session.RestartMax = 2 * time.Millisecond

	f := fixture{
		capture: &audiomock.Capture{
			Frames: make(chan audio.AudioFrame, 16),
			CapabilitiesResult: audio.Capabilities{
				SampleRates:     []int{16000},
				RealTime:        true,
				BaselineLatency: 5 * time.Millisecond,
			},
		},
		detector: &vadmock.Session{Decisions: []vad.Decision{speech}},
		clk:      clockwork.NewFakeClock(),
	}
	if setup != nil {
		setup(cfg, f.capture, f.detector)
	}
	s, err := session.New(cfg, &vadmock.Engine{Session: f.detector}, f.capture, session.WithClock(f.clk))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	f.s = s
	return f
}

func frame(seq uint64) audio.AudioFrame {
	return audio.AudioFrame{
		Data:       make([]byte, 640),
		SampleRate: 16000,
		Channels:   1,
		Timestamp:  time.Duration(seq) * 20 * time.Millisecond,
		Sequence:   seq,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func recv[T any](t *testing.T, q *event.Queue[T]) T {
	t.Helper()
	select {
	case v := <-q.C():
		return v
	case <-time.After(2 * time.Second):
		var zero T
		t.Fatal("timed out waiting for event")
		return zero
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Interrupt.DuckLevel = 3
	_, err := session.New(cfg, &vadmock.Engine{}, &audiomock.Capture{})
	if !errors.Is(err, fault.ErrConfigInvalid) {
		t.Fatalf("New = %v, want ConfigInvalid", err)
	}
}

func TestNew_DetectorFailure(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	_, err := session.New(config.Default(), &vadmock.Engine{NewSessionErr: errors.New("no model")}, &audiomock.Capture{},
		session.WithClock(clk))
	if !errors.Is(err, fault.ErrVADFailed) {
		t.Fatalf("New = %v, want VADFailed", err)
	}
	var fe *fault.Error
	if !errors.As(err, &fe) {
		t.Fatalf("New = %T, want a *fault.Error in the chain", err)
	}
	if !fe.At.Equal(clk.Now()) {
		t.Errorf("fault time = %v, want session clock %v", fe.At, clk.Now())
	}
}

func TestStart_FullTierBargeIn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	src := audiomock.NewSource(1.0)
	if err := f.s.RegisterSource("tts", src); err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	if err := f.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !f.s.Running() {
		t.Error("Running = false after Start")
	}
	if err := f.s.Start(context.Background()); !errors.Is(err, session.ErrRunning) {
		t.Errorf("second Start = %v, want ErrRunning", err)
	}

	if got := f.s.Mode().Tier; got != resilience.TierFull {
		t.Fatalf("tier = %v, want full", got)
	}
	want := session.Shape{Tier: resilience.TierFull, Spectral: true, FrameBatch: 1, BargeIn: true}
	if got := f.s.Shape(); got != want {
		t.Errorf("shape = %+v, want %+v", got, want)
	}
	if change := recv(t, f.s.Events().ModeChanged); change.To.Tier != resilience.TierFull {
		t.Errorf("mode change to %v, want full", change.To.Tier)
	}

	f.capture.Frames <- frame(1)
	ev := recv(t, f.s.Events().BargeIn)
	if ev.Type != bargein.EventDetected {
		t.Fatalf("barge-in type = %s (err %v), want detected", ev.Type, ev.Err)
	}
	if ev.Result == nil || ev.Result.Applied() != 1 {
		t.Errorf("result = %+v, want one applied source", ev.Result)
	}
	if intr := recv(t, f.s.Events().TTSInterrupted); intr.ID != "tts" || intr.Reason != interrupt.ReasonBargeIn {
		t.Errorf("interrupt event = %+v", intr)
	}
	if st := f.s.BargeInStats(); st.Detected != 1 {
		t.Errorf("Detected = %d, want 1", st.Detected)
	}
}

func TestStart_NoUsableTier(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(_ *config.Config, c *audiomock.Capture, _ *vadmock.Session) {
		c.CapabilitiesErr = errors.New("no microphone")
	})
	err := f.s.Start(context.Background())
	if !errors.Is(err, fault.ErrCapabilityUnavailable) {
		t.Fatalf("Start = %v, want CapabilityUnavailable", err)
	}
	if f.s.Running() {
		t.Error("session running after failed start")
	}
	if _, starts, _ := f.capture.Calls(); starts != 0 {
		t.Errorf("capture started %d times, want 0", starts)
	}
	errs := f.s.Errors()
	if len(errs) != 1 || errs[0].Kind != fault.CapabilityUnavailable {
		t.Errorf("error log = %v", errs)
	}
	if fe := recv(t, f.s.Events().Errors); fe.Kind != fault.CapabilityUnavailable {
		t.Errorf("host error = %v", fe)
	}
}

func TestStart_PermissionDenied(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(_ *config.Config, c *audiomock.Capture, _ *vadmock.Session) {
		c.StartErrs = []error{audio.ErrPermissionDenied}
	})
	err := f.s.Start(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Start = %v, want permission denied", err)
	}
	if _, starts, _ := f.capture.Calls(); starts != 1 {
		t.Errorf("capture started %d times, want 1", starts)
	}
	errs := f.s.Errors()
	if len(errs) == 0 || errs[len(errs)-1].Kind != fault.VADFailed {
		t.Errorf("error log = %v, want trailing VADFailed", errs)
	}
}

func TestStart_RetriesTransientCaptureFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(_ *config.Config, c *audiomock.Capture, _ *vadmock.Session) {
		c.StartErrs = []error{errors.New("device busy")}
	})
	if err := f.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, starts, _ := f.capture.Calls(); starts != 2 {
		t.Errorf("capture started %d times, want 2", starts)
	}
}

func TestCaptureEndRestartsPipeline(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	if err := f.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	old := f.capture.Frames
	next := f.capture.Reopen()
	close(old)

	waitFor(t, "restart", func() bool { return f.s.Restarts() == 1 })

	var sawEnd bool
	for _, fe := range f.s.Errors() {
		if errors.Is(fe, pipeline.ErrCaptureEnded) {
			sawEnd = true
		}
	}
	if !sawEnd {
		t.Errorf("error log %v lacks capture end", f.s.Errors())
	}

	select {
	case next <- frame(1):
	case <-time.After(2 * time.Second):
		t.Fatal("restarted pipeline is not reading frames")
	}
	waitFor(t, "frame processed", func() bool { return f.s.PipelineStats().Frames >= 1 })
}

func TestDetectorErrorsDowngradeTier(t *testing.T) {
	t.Parallel()

	// A failing detector also fails the latency probe, so the session starts
	// in the minimal tier with four frames per decision.
	f := newFixture(t, func(_ *config.Config, _ *audiomock.Capture, d *vadmock.Session) {
		d.ProcessFrameErr = errors.New("malformed frame")
	})
	if err := f.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	want := session.Shape{Tier: resilience.TierMinimal, FrameBatch: 4, BargeIn: true}
	if got := f.s.Shape(); got != want {
		t.Fatalf("shape = %+v, want %+v", got, want)
	}

	for i := range 12 {
		f.capture.Frames <- frame(uint64(i + 1))
	}
	waitFor(t, "downgrade", func() bool { return f.s.Shape().Tier == resilience.TierDisabled })

	got := f.s.Shape()
	if got.BargeIn || got.FrameBatch != 1 {
		t.Errorf("disabled shape = %+v", got)
	}
	if f.s.Mode().Tier != resilience.TierDisabled {
		t.Errorf("mode = %v, want disabled", f.s.Mode().Tier)
	}
}

func TestUpdate(t *testing.T) {
	t.Parallel()

	t.Run("rejects invalid", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		err := f.s.Update(func(c *config.Config) { c.BargeIn.MinConfidence = 2 })
		if !errors.Is(err, fault.ErrConfigInvalid) {
			t.Fatalf("Update = %v, want ConfigInvalid", err)
		}
		if got := f.s.Config().BargeIn.MinConfidence; got != 0.6 {
			t.Errorf("MinConfidence = %v after rejected update", got)
		}
	})

	t.Run("applies live", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		if err := f.s.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		err := f.s.Update(func(c *config.Config) {
			c.Interrupt.Mode = interrupt.ModeStop
			c.VAD.Spectral = false
			c.VAD.Hang = 80 * time.Millisecond
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if got := f.s.Config().Interrupt.Mode; got != interrupt.ModeStop {
			t.Errorf("interrupt mode = %s", got)
		}
		vcfg, ok := f.detector.LastReconfigure()
		if !ok || vcfg.Spectral || vcfg.Hang != 80*time.Millisecond {
			t.Errorf("detector config = %+v", vcfg)
		}
		if f.s.Shape().Spectral {
			t.Error("shape still spectral")
		}
	})
}

func TestStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	if err := f.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.s.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if f.s.Running() {
		t.Error("Running after Stop")
	}
	if _, _, closed := f.capture.Calls(); closed == 0 {
		t.Error("capture not closed")
	}
	if f.detector.CloseCallCount == 0 {
		t.Error("detector not closed")
	}
	if err := f.s.Start(context.Background()); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Start after Stop = %v, want ErrClosed", err)
	}
	if err := f.s.Update(func(*config.Config) {}); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Update after Stop = %v, want ErrClosed", err)
	}
}
