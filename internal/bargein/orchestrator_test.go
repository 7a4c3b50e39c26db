package bargein_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/bargein/internal/bargein"
	"github.com/MrWong99/bargein/internal/event"
	"github.com/MrWong99/bargein/internal/fault"
	"github.com/MrWong99/bargein/internal/interrupt"
	"github.com/MrWong99/bargein/pkg/audio/mock"
	"github.com/MrWong99/bargein/pkg/provider/vad"
)

// fakeInterrupter returns canned results.
type fakeInterrupter struct {
	mu         sync.Mutex
	playing    bool
	result     interrupt.Result
	err        error
	resumeErr  error
	interrupts int
	resumes    []interrupt.Reason
}

func (f *fakeInterrupter) AnyPlaying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *fakeInterrupter) Interrupt(reason interrupt.Reason, _ ...string) (interrupt.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	res := f.result
	res.Reason = reason
	return res, f.err
}

func (f *fakeInterrupter) Resume(reason interrupt.Reason, _ ...string) (interrupt.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes = append(f.resumes, reason)
	return interrupt.Result{Reason: reason}, f.resumeErr
}

func applied(n int) interrupt.Result {
	res := interrupt.Result{Mode: interrupt.ModeDuck}
	for range n {
		res.Sources = append(res.Sources, interrupt.SourceResult{ID: "tts", Action: interrupt.ActionDuck})
	}
	return res
}

type harness struct {
	orch   *bargein.Orchestrator
	clk    *clockwork.FakeClock
	events *event.Queue[bargein.Event]
	faults *event.Queue[*fault.Error]
}

func newHarness(t *testing.T, intr bargein.Interrupter, mutate func(*bargein.Config)) harness {
	t.Helper()
	cfg := bargein.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := harness{
		clk:    clockwork.NewFakeClock(),
		events: event.NewQueue[bargein.Event](32),
		faults: event.NewQueue[*fault.Error](32),
	}
	orch, err := bargein.New(cfg, intr,
		bargein.WithClock(h.clk),
		bargein.WithEvents(h.events),
		bargein.WithFaults(h.faults),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.orch = orch
	return h
}

// active returns a confident active decision that arrived now.
func (h harness) active(n int) vad.Decision {
	now := h.clk.Now()
	return vad.Decision{
		Active:            true,
		Confidence:        0.9,
		State:             vad.StateActive,
		Timestamp:         now,
		Arrived:           now,
		FrameDuration:     20 * time.Millisecond,
		ConsecutiveActive: n,
	}
}

func (h harness) inactive(n int, frame time.Duration) vad.Decision {
	now := h.clk.Now()
	return vad.Decision{
		State:               vad.StateInactive,
		Timestamp:           now,
		Arrived:             now,
		FrameDuration:       frame,
		ConsecutiveInactive: n,
	}
}

func drain[T any](q *event.Queue[T]) []T {
	var out []T
	for {
		select {
		case v := <-q.C():
			out = append(out, v)
		default:
			return out
		}
	}
}

func TestOrchestrator_SustainedSpeechTriggersOnce(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	icfg := interrupt.DefaultConfig()
	icfg.FadeDuration = 0
	mgr, err := interrupt.New(icfg, interrupt.WithClock(clk))
	if err != nil {
		t.Fatalf("interrupt.New: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	src := mock.NewSource(1.0)
	if err := mgr.Register("tts", src); err != nil {
		t.Fatalf("Register: %v", err)
	}

	events := event.NewQueue[bargein.Event](32)
	orch, err := bargein.New(bargein.DefaultConfig(), mgr,
		bargein.WithClock(clk), bargein.WithEvents(events))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := harness{orch: orch, clk: clk}

	for i := 1; i <= 10; i++ {
		orch.HandleDecision(context.Background(), h.active(i))
		clk.Advance(20 * time.Millisecond)
	}

	got := drain(events)
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	if got[0].Type != bargein.EventDetected {
		t.Errorf("type = %s, want detected", got[0].Type)
	}
	if got[0].Decision.ConsecutiveActive != 3 {
		t.Errorf("triggered at frame %d, want 3", got[0].Decision.ConsecutiveActive)
	}
	if v := src.Volume(); v != 0.2 {
		t.Errorf("volume = %v, want 0.2", v)
	}
	if s := orch.State(); s != bargein.StateInterrupted {
		t.Errorf("state = %s, want interrupted", s)
	}
}

func TestOrchestrator_TriggerPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		playing  bool
		mutate   func(*bargein.Config)
		decision func(h harness) vad.Decision
	}{
		{
			name:     "nothing playing",
			playing:  false,
			decision: func(h harness) vad.Decision { return h.active(5) },
		},
		{
			name:    "low confidence",
			playing: true,
			decision: func(h harness) vad.Decision {
				d := h.active(5)
				d.Confidence = 0.4
				return d
			},
		},
		{
			name:     "too few active frames",
			playing:  true,
			decision: func(h harness) vad.Decision { return h.active(2) },
		},
		{
			name:    "inactive decision",
			playing: true,
			decision: func(h harness) vad.Decision {
				d := h.active(5)
				d.Active = false
				return d
			},
		},
		{
			name:     "disabled",
			playing:  true,
			mutate:   func(c *bargein.Config) { c.Enabled = false },
			decision: func(h harness) vad.Decision { return h.active(5) },
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			intr := &fakeInterrupter{playing: tc.playing, result: applied(1)}
			h := newHarness(t, intr, tc.mutate)
			if ev := h.orch.HandleDecision(context.Background(), tc.decision(h)); ev != nil {
				t.Fatalf("unexpected event %+v", ev)
			}
			if intr.interrupts != 0 {
				t.Errorf("interrupts = %d, want 0", intr.interrupts)
			}
		})
	}
}

func TestOrchestrator_SetEnabledBlocksTrigger(t *testing.T) {
	t.Parallel()

	intr := &fakeInterrupter{playing: true, result: applied(1)}
	h := newHarness(t, intr, nil)
	h.orch.SetEnabled(false)
	if ev := h.orch.HandleDecision(context.Background(), h.active(5)); ev != nil {
		t.Fatal("triggered while disabled")
	}
	h.orch.SetEnabled(true)
	if ev := h.orch.HandleDecision(context.Background(), h.active(6)); ev == nil {
		t.Fatal("no trigger after re-enabling")
	}
}

func TestOrchestrator_FailedTriggers(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name   string
		result interrupt.Result
		err    error
		want   error
	}{
		{name: "error", err: boom, want: boom},
		{name: "rate limited", result: interrupt.Result{RateLimited: true}, want: bargein.ErrRateLimited},
		{name: "nothing applied", result: interrupt.Result{Skipped: 2}, want: bargein.ErrNothingInterrupted},
		{
			name: "all failed",
			result: interrupt.Result{Sources: []interrupt.SourceResult{
				{ID: "a", Err: boom},
			}},
			want: bargein.ErrNothingInterrupted,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			intr := &fakeInterrupter{playing: true, result: tc.result, err: tc.err}
			h := newHarness(t, intr, nil)

			ev := h.orch.HandleDecision(context.Background(), h.active(3))
			if ev == nil {
				t.Fatal("expected an event")
			}
			if ev.Type != bargein.EventFailed {
				t.Errorf("type = %s, want failed", ev.Type)
			}
			if !errors.Is(ev.Err, tc.want) {
				t.Errorf("err = %v, want %v", ev.Err, tc.want)
			}
			if s := h.orch.State(); s != bargein.StateIdle {
				t.Errorf("state = %s, want idle", s)
			}
			st := h.orch.Stats()
			if st.Failed != 1 || st.Detected != 0 || st.Triggers != 1 {
				t.Errorf("stats = %+v", st)
			}
			if len(st.Errors) != 1 || st.Errors[0].Op != "trigger" {
				t.Errorf("error log = %+v", st.Errors)
			}
		})
	}
}

func TestOrchestrator_MinInterval(t *testing.T) {
	t.Parallel()

	intr := &fakeInterrupter{playing: true, result: interrupt.Result{}}
	h := newHarness(t, intr, nil)
	ctx := context.Background()

	// A failed trigger returns to idle but still arms the interval.
	if ev := h.orch.HandleDecision(ctx, h.active(3)); ev == nil || ev.Type != bargein.EventFailed {
		t.Fatalf("first decision: %+v", ev)
	}
	h.clk.Advance(499 * time.Millisecond)
	if ev := h.orch.HandleDecision(ctx, h.active(4)); ev != nil {
		t.Fatal("triggered inside min interval")
	}
	h.clk.Advance(time.Millisecond)
	if ev := h.orch.HandleDecision(ctx, h.active(5)); ev == nil {
		t.Fatal("no trigger after min interval")
	}
	if intr.interrupts != 2 {
		t.Errorf("interrupts = %d, want 2", intr.interrupts)
	}
}

func TestOrchestrator_LatencyBreach(t *testing.T) {
	t.Parallel()

	intr := &fakeInterrupter{playing: true, result: applied(1)}
	h := newHarness(t, intr, nil)

	d := h.active(3)
	d.Arrived = h.clk.Now().Add(-80 * time.Millisecond)
	d.Latency = 5 * time.Millisecond
	ev := h.orch.HandleDecision(context.Background(), d)
	if ev == nil || ev.Type != bargein.EventDetected {
		t.Fatalf("event = %+v, want detected", ev)
	}
	if ev.Latencies.Total != 80*time.Millisecond {
		t.Errorf("total = %v, want 80ms", ev.Latencies.Total)
	}
	if ev.Latencies.VAD != 5*time.Millisecond {
		t.Errorf("vad = %v, want 5ms", ev.Latencies.VAD)
	}

	faults := drain(h.faults)
	if len(faults) != 1 || faults[0].Kind != fault.LatencyExceeded {
		t.Fatalf("faults = %+v, want one latency fault", faults)
	}
	st := h.orch.Stats()
	if st.LatencyBreaches != 1 {
		t.Errorf("breaches = %d, want 1", st.LatencyBreaches)
	}
	if st.LatencyMean != 80*time.Millisecond || st.LatencyMax != 80*time.Millisecond {
		t.Errorf("latency mean/max = %v/%v", st.LatencyMean, st.LatencyMax)
	}
}

func TestOrchestrator_AutoResume(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame time.Duration
		// frames is the first inactive count that reaches 800ms.
		frames int
	}{
		{name: "measured frame period", frame: 40 * time.Millisecond, frames: 20},
		{name: "configured frame period", frame: 0, frames: 40},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			intr := &fakeInterrupter{playing: true, result: applied(1)}
			h := newHarness(t, intr, nil)
			ctx := context.Background()

			if ev := h.orch.HandleDecision(ctx, h.active(3)); ev == nil {
				t.Fatal("no trigger")
			}
			for n := 1; n < tc.frames; n++ {
				h.orch.HandleDecision(ctx, h.inactive(n, tc.frame))
			}
			if s := h.orch.State(); s != bargein.StateInterrupted {
				t.Fatalf("state before delay = %s, want interrupted", s)
			}
			h.orch.HandleDecision(ctx, h.inactive(tc.frames, tc.frame))
			if s := h.orch.State(); s != bargein.StateIdle {
				t.Fatalf("state after delay = %s, want idle", s)
			}
			if len(intr.resumes) != 1 || intr.resumes[0] != interrupt.ReasonAutoResume {
				t.Errorf("resumes = %v, want [auto_resume]", intr.resumes)
			}
		})
	}
}

func TestOrchestrator_ManualResume(t *testing.T) {
	t.Parallel()

	intr := &fakeInterrupter{playing: true, result: applied(1)}
	h := newHarness(t, intr, func(c *bargein.Config) { c.ResumePolicy = bargein.ResumeManual })
	ctx := context.Background()

	if err := h.orch.Resume(ctx); !errors.Is(err, bargein.ErrNotInterrupted) {
		t.Fatalf("Resume while idle: %v, want ErrNotInterrupted", err)
	}
	if ev := h.orch.HandleDecision(ctx, h.active(3)); ev == nil {
		t.Fatal("no trigger")
	}
	h.orch.HandleDecision(ctx, h.inactive(500, 20*time.Millisecond))
	if s := h.orch.State(); s != bargein.StateInterrupted {
		t.Fatalf("manual policy resumed on silence: state %s", s)
	}
	if err := h.orch.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if s := h.orch.State(); s != bargein.StateIdle {
		t.Errorf("state = %s, want idle", s)
	}
	if len(intr.resumes) != 1 || intr.resumes[0] != interrupt.ReasonManual {
		t.Errorf("resumes = %v, want [manual]", intr.resumes)
	}
}

func TestOrchestrator_ResumeErrorIsLogged(t *testing.T) {
	t.Parallel()

	intr := &fakeInterrupter{playing: true, result: applied(1), resumeErr: errors.New("closed")}
	h := newHarness(t, intr, func(c *bargein.Config) { c.ResumePolicy = bargein.ResumeManual })
	ctx := context.Background()

	h.orch.HandleDecision(ctx, h.active(3))
	if err := h.orch.Resume(ctx); err == nil {
		t.Fatal("expected resume error")
	}
	st := h.orch.Stats()
	if st.State != bargein.StateIdle {
		t.Errorf("state = %s, want idle", st.State)
	}
	if st.Resumes != 1 {
		t.Errorf("resumes = %d, want 1", st.Resumes)
	}
	if len(st.Errors) != 1 || st.Errors[0].Op != "resume" {
		t.Errorf("error log = %+v", st.Errors)
	}
}

func TestOrchestrator_ErrorLogBounded(t *testing.T) {
	t.Parallel()

	intr := &fakeInterrupter{playing: true}
	h := newHarness(t, intr, func(c *bargein.Config) {
		c.ErrorLogSize = 3
		c.MinInterval = 0
	})
	for i := range 5 {
		h.orch.HandleDecision(context.Background(), h.active(3+i))
	}
	st := h.orch.Stats()
	if st.Failed != 5 {
		t.Errorf("failed = %d, want 5", st.Failed)
	}
	if len(st.Errors) != 3 {
		t.Errorf("error log length = %d, want 3", len(st.Errors))
	}
}

func TestOrchestrator_RunStopsOnClose(t *testing.T) {
	t.Parallel()

	intr := &fakeInterrupter{playing: true, result: applied(1)}
	h := newHarness(t, intr, nil)
	ch := make(chan vad.Decision, 4)
	ch <- h.active(1)
	ch <- h.active(2)
	ch <- h.active(3)
	close(ch)

	if err := h.orch.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st := h.orch.Stats(); st.Detected != 1 {
		t.Errorf("detected = %d, want 1", st.Detected)
	}
}

func TestOrchestrator_Reconfigure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeInterrupter{}, nil)
	bad := bargein.DefaultConfig()
	bad.ResumePolicy = "sometimes"
	if err := h.orch.Reconfigure(bad); err == nil {
		t.Fatal("expected validation error")
	}
	good := bargein.DefaultConfig()
	good.MinConfidence = 0.8
	if err := h.orch.Reconfigure(good); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if got := h.orch.Config().MinConfidence; got != 0.8 {
		t.Errorf("MinConfidence = %v, want 0.8", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	if err := bargein.DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	c := bargein.DefaultConfig()
	c.MinConfidence = 2
	c.MinConsecutiveActive = 0
	c.FramePeriod = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected errors")
	}
}
