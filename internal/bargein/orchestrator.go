package bargein

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/bargein/internal/event"
	"github.com/MrWong99/bargein/internal/fault"
	"github.com/MrWong99/bargein/internal/history"
	"github.com/MrWong99/bargein/internal/interrupt"
	"github.com/MrWong99/bargein/internal/observe"
	"github.com/MrWong99/bargein/pkg/provider/vad"
)

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithClock sets the clock used for latency and trigger spacing.
func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithEvents sets the queue receiving every [Event].
func WithEvents(q *event.Queue[Event]) Option {
	return func(o *Orchestrator) { o.events = q }
}

// WithFaults sets the queue receiving latency breaches and resume errors.
func WithFaults(q *event.Queue[*fault.Error]) Option {
	return func(o *Orchestrator) { o.faults = q }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// Orchestrator turns VAD decisions into interruptions. Decisions must be fed
// from one goroutine, either through [Orchestrator.Run] or
// [Orchestrator.HandleDecision]; the remaining methods are safe to call
// concurrently.
type Orchestrator struct {
	clock   clockwork.Clock
	cfg     atomic.Pointer[Config]
	intr    Interrupter
	events  *event.Queue[Event]
	faults  *event.Queue[*fault.Error]
	metrics *observe.Metrics
	log     *slog.Logger

	// allowed is cleared by the fallback controller on the disabled tier,
	// independently of Config.Enabled.
	allowed atomic.Bool

	mu          sync.Mutex
	state       State
	lastTrigger time.Time
	stats       Stats
	latency     history.Running
	errLog      *history.Ring[ErrorRecord]
}

// New returns an Orchestrator driving intr.
func New(cfg Config, intr Interrupter, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bargein: new: %w", err)
	}
	if intr == nil {
		return nil, fmt.Errorf("bargein: new: nil interrupter")
	}
	o := &Orchestrator{
		clock:  clockwork.NewRealClock(),
		intr:   intr,
		log:    slog.Default().With("component", "bargein"),
		errLog: history.NewRing[ErrorRecord](cfg.ErrorLogSize),
	}
	o.cfg.Store(&cfg)
	o.allowed.Store(true)
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// Config returns the configuration in effect.
func (o *Orchestrator) Config() Config { return *o.cfg.Load() }

// Reconfigure validates cfg and swaps it in.
func (o *Orchestrator) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("bargein: reconfigure: %w", err)
	}
	o.cfg.Store(&cfg)
	o.mu.Lock()
	if o.errLog.Cap() != cfg.ErrorLogSize {
		resized := history.NewRing[ErrorRecord](cfg.ErrorLogSize)
		for _, r := range o.errLog.Values() {
			resized.Push(r)
		}
		o.errLog = resized
	}
	o.mu.Unlock()
	return nil
}

// SetEnabled allows or blocks triggering without touching the configuration.
func (o *Orchestrator) SetEnabled(on bool) { o.allowed.Store(on) }

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Run feeds decisions into [Orchestrator.HandleDecision] until ctx is done or
// the channel is closed.
func (o *Orchestrator) Run(ctx context.Context, decisions <-chan vad.Decision) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-decisions:
			if !ok {
				return nil
			}
			o.HandleDecision(ctx, d)
		}
	}
}

// HandleDecision advances the state machine by one decision. It returns the
// barge-in event when the decision caused a trigger.
func (o *Orchestrator) HandleDecision(ctx context.Context, d vad.Decision) *Event {
	cfg := o.cfg.Load()
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case StateIdle:
		if !o.shouldTrigger(d, cfg) {
			return nil
		}
		ev := o.trigger(ctx, d, cfg)
		return &ev
	case StateInterrupted:
		if cfg.ResumePolicy == ResumeAuto && !d.Active && inactiveFor(d, cfg) >= cfg.ResumeDelay {
			o.resume(ctx, interrupt.ReasonAutoResume)
		}
	}
	return nil
}

// shouldTrigger evaluates the trigger policy. o.mu must be held.
func (o *Orchestrator) shouldTrigger(d vad.Decision, cfg *Config) bool {
	if !cfg.Enabled || !o.allowed.Load() || !d.Active {
		return false
	}
	if d.Confidence < cfg.MinConfidence || d.ConsecutiveActive < cfg.MinConsecutiveActive {
		return false
	}
	if !o.lastTrigger.IsZero() && o.clock.Since(o.lastTrigger) < cfg.MinInterval {
		return false
	}
	return o.intr.AnyPlaying()
}

// trigger interrupts playback and records the outcome. o.mu must be held.
func (o *Orchestrator) trigger(ctx context.Context, d vad.Decision, cfg *Config) Event {
	o.state = StateTriggering
	res, err := o.intr.Interrupt(interrupt.ReasonBargeIn)
	now := o.clock.Now()
	o.lastTrigger = now
	o.stats.Triggers++
	o.stats.InterruptFailures += res.Failed()

	ev := Event{
		Type:     EventDetected,
		At:       now,
		Decision: d,
		Result:   &res,
		Latencies: Latencies{
			VAD:   d.Latency,
			TTS:   res.Latency,
			Total: now.Sub(d.Arrived),
		},
	}
	switch {
	case err != nil:
		ev.Err = err
	case res.RateLimited:
		ev.Err = ErrRateLimited
	case res.Applied() == 0:
		ev.Err = ErrNothingInterrupted
		if res.Failed() > 0 {
			ev.Err = fmt.Errorf("%w: %d sources failed", ErrNothingInterrupted, res.Failed())
		}
	}

	if ev.Err != nil {
		ev.Type = EventFailed
		o.state = StateIdle
		o.stats.Failed++
		o.recordError(now, "trigger", ev.Err)
		o.metrics.RecordBargeIn(ctx, string(EventFailed), 0)
		o.log.Warn("barge-in failed", "err", ev.Err, "confidence", d.Confidence)
		o.events.Publish(ev)
		return ev
	}

	o.state = StateInterrupted
	o.stats.Detected++
	o.latency.Add(float64(ev.Latencies.Total))
	o.metrics.RecordBargeIn(ctx, string(EventDetected), ev.Latencies.Total.Seconds())
	if ev.Latencies.Total > cfg.TargetLatency {
		o.stats.LatencyBreaches++
		o.metrics.RecordLatencyBreach(ctx, "bargein")
		o.faults.Publish(fault.New(fault.LatencyExceeded, "bargein.trigger",
			fmt.Errorf("total %v, target %v", ev.Latencies.Total, cfg.TargetLatency)).WithTime(now))
	}
	o.log.Info("barge-in detected",
		"sources", res.Applied(),
		"total_latency", ev.Latencies.Total,
		"vad_latency", ev.Latencies.VAD,
		"tts_latency", ev.Latencies.TTS,
	)
	o.events.Publish(ev)
	return ev
}

// inactiveFor converts the inactive frame count to time.
func inactiveFor(d vad.Decision, cfg *Config) time.Duration {
	period := d.FrameDuration
	if period <= 0 {
		period = cfg.FramePeriod
	}
	return time.Duration(d.ConsecutiveInactive) * period
}

// resume moves Interrupted → Resuming → Idle. o.mu must be held.
func (o *Orchestrator) resume(ctx context.Context, reason interrupt.Reason) error {
	o.state = StateResuming
	res, err := o.intr.Resume(reason)
	o.state = StateIdle
	o.stats.Resumes++
	now := o.clock.Now()
	if err == nil && res.Failed() > 0 {
		err = fmt.Errorf("bargein: resume: %d sources failed", res.Failed())
	}
	if err != nil {
		o.recordError(now, "resume", err)
		o.log.Warn("resume failed", "reason", reason, "err", err)
		return err
	}
	o.log.Debug("resumed playback", "reason", reason, "sources", res.Applied())
	return nil
}

// Resume returns an interrupted session to idle on request. It is the only
// way out of the interrupted state under the manual policy.
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateInterrupted {
		return ErrNotInterrupted
	}
	return o.resume(ctx, interrupt.ReasonManual)
}

// recordError appends to the bounded error log. o.mu must be held.
func (o *Orchestrator) recordError(at time.Time, op string, err error) {
	o.errLog.Push(ErrorRecord{At: at, Op: op, Err: err})
}

// Stats returns a snapshot of the counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.State = o.state
	s.LastTrigger = o.lastTrigger
	s.LatencyMean = time.Duration(o.latency.Mean)
	s.LatencyMin = time.Duration(o.latency.Min)
	s.LatencyMax = time.Duration(o.latency.Max)
	s.Errors = o.errLog.Values()
	return s
}
