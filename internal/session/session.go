// Package session wires one instance of every barge-in component into a
// running unit and exposes its events to the host application.
//
// A [Session] owns a VAD session, the frame pipeline, the interruption
// manager, the barge-in orchestrator, the fallback controller and the
// performance monitor. Start probes the device, selects a tier and starts the
// pipeline with bounded retry; a control loop then routes faults, snapshots
// and optimizations between the components. Stop is terminal.
//
// Everything the host can observe leaves through the bounded queues on
// [Events]. All methods are safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/bargein/internal/bargein"
	"github.com/MrWong99/bargein/internal/config"
	"github.com/MrWong99/bargein/internal/event"
	"github.com/MrWong99/bargein/internal/fault"
	"github.com/MrWong99/bargein/internal/history"
	"github.com/MrWong99/bargein/internal/interrupt"
	"github.com/MrWong99/bargein/internal/monitor"
	"github.com/MrWong99/bargein/internal/observe"
	"github.com/MrWong99/bargein/internal/pipeline"
	"github.com/MrWong99/bargein/internal/resilience"
	"github.com/MrWong99/bargein/pkg/audio"
	"github.com/MrWong99/bargein/pkg/provider/vad"
)

var (
	// ErrRunning is returned by Start on a session that is already running.
	ErrRunning = errors.New("session: already running")

	// ErrClosed is returned by operations on a stopped session.
	ErrClosed = errors.New("session: closed")
)

// Events holds the host-facing queues. Every queue is bounded and drops its
// oldest message when the host falls behind.
type Events struct {
	// VADState receives active/inactive flips of the detector.
	VADState *event.Queue[vad.StateChange]

	// BargeIn receives every detected or failed barge-in.
	BargeIn *event.Queue[bargein.Event]

	// TTSInterrupted receives one event per source and interruption or
	// resume.
	TTSInterrupted *event.Queue[interrupt.Event]

	// Performance receives every monitor snapshot.
	Performance *event.Queue[monitor.Snapshot]

	// Alerts receives raised alerts.
	Alerts *event.Queue[monitor.Alert]

	// Errors receives every classified fault.
	Errors *event.Queue[*fault.Error]

	// ModeChanged receives fallback tier transitions.
	ModeChanged *event.Queue[resilience.ModeChange]

	// Optimizations receives monitor optimization requests after the session
	// applied them.
	Optimizations *event.Queue[monitor.Optimization]
}

func newEvents(size int) *Events {
	return &Events{
		VADState:       event.NewQueue[vad.StateChange](size),
		BargeIn:        event.NewQueue[bargein.Event](size),
		TTSInterrupted: event.NewQueue[interrupt.Event](size),
		Performance:    event.NewQueue[monitor.Snapshot](size),
		Alerts:         event.NewQueue[monitor.Alert](size),
		Errors:         event.NewQueue[*fault.Error](size),
		ModeChanged:    event.NewQueue[resilience.ModeChange](size),
		Optimizations:  event.NewQueue[monitor.Optimization](size),
	}
}

// Shape is the pipeline configuration currently applied.
type Shape struct {
	Tier       resilience.Tier
	Spectral   bool
	FrameBatch int
	BargeIn    bool

	// Optimized is set while a monitor optimization is in effect.
	Optimized bool
}

// Option configures a [Session].
type Option func(*Session)

// WithClock sets the clock shared by every component.
func WithClock(c clockwork.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithMetrics sets the metrics sink shared by every component. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithID sets the session id. Default: a random UUID.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithMemorySampler replaces the monitor's memory estimate.
func WithMemorySampler(fn func() float64) Option {
	return func(s *Session) { s.memory = fn }
}

// Session is one running barge-in unit.
type Session struct {
	id      string
	clock   clockwork.Clock
	metrics *observe.Metrics
	memory  func() float64
	log     *slog.Logger

	cfg      atomic.Pointer[config.Config]
	updateMu sync.Mutex

	events *Events

	// Internal queues consumed by the orchestrator, the monitor and the
	// control loop.
	decisions     *event.Queue[vad.Decision]
	samples       *event.Queue[monitor.Sample]
	faults        *event.Queue[*fault.Error]
	snapshots     *event.Queue[monitor.Snapshot]
	optimizations *event.Queue[monitor.Optimization]
	bargeIns      *event.Queue[bargein.Event]

	detector   vad.SessionHandle
	interrupts *interrupt.Manager
	orch       *bargein.Orchestrator
	fallback   *resilience.Controller
	monitor    *monitor.Monitor
	pipe       *pipeline.Pipeline
	restarter  *Restarter

	shapeMu   sync.Mutex
	tier      resilience.Tier
	optimized bool
	opt       monitor.Optimization
	shape     Shape

	errMu  sync.Mutex
	errLog *history.Ring[*fault.Error]

	// mu serialises Start and Stop. running is also read by the apply hook,
	// which runs while Start holds mu.
	mu      sync.Mutex
	running atomic.Bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New builds a stopped session from cfg. The detector is created from engine
// and frames are read from capture. cfg is validated and copied.
func New(cfg *config.Config, engine vad.Engine, capture audio.Capture, opts ...Option) (*Session, error) {
	if engine == nil {
		return nil, errors.New("session: new: nil vad engine")
	}
	if capture == nil {
		return nil, errors.New("session: new: nil capture")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("session: new: %w", err)
	}
	cfg = cfg.Clone()

	s := &Session{
		id:    uuid.NewString(),
		clock: clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = slog.Default().With("component", "session", "session_id", s.id)
	s.cfg.Store(cfg)

	size := cfg.Session.QueueSize
	s.events = newEvents(size)
	s.decisions = event.NewQueue[vad.Decision](size)
	s.samples = event.NewQueue[monitor.Sample](size)
	s.faults = event.NewQueue[*fault.Error](size)
	s.snapshots = event.NewQueue[monitor.Snapshot](size)
	s.optimizations = event.NewQueue[monitor.Optimization](size)
	s.bargeIns = event.NewQueue[bargein.Event](size)
	s.errLog = history.NewRing[*fault.Error](cfg.Session.ErrorLogSize)

	// closers are called in reverse order when construction fails.
	var closers []func() error
	fail := func(err error) (*Session, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](); cerr != nil {
				s.log.Warn("cleanup after failed construction", "err", cerr)
			}
		}
		return nil, fmt.Errorf("session: new: %w", err)
	}

	frame := cfg.VAD.FrameSize
	var err error

	s.detector, err = engine.NewSession(cfg.VAD.Runtime())
	if err != nil {
		return fail(fault.New(fault.VADFailed, "vad.new_session", err).WithTime(s.clock.Now()))
	}
	closers = append(closers, s.detector.Close)

	s.interrupts, err = interrupt.New(cfg.Interrupt.Runtime(),
		interrupt.WithClock(s.clock),
		interrupt.WithEvents(s.events.TTSInterrupted),
		interrupt.WithFaults(s.faults),
		interrupt.WithMetrics(s.metrics),
	)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, s.interrupts.Close)

	s.orch, err = bargein.New(cfg.BargeIn.Runtime(frame), s.interrupts,
		bargein.WithClock(s.clock),
		bargein.WithEvents(s.bargeIns),
		bargein.WithFaults(s.faults),
		bargein.WithMetrics(s.metrics),
	)
	if err != nil {
		return fail(err)
	}
	// Barge-in stays off until the first tier is applied.
	s.orch.SetEnabled(false)

	monOpts := []monitor.Option{
		monitor.WithClock(s.clock),
		monitor.WithSnapshots(s.snapshots),
		monitor.WithAlerts(s.events.Alerts),
		monitor.WithOptimizations(s.optimizations),
		monitor.WithMetrics(s.metrics),
	}
	if s.memory != nil {
		monOpts = append(monOpts, monitor.WithMemorySampler(s.memory))
	}
	s.monitor, err = monitor.New(cfg.Monitor.Runtime(frame), monOpts...)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, s.monitor.Close)

	s.pipe, err = pipeline.New(capture, s.detector,
		pipeline.WithClock(s.clock),
		pipeline.WithDecisions(s.decisions),
		pipeline.WithStateChanges(s.events.VADState),
		pipeline.WithSamples(s.samples),
		pipeline.WithFaults(s.faults),
		pipeline.WithMetrics(s.metrics),
		pipeline.WithTargetRate(cfg.VAD.SampleRate),
	)
	if err != nil {
		return fail(err)
	}

	// The probe reads the detector section on every call so recovery probes
	// follow live updates.
	latency := resilience.LatencyProbeFunc(func(ctx context.Context) (time.Duration, error) {
		c := s.cfg.Load()
		p := resilience.VADProbe{
			Engine: engine,
			Config: c.VAD.Runtime(),
			Frames: c.Session.ProbeFrames,
			Clock:  s.clock,
		}
		return p.ProbeLatency(ctx)
	})
	s.fallback, err = resilience.New(cfg.Fallback.Runtime(), capture, latency,
		resilience.WithClock(s.clock),
		resilience.WithChanges(s.events.ModeChanged),
		resilience.WithFaults(s.faults),
		resilience.WithApply(s.applyTier),
		resilience.WithMetrics(s.metrics),
	)
	if err != nil {
		return fail(err)
	}

	s.restarter = NewRestarter(RestarterConfig{
		Target:    s.pipe,
		MaxTries:  cfg.Session.RestartMaxTries,
		Initial:   cfg.Session.RestartInitial,
		Max:       cfg.Session.RestartMax,
		OnGiveUp:  s.restartFailed,
		OnRestart: func() { s.log.Info("capture recovered", "restarts", s.restarter.Restarts()) },
	})

	s.shape = Shape{Tier: resilience.TierDisabled, FrameBatch: s.pipe.FrameBatch()}
	return s, nil
}

// Start probes the device, applies the selected tier, starts the pipeline
// and launches the session goroutines. A device with no usable tier or a
// capture that cannot be started fails the call; the faults behind it are
// also delivered on Events.Errors.
func (s *Session) Start(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "session.start")
	defer span.End()
	ctx = observe.WithSessionID(ctx, s.id)
	log := observe.Logger(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.running.Load() {
		return ErrRunning
	}

	mode, err := s.fallback.Init(ctx)
	if err != nil {
		s.drainFaults(ctx)
		span.RecordError(err)
		return fmt.Errorf("session: start: %w", err)
	}

	runCtx, cancel := context.WithCancel(observe.WithSessionID(context.Background(), s.id))
	if err := s.restarter.Start(runCtx); err != nil {
		cancel()
		s.drainFaults(ctx)
		var fe *fault.Error
		if errors.As(err, &fe) {
			s.recordFault(ctx, fe)
		}
		span.RecordError(err)
		return fmt.Errorf("session: start: %w", err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.orch.Run(gctx, s.decisions.C()) })
	g.Go(func() error { return s.monitor.Run(gctx, s.samples.C()) })
	g.Go(func() error { return s.restarter.Run(gctx) })
	g.Go(func() error { return s.control(gctx) })

	s.cancel = cancel
	s.group = g
	s.running.Store(true)
	s.metrics.ActiveSessions.Add(ctx, 1)
	log.Info("session started", "tier", mode.Tier, "frame_batch", s.pipe.FrameBatch())
	return nil
}

// Stop tears the session down: capture is closed, queued frames are
// discarded and every timer is cancelled. A stopped session cannot be
// restarted. ctx bounds the wait for the session goroutines.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	running, cancel, g := s.running.Swap(false), s.cancel, s.group
	s.mu.Unlock()

	var errs []error
	if running {
		cancel()
		s.restarter.Stop()
		done := make(chan error, 1)
		go func() { done <- g.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("session: stop: %w", ctx.Err()))
		}
	}

	errs = append(errs,
		s.fallback.Close(),
		s.pipe.Stop(),
		s.monitor.Close(),
		s.interrupts.Close(),
		s.detector.Close(),
	)
	s.decisions.Discard()
	s.samples.Discard()

	if running {
		s.metrics.ActiveSessions.Add(ctx, -1)
	}
	s.log.Info("session stopped", "pipeline", s.pipe.Stats())
	return errors.Join(errs...)
}

// Update applies fn to a copy of the configuration, validates the result and
// swaps it into every component. An invalid result is rejected with a
// [fault.ConfigInvalid] error and nothing changes. The queue size only takes
// effect for new sessions.
func (s *Session) Update(fn func(*config.Config)) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	old := s.cfg.Load()
	next := old.Clone()
	fn(next)
	if err := config.Validate(next); err != nil {
		return err
	}

	errs := []error{
		s.interrupts.Reconfigure(next.Interrupt.Runtime()),
		s.fallback.Reconfigure(next.Fallback.Runtime()),
	}
	s.cfg.Store(next)

	s.shapeMu.Lock()
	errs = append(errs, s.applyShapeLocked(next))
	s.shapeMu.Unlock()

	sc := next.Session
	s.restarter.SetLimits(sc.RestartMaxTries, sc.RestartInitial, sc.RestartMax)
	if sc.ErrorLogSize != old.Session.ErrorLogSize {
		s.errMu.Lock()
		ring := history.NewRing[*fault.Error](sc.ErrorLogSize)
		for _, fe := range s.errLog.Values() {
			ring.Push(fe)
		}
		s.errLog = ring
		s.errMu.Unlock()
	}
	if sc.QueueSize != old.Session.QueueSize {
		s.log.Warn("session.queue_size applies to new sessions only", "current", old.Session.QueueSize, "requested", sc.QueueSize)
	}

	if err := errors.Join(errs...); err != nil {
		return fault.New(fault.ConfigInvalid, "session.update", err).WithTime(s.clock.Now())
	}
	s.log.Info("configuration updated", "sections", config.Diff(old, next).Sections)
	return nil
}

// applyTier is the fallback controller's apply hook.
func (s *Session) applyTier(_ context.Context, change resilience.ModeChange) error {
	s.shapeMu.Lock()
	prev := s.tier
	s.tier = change.To.Tier
	err := s.applyShapeLocked(s.cfg.Load())
	if err != nil {
		s.tier = prev
	}
	s.shapeMu.Unlock()
	if err != nil {
		return err
	}

	// A new tier gets another chance at a capture that was given up on.
	if s.running.Load() && !s.pipe.Running() {
		s.restarter.NotifyEnded()
	}
	return nil
}

// applyShapeLocked derives the detector and pipeline settings from the tier,
// the active optimization and cfg. s.shapeMu must be held.
func (s *Session) applyShapeLocked(cfg *config.Config) error {
	p := s.tier.Profile()

	batch := p.FrameBatch
	if s.optimized {
		batch = max(batch, s.opt.FrameBatch)
	}
	batch = min(max(batch, 1), pipeline.MaxFrameBatch)

	// Latency targets follow the tier envelope.
	frame := cfg.VAD.FrameSize
	bcfg := cfg.BargeIn.Runtime(frame)
	bcfg.TargetLatency = resilience.LatencyBudget(bcfg.TargetLatency, s.tier)
	mcfg := cfg.Monitor.Runtime(frame)
	mcfg.TargetLatency = resilience.LatencyBudget(mcfg.TargetLatency, s.tier)
	if err := errors.Join(s.orch.Reconfigure(bcfg), s.monitor.Reconfigure(mcfg)); err != nil {
		return fmt.Errorf("session: apply shape: %w", err)
	}

	vcfg := cfg.VAD.Runtime()
	vcfg.Spectral = vcfg.Spectral && p.Spectral && !(s.optimized && s.opt.DisableSpectral)
	// A batched decision waits for the whole batch.
	vcfg.MaxDecisionLatency *= time.Duration(batch)

	if err := s.detector.Reconfigure(vcfg); err != nil {
		return fmt.Errorf("session: apply shape: %w", err)
	}
	if err := s.pipe.SetFrameBatch(batch); err != nil {
		return fmt.Errorf("session: apply shape: %w", err)
	}
	s.pipe.SetTargetRate(vcfg.SampleRate)
	s.orch.SetEnabled(p.BargeIn)

	next := Shape{Tier: s.tier, Spectral: vcfg.Spectral, FrameBatch: batch, BargeIn: p.BargeIn, Optimized: s.optimized}
	if next != s.shape {
		s.log.Info("pipeline shape applied",
			"tier", next.Tier,
			"spectral", next.Spectral,
			"frame_batch", next.FrameBatch,
			"barge_in", next.BargeIn,
			"optimized", next.Optimized,
		)
	}
	s.shape = next
	return nil
}

// restartFailed is called when the restarter gave up on the capture.
func (s *Session) restartFailed(err error) {
	fe := fault.New(fault.VADFailed, "session.restart", err).WithTime(s.clock.Now())
	s.faults.Publish(fe)
	s.fallback.ForceDowngrade("capture restart failed")
}

// drainFaults records every queued fault without acting on it.
func (s *Session) drainFaults(ctx context.Context) {
	for {
		select {
		case fe := <-s.faults.C():
			if fe != nil {
				s.recordFault(ctx, fe)
			}
		default:
			return
		}
	}
}

// recordFault stores fe in the error log and forwards it to the host.
func (s *Session) recordFault(ctx context.Context, fe *fault.Error) {
	s.errMu.Lock()
	s.errLog.Push(fe)
	s.errMu.Unlock()
	s.events.Errors.Publish(fe)
	s.metrics.RecordFault(ctx, fe.Kind.String())
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Events returns the host-facing queues.
func (s *Session) Events() *Events { return s.events }

// Config returns a copy of the configuration in effect.
func (s *Session) Config() *config.Config { return s.cfg.Load().Clone() }

// Running reports whether Start succeeded and Stop was not called yet.
func (s *Session) Running() bool { return s.running.Load() }

// Mode returns the current fallback mode.
func (s *Session) Mode() resilience.Mode { return s.fallback.Mode() }

// Shape returns the pipeline configuration currently applied.
func (s *Session) Shape() Shape {
	s.shapeMu.Lock()
	defer s.shapeMu.Unlock()
	return s.shape
}

// Snapshot returns the latest performance snapshot, if any.
func (s *Session) Snapshot() (monitor.Snapshot, bool) { return s.monitor.Last() }

// Alerts returns the active alerts.
func (s *Session) Alerts() []monitor.Alert { return s.monitor.Active() }

// AlertLog returns the bounded alert history, oldest first.
func (s *Session) AlertLog() []monitor.Alert { return s.monitor.AlertLog() }

// ResolveAlert resolves an active alert by id.
func (s *Session) ResolveAlert(id string) bool { return s.monitor.Resolve(id) }

// Errors returns the bounded error log, oldest first.
func (s *Session) Errors() []*fault.Error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.errLog.Values()
}

// BargeInStats returns the orchestrator counters.
func (s *Session) BargeInStats() bargein.Stats { return s.orch.Stats() }

// PipelineStats returns the frame loop counters.
func (s *Session) PipelineStats() pipeline.Stats { return s.pipe.Stats() }

// DetectorState returns the VAD session counters.
func (s *Session) DetectorState() vad.SessionState { return s.detector.State() }

// Restarts returns the number of successful capture restarts.
func (s *Session) Restarts() uint64 { return s.restarter.Restarts() }

// RegisterSource adds a playback source under id.
func (s *Session) RegisterSource(id string, src audio.Source) error {
	if err := s.interrupts.Register(id, src); err != nil {
		return fmt.Errorf("session: register source: %w", err)
	}
	return nil
}

// UnregisterSource removes a playback source. Unknown ids are ignored.
func (s *Session) UnregisterSource(id string) { s.interrupts.Unregister(id) }

// Sources returns the registered source ids.
func (s *Session) Sources() []string { return s.interrupts.Sources() }

// Interrupt interrupts the given sources, or all of them when ids is empty,
// on behalf of the host.
func (s *Session) Interrupt(ids ...string) (interrupt.Result, error) {
	return s.interrupts.Interrupt(interrupt.ReasonManual, ids...)
}

// Resume resumes playback after a barge-in.
func (s *Session) Resume(ctx context.Context) error { return s.orch.Resume(ctx) }
