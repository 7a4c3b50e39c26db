package interrupt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/bargein/internal/event"
	"github.com/MrWong99/bargein/internal/fault"
	"github.com/MrWong99/bargein/internal/observe"
	"github.com/MrWong99/bargein/pkg/audio"
)

var (
	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.New("interrupt: manager closed")

	// ErrDuplicateSource is returned when registering an id twice.
	ErrDuplicateSource = errors.New("interrupt: source already registered")
)

// Option configures a [Manager].
type Option func(*Manager)

// WithClock sets the clock for latency measurement, rate limiting, and fade
// steps.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithEvents sets the queue receiving one [Event] per affected source.
func WithEvents(q *event.Queue[Event]) Option {
	return func(m *Manager) { m.events = q }
}

// WithFaults sets the queue receiving per-source failures and budget
// overshoots.
func WithFaults(q *event.Queue[*fault.Error]) Option {
	return func(m *Manager) { m.faults = q }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) {
		if met != nil {
			m.metrics = met
		}
	}
}

// Manager is the source registry plus the interruption logic. All methods are
// safe for concurrent use.
type Manager struct {
	clock   clockwork.Clock
	cfg     atomic.Pointer[Config]
	events  *event.Queue[Event]
	faults  *event.Queue[*fault.Error]
	metrics *observe.Metrics
	log     *slog.Logger

	regMu   sync.RWMutex
	sources map[string]*entry

	// opMu serialises Interrupt and Resume.
	opMu        sync.Mutex
	lastApplied time.Time
	closed      bool
}

// entry is one registered source and its interruption-cycle state.
type entry struct {
	id  string
	src audio.Source

	mu             sync.Mutex
	state          audio.SourceState
	originalVolume float64
	snapshot       time.Duration
	replay         bool // paused by Stop; resume seeks to snapshot first
	removed        bool
	gen            uint64
	timer          clockwork.Timer
}

// New returns a Manager using cfg. It returns an error if cfg is invalid.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("interrupt: new: %w", err)
	}
	m := &Manager{
		clock:   clockwork.NewRealClock(),
		sources: make(map[string]*entry),
		log:     slog.Default().With("component", "interrupt"),
	}
	m.cfg.Store(&cfg)
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m, nil
}

// Register adds src under id. The id must be non-empty and not yet
// registered.
func (m *Manager) Register(id string, src audio.Source) error {
	if id == "" {
		return errors.New("interrupt: register: empty source id")
	}
	if src == nil {
		return fmt.Errorf("interrupt: register %q: nil source", id)
	}
	m.regMu.Lock()
	defer m.regMu.Unlock()
	if _, ok := m.sources[id]; ok {
		return fmt.Errorf("interrupt: register %q: %w", id, ErrDuplicateSource)
	}
	m.sources[id] = &entry{id: id, src: src, state: audio.SourcePlaying, originalVolume: src.Volume()}
	m.metrics.RegisteredSources.Add(context.Background(), 1)
	return nil
}

// Unregister removes id. Unknown ids are ignored. A fade in progress on the
// source is abandoned.
func (m *Manager) Unregister(id string) {
	m.regMu.Lock()
	e, ok := m.sources[id]
	if ok {
		delete(m.sources, id)
	}
	m.regMu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.removed = true
	e.cancelRamp()
	e.mu.Unlock()
	m.metrics.RegisteredSources.Add(context.Background(), -1)
}

// Sources returns the registered ids in sorted order.
func (m *Manager) Sources() []string {
	m.regMu.RLock()
	ids := make([]string, 0, len(m.sources))
	for id := range m.sources {
		ids = append(ids, id)
	}
	m.regMu.RUnlock()
	sort.Strings(ids)
	return ids
}

// State returns the cycle state of id.
func (m *Manager) State(id string) (audio.SourceState, bool) {
	m.regMu.RLock()
	e, ok := m.sources[id]
	m.regMu.RUnlock()
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// AnyPlaying reports whether at least one registered source is rendering
// audio.
func (m *Manager) AnyPlaying() bool {
	targets, _ := m.snapshot(nil)
	for _, e := range targets {
		if e.src.Playing() {
			return true
		}
	}
	return false
}

// Config returns the configuration in effect.
func (m *Manager) Config() Config { return *m.cfg.Load() }

// Reconfigure validates cfg and swaps it in. It applies to the next call.
func (m *Manager) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("interrupt: reconfigure: %w", err)
	}
	m.cfg.Store(&cfg)
	return nil
}

// snapshot copies the targeted entries out of the registry. With no ids every
// source is targeted. Unknown ids are returned separately.
func (m *Manager) snapshot(ids []string) (targets []*entry, unknown []string) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	if len(ids) == 0 {
		targets = make([]*entry, 0, len(m.sources))
		for _, e := range m.sources {
			targets = append(targets, e)
		}
		sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
		return targets, nil
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if e, ok := m.sources[id]; ok {
			targets = append(targets, e)
		} else {
			unknown = append(unknown, id)
		}
	}
	return targets, unknown
}

// Interrupt applies the configured mode to every playing target. With no ids
// all registered sources are targeted. A call within the rate limit of the
// previous applied interrupt returns a RateLimited result without touching
// any source.
func (m *Manager) Interrupt(reason Reason, ids ...string) (Result, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	start := m.clock.Now()
	cfg := m.cfg.Load()
	res := Result{Reason: reason, Mode: cfg.Mode, At: start}
	if m.closed {
		return res, ErrClosed
	}
	if !m.lastApplied.IsZero() && start.Sub(m.lastApplied) < cfg.RateLimit {
		res.RateLimited = true
		return res, nil
	}

	targets, unknown := m.snapshot(ids)
	res.Unknown = unknown
	for _, e := range targets {
		sr, acted := m.interruptOne(e, cfg)
		if !acted {
			res.Skipped++
			continue
		}
		res.Sources = append(res.Sources, sr)
		m.report(reason, sr)
	}
	if len(res.Sources) > 0 {
		m.lastApplied = start
	}

	res.Latency = m.clock.Since(start)
	if res.Latency > cfg.LatencyBudget {
		res.BudgetExceeded = true
		m.metrics.RecordLatencyBreach(context.Background(), "interrupt")
		m.faults.Publish(fault.New(fault.LatencyExceeded, "interrupt",
			fmt.Errorf("took %v, budget %v", res.Latency, cfg.LatencyBudget)).WithTime(m.clock.Now()))
	}
	if n := res.Failed(); n > 0 {
		m.log.Warn("interrupt finished with failures", "reason", reason, "mode", cfg.Mode, "failed", n, "applied", res.Applied())
	} else if len(res.Sources) > 0 {
		m.log.Debug("interrupt applied", "reason", reason, "mode", cfg.Mode, "sources", len(res.Sources), "latency", res.Latency)
	}
	return res, nil
}

// interruptOne applies cfg.Mode to e. It reports false when e did not
// qualify.
func (m *Manager) interruptOne(e *entry, cfg *Config) (SourceResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || !e.src.Playing() {
		return SourceResult{}, false
	}

	// Playback restarted after the previous cycle ended at rest.
	if e.state == audio.SourcePaused || e.state == audio.SourceStopped {
		e.state = audio.SourcePlaying
		e.replay = false
	}
	switch e.state {
	case audio.SourcePlaying:
		e.originalVolume = e.src.Volume()
	case audio.SourceDucked:
		// Ducked sources only move on to stop.
		if cfg.Mode != ModeStop {
			return SourceResult{}, false
		}
	}

	t0 := m.clock.Now()
	sr := SourceResult{ID: e.id, From: e.state}
	var err error
	switch cfg.Mode {
	case ModeDuck:
		sr.Action = ActionDuck
		err = m.rampTo(e, cfg.DuckLevel*e.originalVolume, cfg.FadeDuration)
		sr.To = audio.SourceDucked
	case ModePause:
		sr.Action = ActionPause
		err = e.pause()
		sr.To = audio.SourcePaused
	case ModeStop:
		sr.Action = ActionStop
		err = e.stop()
		sr.To = audio.SourceStopped
	}
	sr.Latency = m.clock.Since(t0)
	if err != nil {
		sr.Err = err
		sr.To = sr.From
		return sr, true
	}
	e.state = sr.To
	return sr, true
}

func (e *entry) pause() error {
	e.cancelRamp()
	pos := e.src.Position()
	if r, ok := e.src.(audio.MidStreamResumer); ok && !r.CanResumeMidStream() {
		if err := e.src.Stop(); err != nil {
			return err
		}
		e.replay = true
	} else {
		if err := e.src.Pause(); err != nil {
			return err
		}
		e.replay = false
	}
	e.snapshot = pos
	return nil
}

func (e *entry) stop() error {
	e.cancelRamp()
	wasDucked := e.state == audio.SourceDucked
	if err := e.src.Stop(); err != nil {
		return err
	}
	if err := e.src.SetPosition(0); err != nil {
		return err
	}
	if wasDucked {
		// The next utterance on this source starts at full volume.
		if err := e.src.SetVolume(e.originalVolume); err != nil {
			return err
		}
	}
	e.replay = false
	return nil
}

// Resume restores ducked sources to their original volume and continues
// paused ones. Sources at rest (playing or stopped) are left alone. Resume is
// not rate limited.
func (m *Manager) Resume(reason Reason, ids ...string) (Result, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	start := m.clock.Now()
	cfg := m.cfg.Load()
	res := Result{Reason: reason, Mode: cfg.Mode, At: start}
	if m.closed {
		return res, ErrClosed
	}
	targets, unknown := m.snapshot(ids)
	res.Unknown = unknown
	for _, e := range targets {
		sr, acted := m.resumeOne(e, cfg)
		if !acted {
			res.Skipped++
			continue
		}
		res.Sources = append(res.Sources, sr)
		m.report(reason, sr)
	}
	res.Latency = m.clock.Since(start)
	return res, nil
}

func (m *Manager) resumeOne(e *entry, cfg *Config) (SourceResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return SourceResult{}, false
	}
	t0 := m.clock.Now()
	sr := SourceResult{ID: e.id, From: e.state, To: audio.SourcePlaying}
	var err error
	switch e.state {
	case audio.SourceDucked:
		sr.Action = ActionRestore
		err = m.rampTo(e, e.originalVolume, cfg.FadeDuration)
	case audio.SourcePaused:
		sr.Action = ActionPlay
		if e.replay {
			err = e.src.SetPosition(e.snapshot)
		}
		if err == nil {
			err = e.src.Play()
		}
	default:
		return SourceResult{}, false
	}
	sr.Latency = m.clock.Since(t0)
	if err != nil {
		sr.Err = err
		sr.To = sr.From
		return sr, true
	}
	e.state = audio.SourcePlaying
	e.replay = false
	return sr, true
}

// report publishes the per-source outcome.
func (m *Manager) report(reason Reason, sr SourceResult) {
	ctx := context.Background()
	now := m.clock.Now()
	if sr.Err != nil {
		m.metrics.RecordInterruption(ctx, string(sr.Action), "error", sr.Latency.Seconds())
		m.faults.Publish(fault.New(fault.TTSInterruptFailed, "interrupt."+string(sr.Action), sr.Err).
			WithSource(sr.ID).WithTime(now))
		m.log.Warn("source action failed", "source", sr.ID, "action", sr.Action, "err", sr.Err)
		return
	}
	m.metrics.RecordInterruption(ctx, string(sr.Action), "ok", sr.Latency.Seconds())
	m.events.Publish(Event{SourceResult: sr, Reason: reason, At: now})
}

// Close abandons running fades. Later Interrupt and Resume calls return
// [ErrClosed]. Registered sources are left as they are.
func (m *Manager) Close() error {
	m.opMu.Lock()
	m.closed = true
	m.opMu.Unlock()
	targets, _ := m.snapshot(nil)
	for _, e := range targets {
		e.mu.Lock()
		e.cancelRamp()
		e.mu.Unlock()
	}
	return nil
}
