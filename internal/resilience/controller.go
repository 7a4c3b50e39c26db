package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/bargein/internal/event"
	"github.com/MrWong99/bargein/internal/fault"
	"github.com/MrWong99/bargein/internal/history"
	"github.com/MrWong99/bargein/internal/observe"
)

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("resilience: controller closed")

// Config holds the controller thresholds. It is swapped atomically.
type Config struct {
	// FullMaxLatency is the highest probe latency (capture baseline plus VAD)
	// that still qualifies for the full tier. Default: 30ms.
	FullMaxLatency time.Duration

	// BufferedMaxLatency is the limit for the buffered tier. Default: 100ms.
	BufferedMaxLatency time.Duration

	// ErrorThreshold is the number of consecutive errors that triggers a
	// downgrade. Default: 3.
	ErrorThreshold int

	// LatencyBound triggers a downgrade when the rolling mean latency exceeds
	// it. Tiers whose envelope expects more latency are held to their
	// envelope instead. Default: 50ms.
	LatencyBound time.Duration

	// QualityBound triggers a downgrade when the rolling mean quality falls
	// below it. Default: 0.5.
	QualityBound float64

	// MinSamples is the number of latency or quality samples needed before the
	// rolling triggers are evaluated. Default: 10.
	MinSamples int

	// WindowSize bounds the rolling latency and quality windows. Default: 50.
	WindowSize int

	// RecoveryInitial, RecoveryMax, RecoveryMultiplier and RecoveryJitter
	// shape the exponential delay before each re-probe.
	RecoveryInitial    time.Duration // default 5s
	RecoveryMax        time.Duration // default 60s
	RecoveryMultiplier float64       // default 2
	RecoveryJitter     float64       // default 0.2

	// MaxRecoveryAttempts bounds failed re-probes per downgrade. Default: 5.
	MaxRecoveryAttempts int

	// ProbeTimeout bounds each probe run. Default: 2s.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		FullMaxLatency:      30 * time.Millisecond,
		BufferedMaxLatency:  100 * time.Millisecond,
		ErrorThreshold:      3,
		LatencyBound:        50 * time.Millisecond,
		QualityBound:        0.5,
		MinSamples:          10,
		WindowSize:          50,
		RecoveryInitial:     5 * time.Second,
		RecoveryMax:         60 * time.Second,
		RecoveryMultiplier:  2,
		RecoveryJitter:      0.2,
		MaxRecoveryAttempts: 5,
		ProbeTimeout:        2 * time.Second,
	}
}

// Validate returns all problems with c joined together.
func (c Config) Validate() error {
	var errs []error
	if c.FullMaxLatency <= 0 {
		errs = append(errs, errors.New("full_max_latency must be positive"))
	}
	if c.BufferedMaxLatency < c.FullMaxLatency {
		errs = append(errs, fmt.Errorf("buffered_max_latency %v below full_max_latency %v", c.BufferedMaxLatency, c.FullMaxLatency))
	}
	if c.ErrorThreshold < 1 {
		errs = append(errs, fmt.Errorf("error_threshold %d must be at least 1", c.ErrorThreshold))
	}
	if c.LatencyBound <= 0 {
		errs = append(errs, errors.New("latency_bound must be positive"))
	}
	if c.QualityBound < 0 || c.QualityBound > 1 {
		errs = append(errs, fmt.Errorf("quality_bound %v out of range [0,1]", c.QualityBound))
	}
	if c.MinSamples < 1 {
		errs = append(errs, fmt.Errorf("min_samples %d must be at least 1", c.MinSamples))
	}
	if c.WindowSize < c.MinSamples {
		errs = append(errs, fmt.Errorf("window_size %d below min_samples %d", c.WindowSize, c.MinSamples))
	}
	if c.RecoveryInitial <= 0 || c.RecoveryMax < c.RecoveryInitial {
		errs = append(errs, fmt.Errorf("recovery delays %v..%v invalid", c.RecoveryInitial, c.RecoveryMax))
	}
	if c.RecoveryMultiplier < 1 {
		errs = append(errs, fmt.Errorf("recovery_multiplier %v must be at least 1", c.RecoveryMultiplier))
	}
	if c.RecoveryJitter < 0 || c.RecoveryJitter >= 1 {
		errs = append(errs, fmt.Errorf("recovery_jitter %v out of range [0,1)", c.RecoveryJitter))
	}
	if c.MaxRecoveryAttempts < 0 {
		errs = append(errs, fmt.Errorf("max_recovery_attempts %d is negative", c.MaxRecoveryAttempts))
	}
	if c.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("probe_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// ApplyFunc applies a tier change to the rest of the session. A returned
// error aborts the switch.
type ApplyFunc func(ctx context.Context, change ModeChange) error

// Option configures a [Controller].
type Option func(*Controller)

// WithClock sets the clock for mode timestamps and recovery timers.
func WithClock(c clockwork.Clock) Option {
	return func(ctl *Controller) {
		if c != nil {
			ctl.clock = c
		}
	}
}

// WithChanges sets the queue receiving every [ModeChange].
func WithChanges(q *event.Queue[ModeChange]) Option {
	return func(ctl *Controller) { ctl.changes = q }
}

// WithFaults sets the queue receiving CapabilityUnavailable faults.
func WithFaults(q *event.Queue[*fault.Error]) Option {
	return func(ctl *Controller) { ctl.faults = q }
}

// WithApply sets the hook run before a tier change is committed.
func WithApply(fn ApplyFunc) Option {
	return func(ctl *Controller) { ctl.apply = fn }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(ctl *Controller) {
		if m != nil {
			ctl.metrics = m
		}
	}
}

// Controller owns the tier of one session.
type Controller struct {
	clock    clockwork.Clock
	cfg      atomic.Pointer[Config]
	features FeatureProber
	latency  LatencyProber
	changes  *event.Queue[ModeChange]
	faults   *event.Queue[*fault.Error]
	apply    ApplyFunc
	metrics  *observe.Metrics
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	mode        Mode
	ceiling     Tier // initial probe result; recovery never goes above it
	initialized bool
	closed      bool
	inFlight    bool
	consecErrs  int
	latencies   *history.Window
	qualities   *history.Window
	attempts    int
	bo          *backoff.ExponentialBackOff
	timer       clockwork.Timer
}

// New returns a Controller that probes with features and latency.
func New(cfg Config, features FeatureProber, latency LatencyProber, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("resilience: new: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		clock:     clockwork.NewRealClock(),
		features:  features,
		latency:   latency,
		log:       slog.Default().With("component", "fallback"),
		ctx:       ctx,
		cancel:    cancel,
		latencies: history.NewWindow(cfg.WindowSize),
		qualities: history.NewWindow(cfg.WindowSize),
	}
	c.cfg.Store(&cfg)
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.bo = newBackOff(&cfg)
	return c, nil
}

func newBackOff(cfg *Config) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.RecoveryInitial,
		RandomizationFactor: cfg.RecoveryJitter,
		Multiplier:          cfg.RecoveryMultiplier,
		MaxInterval:         cfg.RecoveryMax,
	}
	b.Reset()
	return b
}

// Init runs both probes concurrently and sets the initial tier. When no tier
// is usable it returns the disabled mode and a CapabilityUnavailable fault.
func (c *Controller) Init(ctx context.Context) (Mode, error) {
	cfg := c.cfg.Load()
	start := c.clock.Now()
	caps, err := probe(ctx, c.features, c.latency, cfg.ProbeTimeout)
	c.metrics.ProbeDuration.Record(ctx, c.clock.Since(start).Seconds())
	if err != nil {
		return Mode{}, fmt.Errorf("resilience: init: %w", err)
	}
	tier := derive(caps, cfg)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Mode{}, ErrClosed
	}
	from := c.mode
	to := Mode{Tier: tier, Reason: "initial probe", Capabilities: caps, Envelope: tier.Envelope(), Since: c.clock.Now()}
	c.mode = to
	c.ceiling = tier
	c.initialized = true
	c.mu.Unlock()

	change := ModeChange{From: from, To: to}
	if c.apply != nil {
		if err := c.apply(ctx, change); err != nil {
			c.log.Warn("applying initial tier failed", "tier", tier, "err", err)
		}
	}
	c.publish(change)
	c.log.Info("initial tier selected", "tier", tier, "latency", caps.TotalLatency(), "real_time", caps.RealTime,
		"feature_err", caps.FeatureErr, "latency_err", caps.LatencyErr)

	if tier == TierDisabled {
		fe := fault.New(fault.CapabilityUnavailable, "fallback.init", errors.Join(caps.FeatureErr, caps.LatencyErr)).WithTime(c.clock.Now())
		c.faults.Publish(fe)
		return to, fe
	}
	return to, nil
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Config returns the configuration in effect.
func (c *Controller) Config() Config { return *c.cfg.Load() }

// Reconfigure validates cfg and swaps it in. Window sizes and the recovery
// schedule take effect immediately.
func (c *Controller) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("resilience: reconfigure: %w", err)
	}
	c.cfg.Store(&cfg)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies = resize(c.latencies, cfg.WindowSize)
	c.qualities = resize(c.qualities, cfg.WindowSize)
	c.bo = newBackOff(&cfg)
	return nil
}

func resize(w *history.Window, size int) *history.Window {
	if w.Cap() == size {
		return w
	}
	out := history.NewWindow(size)
	for _, v := range w.Values() {
		out.Add(v)
	}
	return out
}

// RecordError counts a pipeline error. It reports whether a downgrade was
// started.
func (c *Controller) RecordError(err error) bool {
	c.mu.Lock()
	c.consecErrs++
	n := c.consecErrs
	threshold := c.cfg.Load().ErrorThreshold
	c.mu.Unlock()
	if n < threshold {
		return false
	}
	return c.downgrade(fmt.Sprintf("%d consecutive errors, last: %v", n, err))
}

// RecordSuccess resets the consecutive error count.
func (c *Controller) RecordSuccess() {
	c.mu.Lock()
	c.consecErrs = 0
	c.mu.Unlock()
}

// RecordLatency adds an end-to-end latency sample. It reports whether a
// downgrade was started.
func (c *Controller) RecordLatency(d time.Duration) bool {
	cfg := c.cfg.Load()
	c.mu.Lock()
	c.latencies.Add(float64(d))
	bound := LatencyBudget(cfg.LatencyBound, c.mode.Tier)
	mean := time.Duration(c.latencies.Mean())
	breach := c.latencies.Len() >= cfg.MinSamples && mean > bound
	c.mu.Unlock()
	if !breach {
		return false
	}
	return c.downgrade(fmt.Sprintf("mean latency %v above %v", mean, bound))
}

// RecordQuality adds a quality sample in [0,1]. It reports whether a
// downgrade was started.
func (c *Controller) RecordQuality(q float64) bool {
	cfg := c.cfg.Load()
	c.mu.Lock()
	c.qualities.Add(q)
	breach := c.qualities.Len() >= cfg.MinSamples && c.qualities.Mean() < cfg.QualityBound
	mean := c.qualities.Mean()
	c.mu.Unlock()
	if !breach {
		return false
	}
	return c.downgrade(fmt.Sprintf("mean quality %.2f below %.2f", mean, cfg.QualityBound))
}

// ForceDowngrade starts a one-step downgrade regardless of the triggers. It
// reports whether a downgrade was started.
func (c *Controller) ForceDowngrade(reason string) bool {
	return c.downgrade(reason)
}

// downgrade starts an asynchronous one-step switch unless one is already in
// flight or there is nothing left to give up.
func (c *Controller) downgrade(reason string) bool {
	c.mu.Lock()
	if c.closed || !c.initialized || c.inFlight || c.mode.Tier == TierDisabled {
		c.mu.Unlock()
		return false
	}
	c.inFlight = true
	c.stopTimerLocked()
	from := c.mode
	c.wg.Add(1)
	c.mu.Unlock()

	to := Mode{
		Tier:         from.Tier - 1,
		Reason:       reason,
		Capabilities: from.Capabilities,
		Envelope:     (from.Tier - 1).Envelope(),
	}
	go func() {
		defer c.wg.Done()
		c.switchTo(ModeChange{From: from, To: to})
	}()
	return true
}

// switchTo applies and commits change. c.inFlight must be set by the caller.
func (c *Controller) switchTo(change ModeChange) {
	change.To.Since = c.clock.Now()
	if c.apply != nil {
		if err := c.apply(c.ctx, change); err != nil {
			c.log.Warn("tier switch aborted", "from", change.From.Tier, "to", change.To.Tier, "err", err)
			c.faults.Publish(fault.New(fault.CapabilityUnavailable, "fallback.switch", err).WithTime(c.clock.Now()))
			c.mu.Lock()
			c.inFlight = false
			c.scheduleRecoveryLocked()
			c.mu.Unlock()
			return
		}
	}

	c.mu.Lock()
	if c.closed {
		c.inFlight = false
		c.mu.Unlock()
		return
	}
	c.mode = change.To
	c.inFlight = false
	c.consecErrs = 0
	c.latencies.Reset()
	c.qualities.Reset()
	c.attempts = 0
	c.bo.Reset()
	c.scheduleRecoveryLocked()
	c.mu.Unlock()

	c.publish(change)
	if change.Recovery {
		c.log.Info("tier recovered", "from", change.From.Tier, "to", change.To.Tier)
	} else {
		c.log.Warn("tier downgraded", "from", change.From.Tier, "to", change.To.Tier, "reason", change.To.Reason)
	}
}

// scheduleRecoveryLocked arms the next re-probe if the tier is below the
// initial one and the attempt budget allows. c.mu must be held.
func (c *Controller) scheduleRecoveryLocked() {
	cfg := c.cfg.Load()
	if c.closed || c.mode.Tier >= c.ceiling || c.attempts >= cfg.MaxRecoveryAttempts {
		return
	}
	c.stopTimerLocked()
	delay := c.bo.NextBackOff()
	if delay == backoff.Stop {
		return
	}
	c.timer = c.clock.AfterFunc(delay, c.recover)
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// recover re-probes and promotes one tier when the probe allows it.
func (c *Controller) recover() {
	c.mu.Lock()
	c.timer = nil
	if c.closed || c.mode.Tier >= c.ceiling {
		c.mu.Unlock()
		return
	}
	if c.inFlight {
		c.scheduleRecoveryLocked()
		c.mu.Unlock()
		return
	}
	c.inFlight = true
	from := c.mode
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	cfg := c.cfg.Load()
	start := c.clock.Now()
	caps, err := probe(c.ctx, c.features, c.latency, cfg.ProbeTimeout)
	c.metrics.ProbeDuration.Record(c.ctx, c.clock.Since(start).Seconds())
	if err == nil && derive(caps, cfg) > from.Tier {
		next := from.Tier + 1
		c.switchTo(ModeChange{
			From:     from,
			To:       Mode{Tier: next, Reason: "recovery probe", Capabilities: caps, Envelope: next.Envelope()},
			Recovery: true,
		})
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	c.attempts++
	if c.attempts >= cfg.MaxRecoveryAttempts {
		c.log.Warn("recovery budget exhausted", "tier", from.Tier, "attempts", c.attempts)
		return
	}
	c.log.Debug("recovery probe failed", "tier", from.Tier, "attempt", c.attempts, "err", err)
	c.scheduleRecoveryLocked()
}

// Recovering reports whether a re-probe is scheduled.
func (c *Controller) Recovering() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

func (c *Controller) publish(change ModeChange) {
	if change.From.Tier != change.To.Tier {
		c.metrics.RecordTierChange(context.Background(), change.From.Tier.String(), change.To.Tier.String(), int64(change.To.Tier))
	} else {
		c.metrics.Tier.Record(context.Background(), int64(change.To.Tier))
	}
	c.changes.Publish(change)
}

// Close cancels pending recovery timers and in-flight probes and waits for
// running switches to finish.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTimerLocked()
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	return nil
}
