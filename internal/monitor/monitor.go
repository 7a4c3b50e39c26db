package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/MrWong99/bargein/internal/event"
	"github.com/MrWong99/bargein/internal/history"
	"github.com/MrWong99/bargein/internal/observe"
)

// windowed lists the metrics kept in rolling windows.
var windowed = []Metric{MetricLatency, MetricFrameRate, MetricCPU, MetricMemory, MetricQuality}

// Option configures a [Monitor].
type Option func(*Monitor)

// WithClock sets the clock driving ticks, cooldowns and alert timers.
func WithClock(c clockwork.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithSnapshots sets the queue receiving every [Snapshot].
func WithSnapshots(q *event.Queue[Snapshot]) Option {
	return func(m *Monitor) { m.snapshots = q }
}

// WithAlerts sets the queue receiving new and resolved alerts.
func WithAlerts(q *event.Queue[Alert]) Option {
	return func(m *Monitor) { m.alerts = q }
}

// WithOptimizations sets the queue receiving [Optimization] signals.
func WithOptimizations(q *event.Queue[Optimization]) Option {
	return func(m *Monitor) { m.optimizations = q }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Monitor) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// WithMemorySampler replaces the heap sampler called on every tick. A nil
// sampler leaves the memory window to recorded samples only.
func WithMemorySampler(fn func() float64) Option {
	return func(m *Monitor) { m.memory = fn }
}

// heapMiB reads the live heap size.
func heapMiB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1 << 20)
}

type activeAlert struct {
	alert Alert
	timer clockwork.Timer
}

// Monitor aggregates samples into snapshots and alerts. All methods are safe
// for concurrent use.
type Monitor struct {
	clock         clockwork.Clock
	cfg           atomic.Pointer[Config]
	metrics       *observe.Metrics
	log           *slog.Logger
	memory        func() float64
	snapshots     *event.Queue[Snapshot]
	alerts        *event.Queue[Alert]
	optimizations *event.Queue[Optimization]

	mu      sync.Mutex
	windows map[Metric]*history.Window

	// Per-tick accumulators.
	tickLatencyMS float64
	tickCPU       bool
	tickFrames    float64

	processed uint64
	dropped   uint64
	lastTick  time.Time
	last      Snapshot
	ticked    bool

	lastAlert map[Category]time.Time
	active    map[string]*activeAlert
	alertLog  *history.Ring[Alert]
	created   *history.Ring[time.Time] // creation times inside the hourly cap
	suppress  rate.Sometimes
	optimized bool
	closed    bool
}

// New returns a Monitor.
func New(cfg Config, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("monitor: new: %w", err)
	}
	m := &Monitor{
		clock:     clockwork.NewRealClock(),
		log:       slog.Default().With("component", "monitor"),
		memory:    heapMiB,
		windows:   make(map[Metric]*history.Window, len(windowed)),
		lastAlert: make(map[Category]time.Time),
		active:    make(map[string]*activeAlert),
		alertLog:  history.NewRing[Alert](cfg.AlertLogSize),
		created:   history.NewRing[time.Time](cfg.MaxAlertsPerHour),
		suppress:  rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for _, mt := range windowed {
		m.windows[mt] = history.NewWindow(cfg.WindowSize)
	}
	m.cfg.Store(&cfg)
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	m.lastTick = m.clock.Now()
	return m, nil
}

// capReachedLocked reports whether MaxAlertsPerHour alerts were already
// created in the hour before now. m.mu must be held.
func (m *Monitor) capReachedLocked(now time.Time) bool {
	if m.created.Len() < m.created.Cap() {
		return false
	}
	oldest := m.created.Values()[0]
	return now.Sub(oldest) < time.Hour
}

// Config returns the configuration in effect.
func (m *Monitor) Config() Config { return *m.cfg.Load() }

// Reconfigure validates cfg and swaps it in. Windows keep their newest samples
// when resized.
func (m *Monitor) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("monitor: reconfigure: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.cfg.Load()
	if prev.WindowSize != cfg.WindowSize {
		for mt, w := range m.windows {
			resized := history.NewWindow(cfg.WindowSize)
			for _, v := range w.Values() {
				resized.Add(v)
			}
			m.windows[mt] = resized
		}
	}
	if prev.MaxAlertsPerHour != cfg.MaxAlertsPerHour {
		resized := history.NewRing[time.Time](cfg.MaxAlertsPerHour)
		for _, t := range m.created.Values() {
			resized.Push(t)
		}
		m.created = resized
	}
	if prev.AlertLogSize != cfg.AlertLogSize {
		resized := history.NewRing[Alert](cfg.AlertLogSize)
		for _, a := range m.alertLog.Values() {
			resized.Push(a)
		}
		m.alertLog = resized
	}
	m.cfg.Store(&cfg)
	return nil
}

// Record adds one sample.
func (m *Monitor) Record(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch s.Metric {
	case MetricLatency:
		m.windows[MetricLatency].Add(s.Value)
		m.tickLatencyMS += s.Value
	case MetricCPU:
		m.windows[MetricCPU].Add(s.Value)
		m.tickCPU = true
	case MetricMemory, MetricQuality:
		m.windows[s.Metric].Add(s.Value)
	case MetricFramesProcessed:
		if s.Value > 0 {
			m.processed += uint64(s.Value)
			m.tickFrames += s.Value
		}
	case MetricFramesDropped:
		if s.Value > 0 {
			m.dropped += uint64(s.Value)
		}
	}
}

// Run records samples and ticks every TickInterval until ctx is done. A closed
// samples channel only stops recording.
func (m *Monitor) Run(ctx context.Context, samples <-chan Sample) error {
	ticker := m.clock.NewTicker(m.Config().TickInterval)
	defer ticker.Stop()
	interval := m.Config().TickInterval
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			m.Record(s)
		case <-ticker.Chan():
			m.Tick(ctx)
			if cur := m.Config().TickInterval; cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
		}
	}
}

// Tick computes a snapshot, evaluates alerts and optimizations, and
// publishes the results.
func (m *Monitor) Tick(ctx context.Context) Snapshot {
	cfg := m.cfg.Load()
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	elapsed := now.Sub(m.lastTick)
	if elapsed <= 0 {
		elapsed = cfg.TickInterval
	}
	m.lastTick = now

	sawFrames := m.processed+m.dropped > 0
	if sawFrames {
		m.windows[MetricFrameRate].Add(m.tickFrames / elapsed.Seconds())
	}
	if !m.tickCPU && m.tickLatencyMS > 0 {
		// Processing duty cycle over the tick.
		m.windows[MetricCPU].Add(clamp01(m.tickLatencyMS/(elapsed.Seconds()*1000)))
	}
	if m.memory != nil {
		m.windows[MetricMemory].Add(m.memory())
	}
	m.tickLatencyMS, m.tickCPU, m.tickFrames = 0, false, 0

	s := m.snapshotLocked(now, cfg, sawFrames)
	m.last, m.ticked = s, true
	m.metrics.HealthScore.Record(ctx, s.Health)

	breaches := evaluate(s, *cfg, m.windows[MetricLatency].Len() > 0, sawFrames, m.windows[MetricQuality].Len() > 0)
	m.resolveClearedLocked(now, breaches)
	for _, cat := range Categories {
		if b, ok := breaches[cat]; ok {
			m.raiseLocked(ctx, now, cfg, b)
		}
	}
	m.optimizeLocked(now, cfg, s.Health)

	m.snapshots.Publish(s)
	return s
}

func (m *Monitor) snapshotLocked(now time.Time, cfg *Config, sawFrames bool) Snapshot {
	lat := m.windows[MetricLatency]
	ps := lat.Percentiles(0.95, 0.99)
	s := Snapshot{
		At: now,
		Latency: LatencyStats{
			Mean: msToDuration(lat.Mean()),
			P95:  msToDuration(ps[0]),
			P99:  msToDuration(ps[1]),
			Max:  msToDuration(lat.Max()),
		},
		FrameEfficiency: 1,
		FramesProcessed: m.processed,
		FramesDropped:   m.dropped,
		CPU:             m.windows[MetricCPU].Mean(),
		MemoryMB:        m.windows[MetricMemory].Mean(),
		Quality:         1,
		Trends:          make(map[Metric]history.Trend, len(windowed)),
	}
	if sawFrames {
		s.FrameRate = m.windows[MetricFrameRate].Mean()
		s.FrameEfficiency = min(1, s.FrameRate/cfg.expectedFrameRate())
		s.DropRate = float64(m.dropped) / float64(m.processed+m.dropped)
	}
	if q := m.windows[MetricQuality]; q.Len() > 0 {
		s.Quality = q.Mean()
	}
	for _, mt := range windowed {
		s.Trends[mt] = m.windows[mt].Trend(mt.polarity())
	}
	s.Penalties = penalties(s, *cfg)
	s.Health = Health(s.Penalties, cfg.Weights)
	s.Level = levelFor(s.Health, *cfg)
	return s
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// raiseLocked creates an alert for b unless the category is cooling down or
// the hourly cap is reached.
func (m *Monitor) raiseLocked(ctx context.Context, now time.Time, cfg *Config, b breach) {
	if m.closed {
		return
	}
	if last, ok := m.lastAlert[b.category]; ok && now.Sub(last) < cfg.AlertCooldown {
		return
	}
	if m.capReachedLocked(now) {
		m.suppress.Do(func() {
			m.log.Warn("alerts suppressed by hourly cap", "category", b.category, "max_per_hour", cfg.MaxAlertsPerHour)
		})
		return
	}
	m.lastAlert[b.category] = now
	m.created.Push(now)

	a := Alert{
		ID:          uuid.NewString(),
		Severity:    b.severity,
		Category:    b.category,
		Message:     b.message,
		At:          now,
		AutoResolve: b.severity != SeverityCritical,
	}
	entry := &activeAlert{alert: a}
	if a.AutoResolve {
		id := a.ID
		entry.timer = m.clock.AfterFunc(cfg.AutoResolveAfter, func() { m.Resolve(id) })
	}
	m.active[a.ID] = entry
	m.alertLog.Push(a)
	m.metrics.RecordAlert(ctx, string(a.Category), string(a.Severity))
	m.log.Warn("performance alert", "category", a.Category, "severity", a.Severity, "message", a.Message, "id", a.ID)
	m.alerts.Publish(a)
}

// resolveClearedLocked resolves persistent alerts whose category no longer
// breaches.
func (m *Monitor) resolveClearedLocked(now time.Time, breaches map[Category]breach) {
	for id, e := range m.active {
		if e.alert.AutoResolve {
			continue
		}
		if _, still := breaches[e.alert.Category]; still {
			continue
		}
		m.resolveLocked(id, now)
	}
}

// Resolve marks an active alert resolved. It reports whether id was active.
func (m *Monitor) Resolve(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	return m.resolveLocked(id, m.clock.Now())
}

func (m *Monitor) resolveLocked(id string, now time.Time) bool {
	e, ok := m.active[id]
	if !ok {
		return false
	}
	delete(m.active, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	a := e.alert
	a.Resolved = true
	a.ResolvedAt = now
	m.log.Info("alert resolved", "category", a.Category, "id", a.ID)
	m.alerts.Publish(a)
	return true
}

// optimizeLocked emits one optimization per downward crossing of
// OptimizeBelow and one restore once health reaches RestoreAbove.
func (m *Monitor) optimizeLocked(now time.Time, cfg *Config, health float64) {
	switch {
	case !m.optimized && health < cfg.OptimizeBelow:
		m.optimized = true
		m.log.Info("auto-optimization engaged", "health", health, "frame_batch", cfg.OptimizedFrameBatch)
		m.optimizations.Publish(Optimization{
			At:              now,
			DisableSpectral: true,
			FrameBatch:      cfg.OptimizedFrameBatch,
			Health:          health,
		})
	case m.optimized && health >= cfg.RestoreAbove:
		m.optimized = false
		m.log.Info("auto-optimization lifted", "health", health)
		m.optimizations.Publish(Optimization{At: now, FrameBatch: 1, Restore: true, Health: health})
	}
}

// Optimized reports whether an optimization is currently requested.
func (m *Monitor) Optimized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.optimized
}

// Last returns the most recent snapshot, if any tick ran.
func (m *Monitor) Last() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.ticked
}

// Active returns the unresolved alerts, oldest first.
func (m *Monitor) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, e := range m.active {
		out = append(out, e.alert)
	}
	slices.SortFunc(out, func(a, b Alert) int { return a.At.Compare(b.At) })
	return out
}

// AlertLog returns the bounded history of created alerts, oldest first.
func (m *Monitor) AlertLog() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alertLog.Values()
}

// Close cancels pending auto-resolve timers. Later ticks still compute
// snapshots but raise no alerts.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, e := range m.active {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	return nil
}
