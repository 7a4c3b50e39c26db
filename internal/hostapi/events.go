package hostapi

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/bargein/internal/bargein"
	"github.com/MrWong99/bargein/internal/event"
	"github.com/MrWong99/bargein/internal/fault"
	"github.com/MrWong99/bargein/internal/interrupt"
	"github.com/MrWong99/bargein/internal/monitor"
	"github.com/MrWong99/bargein/internal/resilience"
	"github.com/MrWong99/bargein/internal/session"
	"github.com/MrWong99/bargein/pkg/provider/vad"
)

// Event types on the wire.
const (
	TypeVADState       = "vad_state"
	TypeBargeIn        = "barge_in"
	TypeTTSInterrupted = "tts_interrupted"
	TypePerformance    = "performance"
	TypeAlert          = "alert"
	TypeError          = "error"
	TypeModeChanged    = "mode_changed"
	TypeOptimization   = "optimization"
)

// Envelope is one message on the event stream.
type Envelope struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Hub drains the session queues and fans every event out to subscribers.
// A slow subscriber loses its oldest events, never anyone else's.
type Hub struct {
	events *session.Events
	size   int

	mu     sync.Mutex
	subs   map[*event.Queue[Envelope]]struct{}
	closed bool
}

// NewHub returns a hub over events. size bounds each subscriber queue.
func NewHub(events *session.Events, size int) *Hub {
	return &Hub{
		events: events,
		size:   size,
		subs:   make(map[*event.Queue[Envelope]]struct{}),
	}
}

// Subscribe returns a new subscriber queue and a function removing it.
func (h *Hub) Subscribe() (*event.Queue[Envelope], func()) {
	q := event.NewQueue[Envelope](h.size)
	h.mu.Lock()
	if !h.closed {
		h.subs[q] = struct{}{}
	}
	h.mu.Unlock()
	return q, func() {
		h.mu.Lock()
		delete(h.subs, q)
		h.mu.Unlock()
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Run pumps events until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		h.mu.Lock()
		h.closed = true
		clear(h.subs)
		h.mu.Unlock()
	}()
	e := h.events
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-e.VADState.C():
			h.broadcast(TypeVADState, v.Decision.Timestamp, vadStateView(v))
		case v := <-e.BargeIn.C():
			h.broadcast(TypeBargeIn, v.At, bargeInView(v))
		case v := <-e.TTSInterrupted.C():
			h.broadcast(TypeTTSInterrupted, v.At, interruptView(v))
		case v := <-e.Performance.C():
			h.broadcast(TypePerformance, v.At, snapshotView(v))
		case v := <-e.Alerts.C():
			h.broadcast(TypeAlert, v.At, alertView(v))
		case v := <-e.Errors.C():
			if v != nil {
				h.broadcast(TypeError, v.At, errorView(v))
			}
		case v := <-e.ModeChanged.C():
			h.broadcast(TypeModeChanged, v.To.Since, modeChangeView(v))
		case v := <-e.Optimizations.C():
			h.broadcast(TypeOptimization, v.At, optimizationView(v))
		}
	}
}

func (h *Hub) broadcast(typ string, at time.Time, data any) {
	env := Envelope{Type: typ, At: at, Data: data}
	h.mu.Lock()
	defer h.mu.Unlock()
	for q := range h.subs {
		q.Publish(env)
	}
}

// Wire views. Errors are flattened to strings and enums to their names.

type vadStateJSON struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Confidence float64 `json:"confidence"`
	Level      float64 `json:"level"`
}

func vadStateView(c vad.StateChange) vadStateJSON {
	return vadStateJSON{
		From:       c.From.String(),
		To:         c.To.String(),
		Confidence: c.Decision.Confidence,
		Level:      c.Decision.Level,
	}
}

type bargeInJSON struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	VADMs      float64 `json:"vad_ms"`
	TTSMs      float64 `json:"tts_ms"`
	TotalMs    float64 `json:"total_ms"`
	Applied    int     `json:"applied"`
	Failed     int     `json:"failed"`
	Error      string  `json:"error,omitempty"`
}

func bargeInView(ev bargein.Event) bargeInJSON {
	out := bargeInJSON{
		Type:       string(ev.Type),
		Confidence: ev.Decision.Confidence,
		VADMs:      ms(ev.Latencies.VAD),
		TTSMs:      ms(ev.Latencies.TTS),
		TotalMs:    ms(ev.Latencies.Total),
	}
	if ev.Result != nil {
		out.Applied = ev.Result.Applied()
		out.Failed = ev.Result.Failed()
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return out
}

type interruptJSON struct {
	Source    string  `json:"source"`
	Action    string  `json:"action"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Reason    string  `json:"reason"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func interruptView(ev interrupt.Event) interruptJSON {
	out := interruptJSON{
		Source:    ev.ID,
		Action:    string(ev.Action),
		From:      ev.From.String(),
		To:        ev.To.String(),
		Reason:    string(ev.Reason),
		LatencyMs: ms(ev.Latency),
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return out
}

type snapshotJSON struct {
	LatencyMeanMs   float64 `json:"latency_mean_ms"`
	LatencyP95Ms    float64 `json:"latency_p95_ms"`
	LatencyP99Ms    float64 `json:"latency_p99_ms"`
	FrameRate       float64 `json:"frame_rate"`
	FrameEfficiency float64 `json:"frame_efficiency"`
	DropRate        float64 `json:"drop_rate"`
	CPU             float64 `json:"cpu"`
	MemoryMB        float64 `json:"memory_mb"`
	Quality         float64 `json:"quality"`
	Health          float64 `json:"health"`
	Level           string  `json:"level"`
}

func snapshotView(s monitor.Snapshot) snapshotJSON {
	return snapshotJSON{
		LatencyMeanMs:   ms(s.Latency.Mean),
		LatencyP95Ms:    ms(s.Latency.P95),
		LatencyP99Ms:    ms(s.Latency.P99),
		FrameRate:       s.FrameRate,
		FrameEfficiency: s.FrameEfficiency,
		DropRate:        s.DropRate,
		CPU:             s.CPU,
		MemoryMB:        s.MemoryMB,
		Quality:         s.Quality,
		Health:          s.Health,
		Level:           s.Level.String(),
	}
}

type errorJSON struct {
	Kind     string    `json:"kind"`
	Severity string    `json:"severity"`
	Op       string    `json:"op"`
	Source   string    `json:"source,omitempty"`
	At       time.Time `json:"at"`
	Message  string    `json:"message"`
}

func errorView(fe *fault.Error) errorJSON {
	return errorJSON{
		Kind:     fe.Kind.String(),
		Severity: fe.Severity().String(),
		Op:       fe.Op,
		Source:   fe.SourceID,
		At:       fe.At,
		Message:  fe.Error(),
	}
}

type modeChangeJSON struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason"`
	Recovery bool   `json:"recovery"`
}

func modeChangeView(c resilience.ModeChange) modeChangeJSON {
	return modeChangeJSON{
		From:     c.From.Tier.String(),
		To:       c.To.Tier.String(),
		Reason:   c.To.Reason,
		Recovery: c.Recovery,
	}
}

type alertJSON struct {
	ID          string    `json:"id"`
	Severity    string    `json:"severity"`
	Category    string    `json:"category"`
	Message     string    `json:"message"`
	At          time.Time `json:"at"`
	AutoResolve bool      `json:"auto_resolve"`
	Resolved    bool      `json:"resolved"`
}

func alertView(a monitor.Alert) alertJSON {
	return alertJSON{
		ID:          a.ID,
		Severity:    string(a.Severity),
		Category:    string(a.Category),
		Message:     a.Message,
		At:          a.At,
		AutoResolve: a.AutoResolve,
		Resolved:    a.Resolved,
	}
}

type optimizationJSON struct {
	DisableSpectral bool    `json:"disable_spectral"`
	FrameBatch      int     `json:"frame_batch"`
	Restore         bool    `json:"restore"`
	Health          float64 `json:"health"`
}

func optimizationView(o monitor.Optimization) optimizationJSON {
	return optimizationJSON{
		DisableSpectral: o.DisableSpectral,
		FrameBatch:      o.FrameBatch,
		Restore:         o.Restore,
		Health:          o.Health,
	}
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
