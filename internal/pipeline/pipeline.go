// Package pipeline runs the audio-rate part of a session: it reads frames
// from a capture layer, stamps their arrival time, accounts for frames lost
// upstream, optionally batches consecutive frames, and feeds them to a VAD
// session.
//
// The frame loop runs on its own goroutine locked to an OS thread. Everything
// it produces leaves through bounded drop-oldest [event.Queue] values, so the
// loop never blocks on a slow consumer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/bargein/internal/event"
	"github.com/MrWong99/bargein/internal/fault"
	"github.com/MrWong99/bargein/internal/monitor"
	"github.com/MrWong99/bargein/internal/observe"
	"github.com/MrWong99/bargein/pkg/audio"
	"github.com/MrWong99/bargein/pkg/provider/vad"
)

// MaxFrameBatch is the largest accepted frame batch.
const MaxFrameBatch = 8

var (
	// ErrRunning is returned by Start on a pipeline that is already running.
	ErrRunning = errors.New("pipeline: already running")

	// ErrCaptureEnded is the cause of the fault published when the capture
	// stream closes while the pipeline is still running.
	ErrCaptureEnded = errors.New("pipeline: capture stream ended")
)

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithClock sets the clock used for arrival timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithDecisions sets the queue receiving every decision.
func WithDecisions(q *event.Queue[vad.Decision]) Option {
	return func(p *Pipeline) { p.decisions = q }
}

// WithStateChanges sets the queue receiving active/inactive flips.
func WithStateChanges(q *event.Queue[vad.StateChange]) Option {
	return func(p *Pipeline) { p.changes = q }
}

// WithSamples sets the queue receiving monitor samples.
func WithSamples(q *event.Queue[monitor.Sample]) Option {
	return func(p *Pipeline) { p.samples = q }
}

// WithFaults sets the queue receiving processing faults.
func WithFaults(q *event.Queue[*fault.Error]) Option {
	return func(p *Pipeline) { p.faults = q }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithFrameBatch sets the initial frame batch. Default: 1.
func WithFrameBatch(k int) Option {
	return func(p *Pipeline) { p.batch.Store(int32(max(1, min(k, MaxFrameBatch)))) }
}

// WithTargetRate makes the loop resample frames to mono PCM16 at rate before
// detection. Zero disables conversion.
func WithTargetRate(rate int) Option {
	return func(p *Pipeline) { p.rate.Store(int32(max(rate, 0))) }
}

// Stats counts what the frame loop has seen.
type Stats struct {
	// Frames is the number of frames handed to the detector.
	Frames uint64

	// Decisions is the number of decisions produced.
	Decisions uint64

	// Gaps is the number of frames missing from the upstream sequence.
	Gaps uint64

	// Errors is the number of frames the detector rejected.
	Errors uint64

	// Discarded is the number of queued frames thrown away by Stop.
	Discarded uint64

	// Resampled is the number of frames converted to the target rate.
	Resampled uint64
}

// Pipeline connects one capture layer to one VAD session.
type Pipeline struct {
	capture audio.Capture
	vad     vad.SessionHandle
	clock   clockwork.Clock
	metrics *observe.Metrics
	log     *slog.Logger

	decisions *event.Queue[vad.Decision]
	changes   *event.Queue[vad.StateChange]
	samples   *event.Queue[monitor.Sample]
	faults    *event.Queue[*fault.Error]

	batch atomic.Int32
	rate  atomic.Int32

	warnedFormat atomic.Bool

	frames    atomic.Uint64
	decided   atomic.Uint64
	gaps      atomic.Uint64
	errs      atomic.Uint64
	discarded atomic.Uint64
	resampled atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	stream <-chan audio.AudioFrame
}

// New returns a stopped Pipeline.
func New(capture audio.Capture, sess vad.SessionHandle, opts ...Option) (*Pipeline, error) {
	if capture == nil {
		return nil, errors.New("pipeline: nil capture")
	}
	if sess == nil {
		return nil, errors.New("pipeline: nil vad session")
	}
	p := &Pipeline{
		capture: capture,
		vad:     sess,
		clock:   clockwork.NewRealClock(),
		log:     slog.Default().With("component", "pipeline"),
	}
	p.batch.Store(1)
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p, nil
}

// Start starts capture and the frame loop. A capture that fails to start is
// reported synchronously as a [fault.VADFailed] error wrapping the cause.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	stream, err := p.capture.Start(loopCtx)
	if err != nil {
		cancel()
		return fault.New(fault.VADFailed, "pipeline.start", err).WithTime(p.clock.Now())
	}

	p.cancel = cancel
	p.done = make(chan struct{})
	p.stream = stream
	go p.loop(loopCtx, stream, p.done)
	p.log.Info("pipeline started", "frame_batch", p.batch.Load())
	return nil
}

// Running reports whether the frame loop is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Stop cancels capture, waits for the frame loop to exit, and discards any
// frames still queued without processing them. Stopping a stopped pipeline
// is a no-op.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	cancel, done, stream := p.cancel, p.done, p.stream
	p.cancel, p.done, p.stream = nil, nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	err := p.capture.Close()
	<-done
	if n := audio.DrainPending(stream); n > 0 {
		p.discarded.Add(uint64(n))
		p.log.Debug("discarded queued frames", "frames", n)
	}
	p.log.Info("pipeline stopped")
	if err != nil {
		return fmt.Errorf("pipeline: close capture: %w", err)
	}
	return nil
}

// SetFrameBatch changes how many consecutive frames make one decision. It
// takes effect on the next frame.
func (p *Pipeline) SetFrameBatch(k int) error {
	if k < 1 || k > MaxFrameBatch {
		return fault.New(fault.ConfigInvalid, "pipeline.batch",
			fmt.Errorf("frame batch %d out of range [1,%d]", k, MaxFrameBatch)).WithTime(p.clock.Now())
	}
	if old := p.batch.Swap(int32(k)); int(old) != k {
		p.log.Info("frame batch changed", "from", old, "to", k)
	}
	return nil
}

// SetTargetRate changes the rate frames are resampled to. Zero disables
// conversion.
func (p *Pipeline) SetTargetRate(rate int) {
	p.rate.Store(int32(max(rate, 0)))
}

// FrameBatch returns the current frame batch.
func (p *Pipeline) FrameBatch() int { return int(p.batch.Load()) }

// Stats returns the loop counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:    p.frames.Load(),
		Decisions: p.decided.Load(),
		Gaps:      p.gaps.Load(),
		Errors:    p.errs.Load(),
		Discarded: p.discarded.Load(),
		Resampled: p.resampled.Load(),
	}
}

// loop is the audio-rate goroutine.
func (p *Pipeline) loop(ctx context.Context, stream <-chan audio.AudioFrame, done chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)

	var (
		pending     []audio.AudioFrame
		firstArrive time.Time
		lastSeq     uint64
		haveSeq     bool
		prevState   = vad.StateInactive
	)

	for {
		select {
		case <-ctx.Done():
			p.discarded.Add(uint64(len(pending)))
			return
		case frame, ok := <-stream:
			if !ok {
				if ctx.Err() == nil {
					p.log.Warn("capture stream ended")
					p.faults.Publish(fault.New(fault.VADFailed, "pipeline.capture", ErrCaptureEnded).WithTime(p.clock.Now()))
				}
				return
			}
			if ctx.Err() != nil {
				p.discarded.Add(uint64(1 + len(pending)))
				return
			}
			arrived := p.clock.Now()

			if haveSeq && frame.Sequence > lastSeq+1 {
				missing := frame.Sequence - lastSeq - 1
				p.gaps.Add(missing)
				p.samples.Publish(monitor.Sample{Metric: monitor.MetricFramesDropped, Value: float64(missing)})
			}
			if !haveSeq || frame.Sequence > lastSeq {
				lastSeq, haveSeq = frame.Sequence, true
			}

			if rate := int(p.rate.Load()); audio.NeedsResample(frame, rate) {
				if !p.warnedFormat.Swap(true) {
					p.log.Warn("capture format differs from detector, resampling",
						"from", audio.FormatOf(frame), "to_rate", rate)
				}
				frame = audio.Resample(frame, rate)
				p.resampled.Add(1)
			}

			n := 1
			if k := int(p.batch.Load()); k > 1 || len(pending) > 0 {
				if len(pending) == 0 {
					firstArrive = arrived
				}
				pending = append(pending, frame)
				if len(pending) < k {
					continue
				}
				frame = audio.Concat(pending)
				arrived = firstArrive
				n = len(pending)
				pending = pending[:0]
			}

			prevState = p.process(ctx, frame, arrived, n, prevState)
		}
	}
}

// process runs one (possibly batched) frame through the detector and
// publishes the results. It returns the detector state to compare the next
// decision against.
func (p *Pipeline) process(ctx context.Context, frame audio.AudioFrame, arrived time.Time, n int, prev vad.State) vad.State {
	p.frames.Add(uint64(n))
	d, err := p.vad.ProcessFrame(frame, arrived)
	if err != nil {
		p.errs.Add(1)
		p.faults.Publish(fault.New(fault.VADFailed, "pipeline.process", err).WithTime(p.clock.Now()))
		return prev
	}
	p.decided.Add(1)

	p.metrics.VADDecisionDuration.Record(ctx, d.Latency.Seconds())
	p.samples.Publish(monitor.LatencySample(d.Latency))
	p.samples.Publish(monitor.Sample{Metric: monitor.MetricFramesProcessed, Value: float64(n)})
	if d.LatencyExceeded {
		p.metrics.RecordLatencyBreach(ctx, "vad")
		p.faults.Publish(fault.New(fault.LatencyExceeded, "vad.decision",
			fmt.Errorf("decision latency %v", d.Latency)).WithTime(d.Timestamp))
	}

	if p.decisions.Publish(d) {
		p.metrics.RecordDropped(ctx, "decisions", 1)
	}
	if d.State.IsActive() != prev.IsActive() {
		p.changes.Publish(vad.StateChange{From: prev, To: d.State, Decision: d})
	}
	return d.State
}
