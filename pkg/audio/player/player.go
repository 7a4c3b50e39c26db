// Package player is an in-process playback source. It queues PCM segments by
// priority, renders them in real time to an output callback at the current
// gain, and implements [audio.Source] so the interruption manager can duck,
// pause or stop it.
//
// Higher-priority segments preempt the one playing; equal priorities play in
// arrival order with a short jittered gap between them.
package player

import (
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/bargein/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Source           = (*Player)(nil)
	_ audio.GainRamper       = (*Player)(nil)
	_ audio.MidStreamResumer = (*Player)(nil)
)

const (
	// DefaultFrame is the render period.
	DefaultFrame = 20 * time.Millisecond

	// DefaultGap is the base silence between consecutive segments.
	DefaultGap = 150 * time.Millisecond

	defaultQueueCap = 16
)

// ErrClosed is returned by calls on a closed Player.
var ErrClosed = errors.New("player: closed")

// Segment is one utterance of little-endian PCM16 audio.
type Segment struct {
	ID         string
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration returns the playback length of s.
func (s Segment) Duration() time.Duration {
	return audio.AudioFrame{Data: s.PCM, SampleRate: s.SampleRate, Channels: s.Channels}.Duration()
}

func (s Segment) validate() error {
	if s.SampleRate <= 0 || s.Channels <= 0 {
		return fmt.Errorf("player: segment %q: invalid format %dHz/%dch", s.ID, s.SampleRate, s.Channels)
	}
	if len(s.PCM)%(2*s.Channels) != 0 {
		return fmt.Errorf("player: segment %q: %d bytes is not a whole number of samples", s.ID, len(s.PCM))
	}
	return nil
}

func (s Segment) sampleBytes() int { return 2 * s.Channels }

// offset converts a byte offset into s to a duration.
func (s Segment) offset(pos int) time.Duration {
	return time.Duration(pos/s.sampleBytes()) * time.Second / time.Duration(s.SampleRate)
}

// bytesFor converts a duration to a sample-aligned byte count in s.
func (s Segment) bytesFor(d time.Duration) int {
	samples := int(d * time.Duration(s.SampleRate) / time.Second)
	return samples * s.sampleBytes()
}

// Option configures a [Player].
type Option func(*Player)

// WithClock sets the clock driving the render loop.
func WithClock(c clockwork.Clock) Option {
	return func(p *Player) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithFrame sets the render period. Default: [DefaultFrame].
func WithFrame(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.frame = d
		}
	}
}

// WithGap sets the base silence between segments. Jitter of ±1/6 is applied.
// Zero plays segments back to back.
func WithGap(d time.Duration) Option {
	return func(p *Player) { p.gap = max(d, 0) }
}

// WithQueueCapacity sets the initial capacity of the segment queue.
func WithQueueCapacity(n int) Option {
	return func(p *Player) {
		if n > 0 {
			p.queue = make(segmentHeap, 0, n)
		}
	}
}

// ramp is a gain change spread over a number of render ticks.
type ramp struct {
	target float64
	step   float64
	ticks  int
}

// Player renders queued segments to an output callback.
type Player struct {
	output func(audio.AudioFrame)
	clock  clockwork.Clock
	frame  time.Duration
	log    *slog.Logger

	mu         sync.Mutex
	queue      segmentHeap
	seq        uint64
	gap        time.Duration
	gapLeft    time.Duration
	current    *Segment
	currentPri int
	pos        int
	playing    bool
	volume     float64
	ramp       *ramp
	rendered   uint64
	closed     bool

	done    chan struct{}
	stopped chan struct{}
}

// New starts a Player delivering frames to output. output runs on the render
// goroutine and must not block for long. The player starts in the playing
// state at full volume; call [Player.Close] to stop it.
func New(output func(audio.AudioFrame), opts ...Option) *Player {
	p := &Player{
		output:  output,
		clock:   clockwork.NewRealClock(),
		frame:   DefaultFrame,
		gap:     DefaultGap,
		queue:   make(segmentHeap, 0, defaultQueueCap),
		playing: true,
		volume:  1,
		log:     slog.Default().With("component", "player"),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	heap.Init(&p.queue)
	go p.run(p.clock.NewTicker(p.frame))
	return p
}

// Enqueue schedules seg at priority. A segment with higher priority than the
// one playing replaces it; the replaced segment is dropped.
func (p *Player) Enqueue(seg Segment, priority int) error {
	if err := seg.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.seq++
	heap.Push(&p.queue, entry{seg: seg, priority: priority, seq: p.seq})
	if p.current != nil && priority > p.currentPri {
		p.log.Debug("segment preempted", "dropped", p.current.ID, "by", seg.ID)
		p.current = nil
		p.gapLeft = 0
	}
	return nil
}

// Clear drops every queued segment that is not playing and returns how many
// were dropped.
func (p *Player) Clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.queue.Len()
	p.queue = p.queue[:0]
	return n
}

// Queued returns the number of segments waiting behind the current one.
func (p *Player) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Current returns the id of the segment being played, or "".
func (p *Player) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return ""
	}
	return p.current.ID
}

// Volume returns the current linear gain.
func (p *Player) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// SetVolume sets the gain immediately, cancelling any ramp.
func (p *Player) SetVolume(v float64) error {
	if v < 0 || v > 1 || math.IsNaN(v) {
		return fmt.Errorf("player: volume %v out of range [0,1]", v)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.volume = v
	p.ramp = nil
	return nil
}

// RampVolume moves the gain to target over the given duration on the render
// loop. It returns at once.
func (p *Player) RampVolume(target float64, over time.Duration) error {
	if target < 0 || target > 1 || math.IsNaN(target) {
		return fmt.Errorf("player: volume %v out of range [0,1]", target)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	ticks := int((over + p.frame - 1) / p.frame)
	if ticks <= 1 {
		p.volume = target
		p.ramp = nil
		return nil
	}
	p.ramp = &ramp{target: target, step: (target - p.volume) / float64(ticks), ticks: ticks}
	return nil
}

// Position returns the offset into the current segment.
func (p *Player) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return 0
	}
	return p.current.offset(p.pos)
}

// SetPosition seeks within the current segment. Positions past the end are
// clamped to it.
func (p *Player) SetPosition(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("player: negative position %v", d)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.current == nil {
		if d == 0 {
			return nil
		}
		return errors.New("player: no segment to seek in")
	}
	p.pos = min(p.current.bytesFor(d), len(p.current.PCM))
	return nil
}

// Duration returns the length of the current segment, or 0.
func (p *Player) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return 0
	}
	return p.current.Duration()
}

// Playing reports whether the player is rendering or about to render audio.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && (p.current != nil || p.queue.Len() > 0)
}

// Play resumes rendering from the current position.
func (p *Player) Play() error { return p.setPlaying(true, false) }

// Pause halts rendering and keeps the position.
func (p *Player) Pause() error { return p.setPlaying(false, false) }

// Stop halts rendering and rewinds the current segment. Queued segments are
// kept.
func (p *Player) Stop() error { return p.setPlaying(false, true) }

func (p *Player) setPlaying(on, rewind bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.playing = on
	if rewind {
		p.pos = 0
	}
	return nil
}

// CanResumeMidStream is always true: segments are buffered in full.
func (*Player) CanResumeMidStream() bool { return true }

// Close stops the render loop. It is safe to call more than once.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.playing = false
	p.current = nil
	p.queue = p.queue[:0]
	p.mu.Unlock()

	close(p.done)
	<-p.stopped
	return nil
}

func (p *Player) run(t clockwork.Ticker) {
	defer close(p.stopped)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.Chan():
			if f, ok := p.tick(); ok {
				p.output(f)
			}
		}
	}
}

// tick advances the ramp and renders one frame when there is audio to play.
func (p *Player) tick() (audio.AudioFrame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r := p.ramp; r != nil {
		r.ticks--
		p.volume = min(max(p.volume+r.step, 0), 1)
		if r.ticks <= 0 {
			p.volume = r.target
			p.ramp = nil
		}
	}
	if !p.playing {
		return audio.AudioFrame{}, false
	}
	if p.current == nil {
		if p.gapLeft > 0 {
			p.gapLeft -= p.frame
			return audio.AudioFrame{}, false
		}
		if p.queue.Len() == 0 {
			return audio.AudioFrame{}, false
		}
		e := heap.Pop(&p.queue).(entry)
		p.current, p.currentPri, p.pos = &e.seg, e.priority, 0
	}

	seg := p.current
	end := min(p.pos+max(seg.bytesFor(p.frame), seg.sampleBytes()), len(seg.PCM))
	f := audio.AudioFrame{
		Data:       applyGain(seg.PCM[p.pos:end], p.volume),
		SampleRate: seg.SampleRate,
		Channels:   seg.Channels,
		Timestamp:  seg.offset(p.pos),
		Sequence:   p.rendered,
	}
	p.rendered++
	p.pos = end
	if p.pos >= len(seg.PCM) {
		p.current = nil
		p.pos = 0
		p.gapLeft = p.jitteredGap()
	}
	return f, true
}

// jitteredGap returns the gap with ±1/6 jitter. p.mu must be held.
func (p *Player) jitteredGap() time.Duration {
	if p.gap <= 0 {
		return 0
	}
	j := p.gap / 6
	if j <= 0 {
		return p.gap
	}
	return p.gap + time.Duration(rand.Int64N(int64(2*j+1))) - j
}

// applyGain returns a scaled copy of little-endian PCM16 data.
func applyGain(pcm []byte, gain float64) []byte {
	out := make([]byte, len(pcm))
	if gain == 1 {
		copy(out, pcm)
		return out
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) * gain
		v = max(math.MinInt16, min(math.MaxInt16, math.Round(v)))
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(v)))
	}
	return out
}
