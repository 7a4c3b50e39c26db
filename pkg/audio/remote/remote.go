// Package remote adapts a playback client connected over a websocket into an
// [audio.Source].
//
// The player announces itself with a text message
//
//	{"type":"hello","id":"tts-1","can_resume":true}
//
// and then reports its state whenever it changes:
//
//	{"type":"state","volume":1,"position_ms":1200,"duration_ms":4000,"playing":true}
//
// Commands flow the other way as {"cmd":"set_volume","value":0.2},
// {"cmd":"ramp_volume","value":0.2,"duration_ms":150},
// {"cmd":"seek","position_ms":0}, {"cmd":"play"}, {"cmd":"pause"} and
// {"cmd":"stop"}. Every command is applied to the local mirror as soon as the
// write succeeds, so getters reflect commanded state without waiting for the
// next report.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/bargein/pkg/audio"
)

const (
	helloTimeout = 5 * time.Second

	// DefaultCommandTimeout bounds a single command write. Interruptions have
	// a tight budget, so a stalled player fails fast instead of blocking the
	// batch.
	DefaultCommandTimeout = 20 * time.Millisecond
)

// ErrClosed is returned by commands sent after the connection ended.
var ErrClosed = errors.New("remote: player disconnected")

// Compile-time interface assertions.
var (
	_ audio.Source           = (*Player)(nil)
	_ audio.GainRamper       = (*Player)(nil)
	_ audio.MidStreamResumer = (*Player)(nil)
)

type message struct {
	Type       string  `json:"type,omitempty"`
	ID         string  `json:"id,omitempty"`
	CanResume  *bool   `json:"can_resume,omitempty"`
	Volume     float64 `json:"volume"`
	PositionMs int64   `json:"position_ms"`
	DurationMs int64   `json:"duration_ms"`
	Playing    bool    `json:"playing"`
}

type command struct {
	Cmd        string  `json:"cmd"`
	Value      float64 `json:"value,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	PositionMs int64   `json:"position_ms,omitempty"`
}

// Option configures a [Player].
type Option func(*Player)

// WithCommandTimeout overrides [DefaultCommandTimeout].
func WithCommandTimeout(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.cmdTimeout = d
		}
	}
}

// Player is a remote playback client.
type Player struct {
	id         string
	canResume  bool
	conn       *websocket.Conn
	cmdTimeout time.Duration

	writeMu sync.Mutex

	mu         sync.Mutex
	volume     float64
	position   time.Duration
	positionAt time.Time
	duration   time.Duration
	playing    bool
	closed     bool
}

// Accept upgrades the request, reads the player's hello, and returns the
// connected Player. Call [Player.Run] to start consuming state reports.
func Accept(w http.ResponseWriter, r *http.Request, opts ...Option) (*Player, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: accept: %w", err)
	}

	ctx, cancel := context.WithTimeout(r.Context(), helloTimeout)
	defer cancel()

	var hello message
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		conn.Close(websocket.StatusProtocolError, "expected hello")
		return nil, fmt.Errorf("remote: read hello: %w", err)
	}
	if hello.Type != "hello" || hello.ID == "" {
		conn.Close(websocket.StatusProtocolError, "expected hello with id")
		return nil, fmt.Errorf("remote: bad hello %q", hello.Type)
	}

	p := &Player{
		id:         hello.ID,
		canResume:  hello.CanResume == nil || *hello.CanResume,
		conn:       conn,
		cmdTimeout: DefaultCommandTimeout,
		volume:     1,
		positionAt: time.Now(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ID returns the id the player announced.
func (p *Player) ID() string { return p.id }

// Run applies state reports until the connection closes or ctx is cancelled.
// It always returns a non-nil error describing why the player went away.
func (p *Player) Run(ctx context.Context) error {
	defer p.markClosed()
	for {
		var msg message
		if err := wsjson.Read(ctx, p.conn, &msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return ErrClosed
			}
			return fmt.Errorf("remote: read: %w", err)
		}
		if msg.Type != "state" {
			slog.Debug("remote: ignoring message", "player", p.id, "type", msg.Type)
			continue
		}
		p.mu.Lock()
		p.volume = msg.Volume
		p.position = time.Duration(msg.PositionMs) * time.Millisecond
		p.positionAt = time.Now()
		p.duration = time.Duration(msg.DurationMs) * time.Millisecond
		p.playing = msg.Playing
		p.mu.Unlock()
	}
}

// Close ends the connection.
func (p *Player) Close() error {
	p.markClosed()
	return p.conn.Close(websocket.StatusNormalClosure, "player unregistered")
}

func (p *Player) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.playing = false
	p.mu.Unlock()
}

// Volume returns the mirrored gain.
func (p *Player) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// SetVolume commands an immediate gain change.
func (p *Player) SetVolume(v float64) error {
	if err := p.send(command{Cmd: "set_volume", Value: v}); err != nil {
		return err
	}
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
	return nil
}

// RampVolume asks the player to ramp gain on its own audio thread.
func (p *Player) RampVolume(target float64, over time.Duration) error {
	if err := p.send(command{Cmd: "ramp_volume", Value: target, DurationMs: over.Milliseconds()}); err != nil {
		return err
	}
	p.mu.Lock()
	p.volume = target
	p.mu.Unlock()
	return nil
}

// Position returns the mirrored position, extrapolated while playing.
func (p *Player) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos := p.position
	if p.playing {
		pos += time.Since(p.positionAt)
	}
	if p.duration > 0 && pos > p.duration {
		pos = p.duration
	}
	return pos
}

// SetPosition commands a seek.
func (p *Player) SetPosition(pos time.Duration) error {
	if err := p.send(command{Cmd: "seek", PositionMs: pos.Milliseconds()}); err != nil {
		return err
	}
	p.mu.Lock()
	p.position = pos
	p.positionAt = time.Now()
	p.mu.Unlock()
	return nil
}

// Duration returns the last reported utterance length.
func (p *Player) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration
}

// Playing returns the mirrored playing flag.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Play commands playback.
func (p *Player) Play() error { return p.transport("play", true) }

// Pause commands a pause.
func (p *Player) Pause() error { return p.transport("pause", false) }

// Stop commands a stop.
func (p *Player) Stop() error { return p.transport("stop", false) }

// CanResumeMidStream reports what the player announced in its hello.
func (p *Player) CanResumeMidStream() bool { return p.canResume }

func (p *Player) transport(cmd string, playing bool) error {
	if err := p.send(command{Cmd: cmd}); err != nil {
		return err
	}
	p.mu.Lock()
	if p.playing && !playing {
		p.position += time.Since(p.positionAt)
	}
	p.positionAt = time.Now()
	p.playing = playing
	p.mu.Unlock()
	return nil
}

func (p *Player) send(c command) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), p.cmdTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, p.conn, c); err != nil {
		return fmt.Errorf("remote: %s: %w", c.Cmd, err)
	}
	return nil
}
