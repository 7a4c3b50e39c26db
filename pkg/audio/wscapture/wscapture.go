// Package wscapture implements [audio.Capture] over a websocket.
//
// The capture endpoint is a small relay that owns the real microphone (a
// browser tab, a softphone, a SIP bridge). The protocol is:
//
//  1. Client → server text {"type":"capabilities"}; server replies
//     {"type":"capabilities","sample_rates":[...],"real_time":true,
//     "baseline_latency_ms":N}.
//  2. Client → server text {"type":"start","sample_rate":R,"channels":C,
//     "codec":"pcm16"|"opus"}; server replies {"type":"started"} or closes
//     with status [StatusPermissionDenied].
//  3. Server → client binary messages, one audio frame each.
//
// A 403 handshake response or a [StatusPermissionDenied] close maps to
// [audio.ErrPermissionDenied].
package wscapture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/bargein/pkg/audio"
	"github.com/MrWong99/bargein/pkg/audio/opus"
)

// StatusPermissionDenied is the close code a relay uses when microphone access
// was refused.
const StatusPermissionDenied websocket.StatusCode = 4003

// Codec selects the binary payload encoding.
type Codec string

const (
	CodecPCM16 Codec = "pcm16"
	CodecOpus  Codec = "opus"
)

const (
	defaultSampleRate = 16000
	defaultChannels   = 1
	defaultQueueSize  = 64
	handshakeTimeout  = 5 * time.Second
)

// Compile-time interface assertion.
var _ audio.Capture = (*Capture)(nil)

// Option configures a [Capture].
type Option func(*Capture)

// WithFormat sets the requested sample rate and channel count.
func WithFormat(sampleRate, channels int) Option {
	return func(c *Capture) {
		if sampleRate > 0 {
			c.sampleRate = sampleRate
		}
		if channels > 0 {
			c.channels = channels
		}
	}
}

// WithCodec selects the payload codec. The default is [CodecPCM16].
func WithCodec(codec Codec) Option {
	return func(c *Capture) {
		if codec != "" {
			c.codec = codec
		}
	}
}

// WithHeader adds HTTP headers to the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(c *Capture) { c.header = h.Clone() }
}

// WithQueueSize sets the frame channel buffer. When the consumer falls behind
// frames are dropped and the sequence gap tells the pipeline.
func WithQueueSize(n int) Option {
	return func(c *Capture) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// Capture streams frames from a websocket relay.
type Capture struct {
	url        string
	sampleRate int
	channels   int
	codec      Codec
	header     http.Header
	queueSize  int

	dropped atomic.Uint64

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a capture for the relay at url (ws:// or wss://). No connection
// is made until [Capture.Capabilities] or [Capture.Start].
func New(url string, opts ...Option) *Capture {
	c := &Capture{
		url:        url,
		sampleRate: defaultSampleRate,
		channels:   defaultChannels,
		codec:      CodecPCM16,
		queueSize:  defaultQueueSize,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type controlMessage struct {
	Type              string `json:"type"`
	SampleRates       []int  `json:"sample_rates,omitempty"`
	RealTime          bool   `json:"real_time,omitempty"`
	BaselineLatencyMs int    `json:"baseline_latency_ms,omitempty"`
	SampleRate        int    `json:"sample_rate,omitempty"`
	Channels          int    `json:"channels,omitempty"`
	Codec             Codec  `json:"codec,omitempty"`
}

// Capabilities dials the relay, asks for its capabilities, and adds half the
// measured round trip to the reported baseline latency.
func (c *Capture) Capabilities(ctx context.Context) (audio.Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return audio.Capabilities{}, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "capabilities done")

	start := time.Now()
	if err := wsjson.Write(ctx, conn, controlMessage{Type: "capabilities"}); err != nil {
		return audio.Capabilities{}, fmt.Errorf("wscapture: capabilities request: %w", err)
	}
	var reply controlMessage
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		return audio.Capabilities{}, c.mapErr("capabilities reply", err)
	}
	rtt := time.Since(start)
	if reply.Type != "capabilities" {
		return audio.Capabilities{}, fmt.Errorf("wscapture: unexpected reply %q", reply.Type)
	}

	return audio.Capabilities{
		SampleRates:     reply.SampleRates,
		RealTime:        reply.RealTime,
		BaselineLatency: time.Duration(reply.BaselineLatencyMs)*time.Millisecond + rtt/2,
	}, nil
}

// Start dials the relay, requests the stream, and waits for the relay's
// acknowledgement before returning, so a refused microphone surfaces here.
func (c *Capture) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil, errors.New("wscapture: already started")
	}

	var dec *opus.Decoder
	if c.codec == CodecOpus {
		var err error
		if dec, err = opus.NewDecoder(c.sampleRate, c.channels); err != nil {
			return nil, err
		}
	}

	hsCtx, hsCancel := context.WithTimeout(ctx, handshakeTimeout)
	defer hsCancel()

	conn, err := c.dial(hsCtx)
	if err != nil {
		return nil, err
	}
	req := controlMessage{Type: "start", SampleRate: c.sampleRate, Channels: c.channels, Codec: c.codec}
	if err := wsjson.Write(hsCtx, conn, req); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("wscapture: start request: %w", err)
	}
	var ack controlMessage
	if err := wsjson.Read(hsCtx, conn, &ack); err != nil {
		conn.CloseNow()
		return nil, c.mapErr("start ack", err)
	}
	if ack.Type != "started" {
		conn.CloseNow()
		return nil, fmt.Errorf("wscapture: unexpected ack %q", ack.Type)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	out := make(chan audio.AudioFrame, c.queueSize)
	c.conn = conn
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.readLoop(streamCtx, conn, dec, out, c.done)

	slog.Info("wscapture: stream started", "url", c.url, "codec", c.codec, "sample_rate", c.sampleRate)
	return out, nil
}

// Dropped returns how many frames were discarded because the consumer fell
// behind.
func (c *Capture) Dropped() uint64 { return c.dropped.Load() }

// Close ends the stream. Safe to call more than once.
func (c *Capture) Close() error {
	c.mu.Lock()
	conn, cancel, done := c.conn, c.cancel, c.done
	c.conn, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (c *Capture) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("wscapture: dial: %w", audio.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("wscapture: dial: %w", err)
	}
	return conn, nil
}

func (c *Capture) mapErr(op string, err error) error {
	if websocket.CloseStatus(err) == StatusPermissionDenied {
		return fmt.Errorf("wscapture: %s: %w", op, audio.ErrPermissionDenied)
	}
	return fmt.Errorf("wscapture: %s: %w", op, err)
}

func (c *Capture) readLoop(ctx context.Context, conn *websocket.Conn, dec *opus.Decoder, out chan<- audio.AudioFrame, done chan<- struct{}) {
	defer close(done)
	defer close(out)
	defer conn.Close(websocket.StatusNormalClosure, "capture closed")

	var (
		seq     uint64
		elapsed time.Duration
	)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("wscapture: stream ended", "url", c.url, "err", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}

		var f audio.AudioFrame
		if dec != nil {
			if f, err = dec.Decode(data); err != nil {
				slog.Warn("wscapture: dropping undecodable packet", "err", err)
				continue
			}
		} else {
			f = audio.AudioFrame{Data: data, SampleRate: c.sampleRate, Channels: c.channels}
		}
		seq++
		f.Sequence = seq
		f.Timestamp = elapsed
		elapsed += f.Duration()

		select {
		case out <- f:
		default:
			c.dropped.Add(1)
		}
	}
}
