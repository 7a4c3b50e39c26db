// Package opus decodes Opus packets into [audio.AudioFrame] values so that
// Opus-encoded capture streams can feed the PCM-only VAD.
package opus

import (
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/bargein/pkg/audio"
)

// maxFrameSize is the largest Opus frame (120 ms at 48 kHz) per channel.
const maxFrameSize = 5760

// Decoder wraps a gopus decoder for a single stream. Decoder state carries
// across packets, so each stream needs its own Decoder. Not safe for
// concurrent use.
type Decoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
	seq        uint64
	elapsed    time.Duration
}

// NewDecoder creates a decoder producing PCM at sampleRate with the given
// channel count. Opus supports 8000, 12000, 16000, 24000, and 48000 Hz.
func NewDecoder(sampleRate, channels int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, sampleRate: sampleRate, channels: channels}, nil
}

// Decode decodes one Opus packet into a frame. Sequence numbers and
// timestamps are assigned by the decoder from the decoded duration.
func (d *Decoder) Decode(packet []byte) (audio.AudioFrame, error) {
	pcm, err := d.dec.Decode(packet, maxFrameSize, false)
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("opus: decode: %w", err)
	}
	d.seq++
	f := audio.AudioFrame{
		Data:       audio.Int16sToBytes(pcm),
		SampleRate: d.sampleRate,
		Channels:   d.channels,
		Timestamp:  d.elapsed,
		Sequence:   d.seq,
	}
	d.elapsed += f.Duration()
	return f, nil
}

// Encoder is the inverse of [Decoder]; the websocket capture tests and the
// demo client use it to produce packets.
type Encoder struct {
	enc      *gopus.Encoder
	channels int
}

// NewEncoder creates a VoIP-tuned encoder.
func NewEncoder(sampleRate, channels int) (*Encoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{enc: enc, channels: channels}, nil
}

// Encode encodes one PCM frame. The frame must hold a valid Opus frame size
// (2.5 to 60 ms of audio).
func (e *Encoder) Encode(f audio.AudioFrame) ([]byte, error) {
	pcm := make([]int16, len(f.Data)/2)
	for i := range pcm {
		pcm[i] = int16(uint16(f.Data[2*i]) | uint16(f.Data[2*i+1])<<8)
	}
	perChannel := len(pcm) / max(e.channels, 1)
	packet, err := e.enc.Encode(pcm, perChannel, len(f.Data))
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}
