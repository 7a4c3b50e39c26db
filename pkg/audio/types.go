// Package audio defines the contracts at the edges of the barge-in core: the
// frames delivered by a capture layer and the playback sources the
// interruption manager controls.
//
// Concrete capture and playback technologies live behind these interfaces in
// adapter packages (see [github.com/MrWong99/bargein/pkg/audio/wscapture] and
// [github.com/MrWong99/bargein/pkg/audio/remote]). Tests use the doubles in
// [github.com/MrWong99/bargein/pkg/audio/mock].
package audio

import "time"

// AudioFrame is one fixed-duration frame of captured audio. Frames are
// ephemeral: they are consumed as soon as the VAD has seen them and are only
// retained in aggregated form.
type AudioFrame struct {
	// Data is interleaved little-endian signed 16-bit PCM.
	Data []byte

	// SampleRate in Hz (e.g., 16000 or 48000).
	SampleRate int

	// Channels is the number of interleaved channels.
	Channels int

	// Timestamp is the capture time relative to stream start.
	Timestamp time.Duration

	// Sequence is a monotonically increasing frame number assigned by the
	// capture layer. Gaps indicate frames lost upstream.
	Sequence uint64
}

// Duration returns the playback duration of the frame derived from its size,
// sample rate, and channel count. It returns 0 when the format is unknown.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	ch := max(f.Channels, 1)
	samples := len(f.Data) / (2 * ch)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
