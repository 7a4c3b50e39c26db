package audio

import (
	"encoding/binary"
	"math"
)

// pcmScale normalises signed 16-bit samples to [-1, 1).
const pcmScale = 32768.0

// MonoSamples decodes the little-endian PCM16 payload of f into normalised
// mono samples in [-1, 1). Multi-channel frames are down-mixed by averaging
// each interleaved group. A trailing partial sample is ignored.
func MonoSamples(f AudioFrame) []float64 {
	return AppendMonoSamples(nil, f)
}

// AppendMonoSamples is like [MonoSamples] but appends to dst, letting hot
// paths reuse a buffer.
func AppendMonoSamples(dst []float64, f AudioFrame) []float64 {
	ch := max(f.Channels, 1)
	frameBytes := 2 * ch
	n := len(f.Data) / frameBytes
	dst = dst[:0]
	if cap(dst) < n {
		dst = make([]float64, 0, n)
	}
	for i := range n {
		var sum int32
		base := i * frameBytes
		for c := range ch {
			sum += int32(int16(binary.LittleEndian.Uint16(f.Data[base+2*c:])))
		}
		dst = append(dst, float64(sum)/float64(ch)/pcmScale)
	}
	return dst
}

// EncodeMono encodes normalised mono samples as little-endian PCM16. Values
// outside [-1, 1] are clipped.
func EncodeMono(samples []float64) []byte {
	b := make([]byte, 2*len(samples))
	for i, s := range samples {
		v := math.Round(s * pcmScale)
		v = max(math.MinInt16, min(math.MaxInt16, v))
		binary.LittleEndian.PutUint16(b[2*i:], uint16(int16(v)))
	}
	return b
}

// Int16sToBytes converts interleaved int16 samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}

// Concat joins consecutive frames of the same format into one frame. The
// result keeps the timestamp and sequence number of the first frame. It
// returns the zero frame for an empty input.
func Concat(frames []AudioFrame) AudioFrame {
	if len(frames) == 0 {
		return AudioFrame{}
	}
	if len(frames) == 1 {
		return frames[0]
	}
	size := 0
	for _, f := range frames {
		size += len(f.Data)
	}
	out := frames[0]
	out.Data = make([]byte, 0, size)
	for _, f := range frames {
		out.Data = append(out.Data, f.Data...)
	}
	return out
}
