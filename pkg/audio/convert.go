package audio

import "fmt"

// Format describes the sample rate and channel count of a stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FormatOf returns the format of f.
func FormatOf(f AudioFrame) Format {
	return Format{SampleRate: f.SampleRate, Channels: max(f.Channels, 1)}
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	switch {
	case f.Channels <= 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case f.Channels == 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// NeedsResample reports whether f differs from mono PCM16 at rate. Frames
// with an unknown rate are left alone.
func NeedsResample(f AudioFrame, rate int) bool {
	if rate <= 0 || f.SampleRate <= 0 {
		return false
	}
	return f.SampleRate != rate || f.Channels > 1
}

// Resample returns f as mono PCM16 at rate. Channels are averaged and the
// rate is changed by linear interpolation. Timestamp and Sequence are kept,
// and the duration is preserved up to one output sample.
func Resample(f AudioFrame, rate int) AudioFrame {
	if !NeedsResample(f, rate) {
		return f
	}
	src := MonoSamples(f)
	out := f
	out.SampleRate = rate
	out.Channels = 1
	out.Data = EncodeMono(interpolate(src, f.SampleRate, rate))
	return out
}

// interpolate resamples mono samples from srcRate to dstRate.
func interpolate(src []float64, srcRate, dstRate int) []float64 {
	if srcRate == dstRate || len(src) == 0 {
		return src
	}
	n := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	dst := make([]float64, n)
	step := float64(srcRate) / float64(dstRate)
	last := len(src) - 1
	for i := range dst {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			dst[i] = src[last]
			continue
		}
		frac := pos - float64(j)
		dst[i] = src[j]*(1-frac) + src[j+1]*frac
	}
	return dst
}
