package energy

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Speech energy concentrates between roughly 250 Hz and 4 kHz.
const (
	speechBandLow  = 250.0
	speechBandHigh = 4000.0
	rolloffShare   = 0.85
	rolloffCeiling = 5000.0
	fluxSaturation = 0.1
)

// rms returns the root mean square of samples.
func rms(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// zcr returns zero crossings per sample.
func zcr(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

// likelihood maps smoothed energy relative to the threshold onto [0,1]. At
// the threshold it is 0.5; three times the threshold gives 0.9.
func likelihood(energy, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	r := energy / threshold
	return r * r / (1 + r*r)
}

// spectrum computes magnitude spectra and tracks the previous frame for flux.
// It is owned by the frame goroutine.
type spectrum struct {
	fft    *fourier.FFT
	n      int
	coeffs []complex128
	mags   []float64
	prev   []float64
}

// features holds the spectral measurements of one frame.
type features struct {
	Centroid float64 // Hz
	Rolloff  float64 // Hz
	Flux     float64 // normalised, 0 for the first frame
}

// analyze returns the spectral features of samples recorded at rate Hz.
func (s *spectrum) analyze(samples []float64, rate int) features {
	n := len(samples)
	if n < 4 || rate <= 0 {
		return features{}
	}
	if s.fft == nil || s.n != n {
		s.fft = fourier.NewFFT(n)
		s.n = n
		s.coeffs = make([]complex128, n/2+1)
		s.prev = nil
	}
	s.coeffs = s.fft.Coefficients(s.coeffs, samples)
	if cap(s.mags) < len(s.coeffs) {
		s.mags = make([]float64, len(s.coeffs))
	}
	s.mags = s.mags[:len(s.coeffs)]

	var total, weighted, power float64
	for k, c := range s.coeffs {
		m := cmplx.Abs(c)
		s.mags[k] = m
		f := s.fft.Freq(k) * float64(rate)
		total += m
		weighted += f * m
		power += m * m
	}

	var out features
	if total > 0 {
		out.Centroid = weighted / total
	}

	if power > 0 {
		var acc float64
		for k, m := range s.mags {
			acc += m * m
			if acc >= rolloffShare*power {
				out.Rolloff = s.fft.Freq(k) * float64(rate)
				break
			}
		}
	}

	if len(s.prev) == len(s.mags) && power > 0 {
		var diff float64
		for k, m := range s.mags {
			d := m - s.prev[k]
			diff += d * d
		}
		out.Flux = diff / power
	}
	s.prev = append(s.prev[:0], s.mags...)
	return out
}

// reset forgets the previous spectrum.
func (s *spectrum) reset() { s.prev = s.prev[:0] }

// speechScore rates how speech-like the features are, in [0,1].
func speechScore(f features) float64 {
	var centroid float64
	switch {
	case f.Centroid >= speechBandLow && f.Centroid <= speechBandHigh:
		centroid = 1
	case f.Centroid < speechBandLow:
		centroid = f.Centroid / speechBandLow
	default:
		centroid = speechBandHigh / f.Centroid
	}

	rolloff := 1.0
	if f.Rolloff > rolloffCeiling {
		rolloff = rolloffCeiling / f.Rolloff
	}

	flux := math.Min(1, f.Flux/fluxSaturation)

	return clamp01(0.5*centroid + 0.25*rolloff + 0.25*flux)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
