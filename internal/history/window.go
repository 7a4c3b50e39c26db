package history

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"
)

const (
	// trendSpan is the number of samples in each half of a trend comparison.
	trendSpan = 5

	// trendThreshold is the relative change beyond which a trend is no longer
	// considered stable.
	trendThreshold = 0.10
)

// Polarity tells [Window.Trend] which direction is good for a metric.
type Polarity int

const (
	// LowerIsBetter applies to latency, CPU, and memory.
	LowerIsBetter Polarity = iota

	// HigherIsBetter applies to quality and throughput.
	HigherIsBetter
)

// Direction classifies a trend.
type Direction int

const (
	Stable Direction = iota
	Improving
	Degrading
)

// String returns the lowercase name of the direction.
func (d Direction) String() string {
	switch d {
	case Improving:
		return "improving"
	case Degrading:
		return "degrading"
	default:
		return "stable"
	}
}

// Trend is the result of comparing the most recent samples of a window to the
// ones before them.
type Trend struct {
	Direction Direction

	// Change is the relative change of the recent mean against the previous
	// mean. Positive means the value went up.
	Change float64

	// Confidence is in (0, 1]; low variance gives high confidence. It is 0 when
	// there were not enough samples to compare.
	Confidence float64
}

// Window is a fixed-capacity rolling window of float64 samples with order
// statistics.
type Window struct {
	ring *Ring[float64]
}

// NewWindow returns an empty Window holding at most capacity samples.
func NewWindow(capacity int) *Window {
	return &Window{ring: NewRing[float64](capacity)}
}

// Add appends a sample, evicting the oldest one when full.
func (w *Window) Add(v float64) { w.ring.Push(v) }

// Len returns the number of samples.
func (w *Window) Len() int { return w.ring.Len() }

// Cap returns the window capacity.
func (w *Window) Cap() int { return w.ring.Cap() }

// Values returns a copy of the samples, oldest first.
func (w *Window) Values() []float64 { return w.ring.Values() }

// Reset drops all samples.
func (w *Window) Reset() { w.ring.Reset() }

// Mean returns the arithmetic mean, or 0 for an empty window.
func (w *Window) Mean() float64 {
	if w.ring.Len() == 0 {
		return 0
	}
	return stat.Mean(w.ring.Values(), nil)
}

// StdDev returns the sample standard deviation, or 0 with fewer than two
// samples.
func (w *Window) StdDev() float64 {
	if w.ring.Len() < 2 {
		return 0
	}
	return stat.StdDev(w.ring.Values(), nil)
}

// Min returns the smallest sample, or 0 for an empty window.
func (w *Window) Min() float64 {
	if w.ring.Len() == 0 {
		return 0
	}
	return slices.Min(w.ring.Values())
}

// Max returns the largest sample, or 0 for an empty window.
func (w *Window) Max() float64 {
	if w.ring.Len() == 0 {
		return 0
	}
	return slices.Max(w.ring.Values())
}

// Percentile returns the nearest-rank percentile of the window for p in
// [0, 1]. The sorted index is ⌊p·n⌋, clamped to the last element, so the 95th
// percentile of [10 20 30 40 50] is 50.
func (w *Window) Percentile(p float64) float64 {
	n := w.ring.Len()
	if n == 0 {
		return 0
	}
	sorted := w.ring.Values()
	slices.Sort(sorted)
	return sorted[rankIndex(p, n)]
}

// Percentiles returns several nearest-rank percentiles from a single sort.
func (w *Window) Percentiles(ps ...float64) []float64 {
	out := make([]float64, len(ps))
	n := w.ring.Len()
	if n == 0 {
		return out
	}
	sorted := w.ring.Values()
	slices.Sort(sorted)
	for i, p := range ps {
		out[i] = sorted[rankIndex(p, n)]
	}
	return out
}

func rankIndex(p float64, n int) int {
	idx := int(math.Floor(p * float64(n)))
	return max(0, min(idx, n-1))
}

// Trend compares the mean of the newest five samples to the mean of the five
// before them. A relative change beyond 10% is improving or degrading
// according to pol; anything else is stable.
func (w *Window) Trend(pol Polarity) Trend {
	if w.ring.Len() < 2*trendSpan {
		return Trend{Direction: Stable}
	}
	last := w.ring.Last(2 * trendSpan)
	prev := stat.Mean(last[:trendSpan], nil)
	recent := stat.Mean(last[trendSpan:], nil)

	var change float64
	switch {
	case prev != 0:
		change = (recent - prev) / math.Abs(prev)
	case recent > 0:
		change = 1
	case recent < 0:
		change = -1
	}

	t := Trend{Direction: Stable, Change: change, Confidence: confidence(last)}
	if math.Abs(change) <= trendThreshold {
		return t
	}
	up := change > 0
	if up == (pol == HigherIsBetter) {
		t.Direction = Improving
	} else {
		t.Direction = Degrading
	}
	return t
}

// confidence maps the coefficient of variation of xs to (0, 1].
func confidence(xs []float64) float64 {
	mean, sd := stat.MeanStdDev(xs, nil)
	if mean == 0 {
		if sd == 0 {
			return 1
		}
		return 0
	}
	cv := sd / math.Abs(mean)
	return 1 / (1 + cv)
}

// Running keeps an incremental mean, minimum, and maximum without storing
// samples.
type Running struct {
	Count int
	Mean  float64
	Min   float64
	Max   float64
}

// Add folds v into the running statistics.
func (r *Running) Add(v float64) {
	r.Count++
	if r.Count == 1 {
		r.Mean, r.Min, r.Max = v, v, v
		return
	}
	r.Mean += (v - r.Mean) / float64(r.Count)
	r.Min = min(r.Min, v)
	r.Max = max(r.Max, v)
}
