package history

import (
	"math"
	"slices"
	"testing"
)

func fill(w *Window, vs ...float64) {
	for _, v := range vs {
		w.Add(v)
	}
}

func TestRing_EvictsOldest(t *testing.T) {
	t.Parallel()

	r := NewRing[int](3)
	for i := 1; i <= 3; i++ {
		if r.Push(i) {
			t.Fatalf("Push(%d) evicted on a non-full ring", i)
		}
	}
	if !r.Push(4) {
		t.Fatal("Push(4) on a full ring should evict")
	}
	if got, want := r.Values(), []int{2, 3, 4}; !slices.Equal(got, want) {
		t.Errorf("Values = %v, want %v", got, want)
	}
	if got, want := r.Last(2), []int{3, 4}; !slices.Equal(got, want) {
		t.Errorf("Last(2) = %v, want %v", got, want)
	}
	if v, ok := r.Newest(); !ok || v != 4 {
		t.Errorf("Newest = %d, %v; want 4, true", v, ok)
	}

	r.Reset()
	if r.Len() != 0 {
		t.Errorf("Len after Reset = %d, want 0", r.Len())
	}
	if _, ok := r.Newest(); ok {
		t.Error("Newest on empty ring reported ok")
	}
}

func TestRing_ZeroCapacityBecomesOne(t *testing.T) {
	t.Parallel()

	r := NewRing[string](0)
	r.Push("a")
	r.Push("b")
	if got := r.Values(); len(got) != 1 || got[0] != "b" {
		t.Errorf("Values = %v, want [b]", got)
	}
}

func TestWindow_NearestRankPercentile(t *testing.T) {
	t.Parallel()

	w := NewWindow(100)
	fill(w, 30, 10, 50, 20, 40)

	tests := []struct {
		p    float64
		want float64
	}{
		{0.95, 50},
		{0.99, 50},
		{0.5, 30},
		{0, 10},
		{1, 50},
	}
	for _, tc := range tests {
		if got := w.Percentile(tc.p); got != tc.want {
			t.Errorf("Percentile(%v) = %v, want %v", tc.p, got, tc.want)
		}
	}

	ps := w.Percentiles(0.95, 0.99)
	if ps[0] != 50 || ps[1] != 50 {
		t.Errorf("Percentiles = %v, want [50 50]", ps)
	}
}

func TestWindow_PercentileLargeWindowUsesFloorIndex(t *testing.T) {
	t.Parallel()

	w := NewWindow(100)
	for i := 1; i <= 100; i++ {
		w.Add(float64(i))
	}
	// ⌊0.95·100⌋ = 95 → the 96th smallest value.
	if got := w.Percentile(0.95); got != 96 {
		t.Errorf("p95 = %v, want 96", got)
	}
	if got := w.Percentile(0.99); got != 100 {
		t.Errorf("p99 = %v, want 100", got)
	}
}

func TestWindow_Stats(t *testing.T) {
	t.Parallel()

	w := NewWindow(4)
	if w.Mean() != 0 || w.Max() != 0 || w.Min() != 0 || w.StdDev() != 0 {
		t.Fatal("empty window should report zero statistics")
	}
	fill(w, 1, 2, 3, 4, 5) // 1 is evicted.
	if got := w.Mean(); got != 3.5 {
		t.Errorf("Mean = %v, want 3.5", got)
	}
	if got := w.Min(); got != 2 {
		t.Errorf("Min = %v, want 2", got)
	}
	if got := w.Max(); got != 5 {
		t.Errorf("Max = %v, want 5", got)
	}
}

func TestWindow_Trend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []float64
		pol     Polarity
		want    Direction
	}{
		{"latency rising degrades", []float64{10, 10, 10, 10, 10, 20, 20, 20, 20, 20}, LowerIsBetter, Degrading},
		{"latency falling improves", []float64{20, 20, 20, 20, 20, 10, 10, 10, 10, 10}, LowerIsBetter, Improving},
		{"quality rising improves", []float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.9, 0.9, 0.9, 0.9, 0.9}, HigherIsBetter, Improving},
		{"quality falling degrades", []float64{0.9, 0.9, 0.9, 0.9, 0.9, 0.5, 0.5, 0.5, 0.5, 0.5}, HigherIsBetter, Degrading},
		{"small change is stable", []float64{100, 100, 100, 100, 100, 105, 105, 105, 105, 105}, LowerIsBetter, Stable},
		{"not enough samples", []float64{1, 2, 3}, LowerIsBetter, Stable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := NewWindow(100)
			fill(w, tc.samples...)
			if got := w.Trend(tc.pol).Direction; got != tc.want {
				t.Errorf("Direction = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWindow_TrendConfidence(t *testing.T) {
	t.Parallel()

	flat := NewWindow(10)
	fill(flat, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5)
	if got := flat.Trend(LowerIsBetter).Confidence; got != 1 {
		t.Errorf("flat confidence = %v, want 1", got)
	}

	noisy := NewWindow(10)
	fill(noisy, 1, 9, 1, 9, 1, 9, 1, 9, 1, 9)
	got := noisy.Trend(LowerIsBetter).Confidence
	if got <= 0 || got >= 1 {
		t.Errorf("noisy confidence = %v, want in (0,1)", got)
	}

	few := NewWindow(10)
	fill(few, 1, 2)
	if got := few.Trend(LowerIsBetter).Confidence; got != 0 {
		t.Errorf("confidence with too few samples = %v, want 0", got)
	}
}

func TestRunning(t *testing.T) {
	t.Parallel()

	var r Running
	for _, v := range []float64{4, 2, 9} {
		r.Add(v)
	}
	if r.Count != 3 {
		t.Errorf("Count = %d, want 3", r.Count)
	}
	if math.Abs(r.Mean-5) > 1e-9 {
		t.Errorf("Mean = %v, want 5", r.Mean)
	}
	if r.Min != 2 || r.Max != 9 {
		t.Errorf("Min/Max = %v/%v, want 2/9", r.Min, r.Max)
	}
}
