// Package history provides the fixed-capacity rolling buffers shared by the
// VAD, the frame pipeline, the barge-in orchestrator, and the performance
// monitor.
//
// The types in this package are not safe for concurrent use. Every owner
// already serialises access behind its own mutex (or a single goroutine), so
// the buffers themselves stay lock-free.
package history

// Ring is a fixed-capacity ring buffer. Once full, each Push overwrites the
// oldest element.
type Ring[T any] struct {
	buf   []T
	start int
	n     int
}

// NewRing returns an empty Ring holding at most capacity elements. A capacity
// below 1 is raised to 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when the ring is full. It
// reports whether an element was evicted.
func (r *Ring[T]) Push(v T) (evicted bool) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return false
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return true
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Values returns a copy of the stored elements, oldest first.
func (r *Ring[T]) Values() []T {
	out := make([]T, r.n)
	for i := range r.n {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Last returns a copy of the newest n elements, oldest first. If fewer than n
// elements are stored, all of them are returned.
func (r *Ring[T]) Last(n int) []T {
	if n > r.n {
		n = r.n
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	off := r.n - n
	for i := range n {
		out[i] = r.buf[(r.start+off+i)%len(r.buf)]
	}
	return out
}

// Newest returns the most recently pushed element.
func (r *Ring[T]) Newest() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.buf[(r.start+r.n-1)%len(r.buf)], true
}

// Reset removes all elements without releasing the backing array.
func (r *Ring[T]) Reset() {
	clear(r.buf)
	r.start = 0
	r.n = 0
}
