// Package event provides the typed, bounded channels that carry messages out
// of the audio-rate context and out to the host application.
//
// Each message kind gets its own [Queue]. Publishing never blocks: when the
// queue is full the oldest pending message is dropped and counted. Ordering
// within one queue is preserved.
package event

import "sync/atomic"

// DefaultSize is the capacity used when a size below 1 is requested.
const DefaultSize = 64

// Queue is a bounded, drop-oldest channel of T. The zero value is not usable;
// create queues with [NewQueue]. A nil *Queue accepts and discards every
// message, so components can treat an unconfigured queue as "nobody is
// listening".
type Queue[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

// NewQueue returns a queue that buffers up to size messages.
func NewQueue[T any](size int) *Queue[T] {
	if size < 1 {
		size = DefaultSize
	}
	return &Queue[T]{ch: make(chan T, size)}
}

// Publish enqueues v without blocking. If the queue is full the oldest pending
// message is discarded to make room. It reports whether any message was
// dropped.
func (q *Queue[T]) Publish(v T) (dropped bool) {
	if q == nil {
		return false
	}
	for {
		select {
		case q.ch <- v:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			dropped = true
		default:
			// A consumer drained the queue between the two selects; retry.
		}
	}
}

// C returns the receive side of the queue.
func (q *Queue[T]) C() <-chan T {
	if q == nil {
		return nil
	}
	return q.ch
}

// Dropped returns how many messages were discarded by backpressure.
func (q *Queue[T]) Dropped() uint64 {
	if q == nil {
		return 0
	}
	return q.dropped.Load()
}

// Len returns the number of pending messages.
func (q *Queue[T]) Len() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

// Discard empties the queue without processing the pending messages and
// returns how many were removed. Discarded messages are not counted as
// dropped.
func (q *Queue[T]) Discard() int {
	if q == nil {
		return 0
	}
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}
