package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to release a producer goroutine that still writes to a channel
// nobody reads anymore.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

// DrainPending discards the values already buffered in ch without waiting for
// more and returns how many were removed.
func DrainPending[T any](ch <-chan T) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
