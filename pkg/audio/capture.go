package audio

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrPermissionDenied is returned by [Capture.Start] when the platform refuses
// access to the microphone. It is not worth retrying.
var ErrPermissionDenied = errors.New("audio: capture permission denied")

// Capabilities describes what a capture layer can deliver.
type Capabilities struct {
	// SampleRates lists the supported sample rates in Hz.
	SampleRates []int

	// RealTime reports whether frames are delivered at a fixed real-time
	// cadence.
	RealTime bool

	// BaselineLatency is the layer's own estimate of capture-to-delivery
	// latency.
	BaselineLatency time.Duration
}

// Supports reports whether rate is among the supported sample rates.
func (c Capabilities) Supports(rate int) bool {
	return slices.Contains(c.SampleRates, rate)
}

// Capture is the upstream capture contract.
type Capture interface {
	// Capabilities queries the platform. It may perform I/O.
	Capabilities(ctx context.Context) (Capabilities, error)

	// Start begins delivering frames on the returned channel, which is closed
	// when capture ends (ctx cancelled, Close called, or the stream failed).
	// An error means capture did not start at all.
	Start(ctx context.Context) (<-chan AudioFrame, error)

	// Close stops capture and releases resources. Safe to call more than once.
	Close() error
}
