package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/bargein/pkg/audio"
	"github.com/MrWong99/bargein/pkg/provider/vad"
)

// FeatureProber reports capture capabilities. [audio.Capture] satisfies it.
type FeatureProber interface {
	Capabilities(ctx context.Context) (audio.Capabilities, error)
}

// LatencyProber measures detector latency on synthetic input.
type LatencyProber interface {
	ProbeLatency(ctx context.Context) (time.Duration, error)
}

// LatencyProbeFunc adapts a function to [LatencyProber].
type LatencyProbeFunc func(ctx context.Context) (time.Duration, error)

// ProbeLatency calls f.
func (f LatencyProbeFunc) ProbeLatency(ctx context.Context) (time.Duration, error) { return f(ctx) }

// VADProbe measures the mean per-frame latency of a fresh VAD session fed with
// a synthetic tone.
type VADProbe struct {
	Engine vad.Engine
	Config vad.Config

	// Frames is the number of synthetic frames. Default: 10.
	Frames int

	// Clock times each frame. Default: real clock.
	Clock clockwork.Clock
}

var _ LatencyProber = (*VADProbe)(nil)

// ProbeLatency implements [LatencyProber].
func (p *VADProbe) ProbeLatency(ctx context.Context) (time.Duration, error) {
	if p.Engine == nil {
		return 0, errors.New("resilience: vad probe: no engine")
	}
	clk := p.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	n := p.Frames
	if n <= 0 {
		n = 10
	}
	sess, err := p.Engine.NewSession(p.Config)
	if err != nil {
		return 0, fmt.Errorf("resilience: vad probe: %w", err)
	}
	defer sess.Close()

	frame := syntheticFrame(p.Config)
	var total time.Duration
	for i := range n {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		frame.Sequence = uint64(i + 1)
		start := clk.Now()
		if _, err := sess.ProcessFrame(frame, start); err != nil {
			return 0, fmt.Errorf("resilience: vad probe: frame %d: %w", i, err)
		}
		total += clk.Since(start)
	}
	return total / time.Duration(n), nil
}

// syntheticFrame is one frame of a 440 Hz tone at the configured rate.
func syntheticFrame(cfg vad.Config) audio.AudioFrame {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	size := cfg.FrameSize
	if size <= 0 {
		size = 20 * time.Millisecond
	}
	n := int(int64(rate) * int64(size) / int64(time.Second))
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = 0.3 * math.Sin(2*math.Pi*440*float64(i)/float64(rate))
	}
	return audio.AudioFrame{Data: audio.EncodeMono(samples), SampleRate: rate, Channels: 1}
}

// probe runs the feature and latency probes concurrently. Probe failures are
// recorded in the result rather than returned; only context cancellation is
// an error.
func probe(ctx context.Context, features FeatureProber, latency LatencyProber, timeout time.Duration) (Capabilities, error) {
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Both goroutines return nil. A failed probe is recorded in caps and must
	// not cancel gctx under the other one, so Wait only joins them.
	var caps Capabilities
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if features == nil {
			caps.FeatureErr = errors.New("no feature prober")
			return nil
		}
		c, err := features.Capabilities(gctx)
		if err != nil {
			caps.FeatureErr = err
			return nil
		}
		caps.Capabilities = c
		return nil
	})
	var lat time.Duration
	var latErr error
	g.Go(func() error {
		if latency == nil {
			latErr = errors.New("no latency prober")
			return nil
		}
		lat, latErr = latency.ProbeLatency(gctx)
		return nil
	})
	_ = g.Wait()

	if latErr != nil {
		caps.LatencyErr = latErr
	} else {
		caps.ProbeLatency = lat
	}
	if err := parent.Err(); err != nil {
		return caps, err
	}
	return caps, nil
}

// derive picks the best tier the capabilities allow.
func derive(caps Capabilities, cfg *Config) Tier {
	latencyKnown := caps.LatencyErr == nil && caps.FeatureErr == nil
	total := caps.TotalLatency()
	switch {
	case latencyKnown && caps.RealTime && total <= cfg.FullMaxLatency:
		return TierFull
	case latencyKnown && total <= cfg.BufferedMaxLatency:
		return TierBuffered
	case caps.FeatureErr == nil && len(caps.SampleRates) > 0:
		return TierMinimal
	default:
		return TierDisabled
	}
}
