package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MrWong99/bargein/internal/pipeline"
	"github.com/MrWong99/bargein/pkg/audio"
)

// Default restart parameters.
const (
	defaultMaxTries = 4
	defaultInitial  = 200 * time.Millisecond
	defaultMax      = 5 * time.Second
)

// Starter is something the [Restarter] keeps running. [*pipeline.Pipeline]
// implements it.
type Starter interface {
	Start(ctx context.Context) error
	Stop() error
}

var _ Starter = (*pipeline.Pipeline)(nil)

// RestarterConfig configures a [Restarter].
type RestarterConfig struct {
	// Target is restarted whenever [Restarter.NotifyEnded] is called.
	Target Starter

	// MaxTries bounds start attempts per cycle, including the first.
	// Defaults to 4 if zero.
	MaxTries int

	// Initial is the delay before the second attempt. Later delays grow
	// exponentially up to Max. Defaults to 200ms and 5s.
	Initial time.Duration
	Max     time.Duration

	// OnRestart is called after a successful restart. May be nil.
	OnRestart func()

	// OnGiveUp is called when a restart cycle exhausts its attempts or hits
	// a permanent error. May be nil.
	OnGiveUp func(err error)
}

// Restarter starts a capture pipeline with bounded retry and restarts it
// when the capture stream ends underneath it.
//
// A permission error from the capture layer is permanent: it is returned at
// once instead of being retried.
//
// All methods are safe for concurrent use.
type Restarter struct {
	target    Starter
	onRestart func()
	onGiveUp  func(error)
	log       *slog.Logger

	ended    chan struct{} // signalled when the stream ended
	restarts atomic.Uint64

	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	maxTries int
	initial  time.Duration
	max      time.Duration
}

// NewRestarter creates a [Restarter] with the given configuration.
func NewRestarter(cfg RestarterConfig) *Restarter {
	r := &Restarter{
		target:    cfg.Target,
		onRestart: cfg.OnRestart,
		onGiveUp:  cfg.OnGiveUp,
		log:       slog.Default().With("component", "restarter"),
		ended:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	r.SetLimits(cfg.MaxTries, cfg.Initial, cfg.Max)
	return r
}

// SetLimits replaces the retry bounds. Zero values select the defaults. The
// change applies from the next start cycle.
func (r *Restarter) SetLimits(maxTries int, initial, maxDelay time.Duration) {
	if maxTries <= 0 {
		maxTries = defaultMaxTries
	}
	if initial <= 0 {
		initial = defaultInitial
	}
	if maxDelay < initial {
		maxDelay = max(defaultMax, initial)
	}
	r.mu.Lock()
	r.maxTries, r.initial, r.max = maxTries, initial, maxDelay
	r.mu.Unlock()
}

// Start performs the initial start with bounded retry.
func (r *Restarter) Start(ctx context.Context) error {
	return r.start(ctx, "start")
}

// Run waits for end-of-stream notifications and restarts the target until
// ctx is done or Stop is called.
func (r *Restarter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return nil
		case <-r.ended:
			r.restart(ctx)
		}
	}
}

// NotifyEnded signals that the capture stream has ended. Safe to call
// multiple times; only the first call per restart cycle has effect.
func (r *Restarter) NotifyEnded() {
	select {
	case r.ended <- struct{}{}:
	default:
	}
}

// Restarts returns the number of successful restarts.
func (r *Restarter) Restarts() uint64 { return r.restarts.Load() }

// Stop halts Run. Safe to call multiple times. The target is left alone.
func (r *Restarter) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

func (r *Restarter) restart(ctx context.Context) {
	if err := r.target.Stop(); err != nil {
		r.log.Debug("stopping ended pipeline", "err", err)
	}
	if err := r.start(ctx, "restart"); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.log.Error("capture restart failed", "err", err)
		if r.onGiveUp != nil {
			r.onGiveUp(err)
		}
		return
	}
	r.restarts.Add(1)
	r.log.Info("capture restarted", "restarts", r.restarts.Load())
	if r.onRestart != nil {
		r.onRestart()
	}
}

// start runs Target.Start under an exponential backoff.
func (r *Restarter) start(ctx context.Context, op string) error {
	r.mu.Lock()
	maxTries := r.maxTries
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.initial,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         r.max,
	}
	r.mu.Unlock()
	b.Reset()

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := r.target.Start(ctx)
		switch {
		case err == nil, errors.Is(err, pipeline.ErrRunning):
			return struct{}{}, nil
		case errors.Is(err, audio.ErrPermissionDenied):
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.log.Warn("capture "+op+" attempt failed",
				"attempt", attempt,
				"max_tries", maxTries,
				"retry_in", next,
				"err", err,
			)
		}),
	)
	return err
}
