package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/bargein/internal/fault"
	"github.com/MrWong99/bargein/internal/pipeline"
	"github.com/MrWong99/bargein/internal/session"
	"github.com/MrWong99/bargein/pkg/audio"
)

// fakeStarter returns scripted Start errors, then succeeds.
type fakeStarter struct {
	mu     sync.Mutex
	errs   []error
	starts int
	stops  int
}

func (f *fakeStarter) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeStarter) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeStarter) script(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

func (f *fakeStarter) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

func newRestarter(target session.Starter, maxTries int) *session.Restarter {
	return session.NewRestarter(session.RestarterConfig{
		Target:   target,
		MaxTries: maxTries,
		Initial:  time.Millisecond,
		Max:      2 * time.Millisecond,
	})
}

var errFlaky = errors.New("device busy")

func TestRestarter_StartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	target := &fakeStarter{errs: []error{errFlaky, errFlaky}}
	r := newRestarter(target, 4)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if starts, _ := target.counts(); starts != 3 {
		t.Errorf("starts = %d, want 3", starts)
	}
}

func TestRestarter_GivesUpAfterMaxTries(t *testing.T) {
	t.Parallel()

	target := &fakeStarter{errs: []error{errFlaky, errFlaky, errFlaky, errFlaky, errFlaky}}
	r := newRestarter(target, 3)
	err := r.Start(context.Background())
	if !errors.Is(err, errFlaky) {
		t.Fatalf("Start = %v, want %v", err, errFlaky)
	}
	if starts, _ := target.counts(); starts != 3 {
		t.Errorf("starts = %d, want 3", starts)
	}
}

func TestRestarter_PermissionDeniedIsPermanent(t *testing.T) {
	t.Parallel()

	denied := fault.New(fault.VADFailed, "pipeline.start", audio.ErrPermissionDenied)
	target := &fakeStarter{errs: []error{denied}}
	r := newRestarter(target, 4)
	err := r.Start(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Start = %v, want permission denied", err)
	}
	if starts, _ := target.counts(); starts != 1 {
		t.Errorf("starts = %d, want 1 (no retry)", starts)
	}
}

func TestRestarter_AlreadyRunningCountsAsStarted(t *testing.T) {
	t.Parallel()

	target := &fakeStarter{errs: []error{pipeline.ErrRunning}}
	r := newRestarter(target, 4)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if starts, _ := target.counts(); starts != 1 {
		t.Errorf("starts = %d, want 1", starts)
	}
}

func TestRestarter_NotifyEndedRestarts(t *testing.T) {
	t.Parallel()

	target := &fakeStarter{}
	restarted := make(chan struct{}, 1)
	r := session.NewRestarter(session.RestarterConfig{
		Target:    target,
		Initial:   time.Millisecond,
		Max:       2 * time.Millisecond,
		OnRestart: func() { restarted <- struct{}{} },
	})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	target.script(errFlaky)
	r.NotifyEnded()
	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for restart")
	}
	if r.Restarts() != 1 {
		t.Errorf("Restarts = %d, want 1", r.Restarts())
	}
	starts, stops := target.counts()
	if starts != 3 || stops != 1 {
		t.Errorf("starts, stops = %d, %d; want 3, 1", starts, stops)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRestarter_OnGiveUp(t *testing.T) {
	t.Parallel()

	target := &fakeStarter{}
	gaveUp := make(chan error, 1)
	r := session.NewRestarter(session.RestarterConfig{
		Target:   target,
		MaxTries: 2,
		Initial:  time.Millisecond,
		Max:      2 * time.Millisecond,
		OnGiveUp: func(err error) { gaveUp <- err },
	})
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	target.script(errFlaky, errFlaky)
	r.NotifyEnded()
	select {
	case err := <-gaveUp:
		if !errors.Is(err, errFlaky) {
			t.Errorf("OnGiveUp(%v), want %v", err, errFlaky)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for give-up")
	}
	if r.Restarts() != 0 {
		t.Errorf("Restarts = %d, want 0", r.Restarts())
	}

	r.Stop()
	r.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
