package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
)

// settle is how long the watcher waits after the last filesystem event before
// re-reading the file, so a save that truncates and then writes is read once.
const settle = 100 * time.Millisecond

// Watcher follows a config file and calls onChange with the previous and new
// config whenever its content changes and still validates. Invalid edits are
// logged and the previous config stays current.
//
// Filesystem notifications on the parent directory trigger a reload shortly
// after an edit; a poll ticker catches anything notifications miss, such as
// network filesystems or a platform without inotify.
type Watcher struct {
	path     string
	interval time.Duration
	clock    clockwork.Clock
	onChange func(old, new *Config)
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	sum     [sha256.Size]byte

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the poll interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchClock sets the clock driving polling and event settling.
func WithWatchClock(c clockwork.Clock) WatcherOption {
	return func(w *Watcher) {
		if c != nil {
			w.clock = c
		}
	}
}

// NewWatcher loads the config at path and starts following it. The initial
// load must succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     filepath.Clean(path),
		interval: 5 * time.Second,
		clock:    clockwork.NewRealClock(),
		onChange: onChange,
		log:      slog.Default().With("component", "config"),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.mtime, w.sum = snap.cfg, snap.mtime, snap.sum

	notify, err := fsnotify.NewWatcher()
	if err == nil {
		if err = notify.Add(filepath.Dir(w.path)); err != nil {
			_ = notify.Close()
			notify = nil
		}
	} else {
		notify = nil
	}
	if err != nil {
		w.log.Info("file notifications unavailable, polling only", "path", w.path, "err", err)
	}

	go w.loop(w.clock.NewTicker(w.interval), notify)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends watching and waits for an in-flight reload. It is safe to call
// more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.stopped
}

func (w *Watcher) loop(ticker clockwork.Ticker, notify *fsnotify.Watcher) {
	defer close(w.stopped)
	defer ticker.Stop()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
		timer  clockwork.Timer
		fire   <-chan time.Time
	)
	if notify != nil {
		defer notify.Close()
		events, errs = notify.Events, notify.Errors
	}

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-ticker.Chan():
			w.check()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != w.path || ev.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = w.clock.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			fire = timer.Chan()
		case <-fire:
			fire = nil
			w.check()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Warn("file notification error", "path", w.path, "err", err)
		}
	}
}

// check reloads the file when its mtime moved and its content changed.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("cannot stat config file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	snap, err := w.read()
	if err != nil {
		w.log.Warn("config reload rejected, keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	w.mtime = snap.mtime
	if snap.sum == w.sum {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.sum = snap.cfg, snap.sum
	w.mu.Unlock()

	w.log.Info("configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, snap.cfg)
	}
}

type snapshot struct {
	cfg   *Config
	mtime time.Time
	sum   [sha256.Size]byte
}

// read parses and validates the file.
func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
