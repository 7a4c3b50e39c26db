package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/bargein/pkg/audio"
	"github.com/MrWong99/bargein/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// CaptureFactory builds a capture layer. The detector section is passed along
// so drivers can negotiate the expected sample rate.
type CaptureFactory func(entry ProviderEntry, v VADConfig) (audio.Capture, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	vad     map[string]func(ProviderEntry) (vad.Engine, error)
	capture map[string]CaptureFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad:     make(map[string]func(ProviderEntry) (vad.Engine, error)),
		capture: make(map[string]CaptureFactory),
	}
}

// RegisterVAD registers a VAD engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterCapture registers a capture driver factory under name.
func (r *Registry) RegisterCapture(name string, factory CaptureFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// CreateVAD instantiates the VAD engine selected by entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vad %q: %w", entry.Name, ErrProviderNotRegistered)
	}
	return factory(entry)
}

// CreateCapture instantiates the capture driver selected by entry.Name.
func (r *Registry) CreateCapture(entry ProviderEntry, v VADConfig) (audio.Capture, error) {
	r.mu.RLock()
	factory, ok := r.capture[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("capture %q: %w", entry.Name, ErrProviderNotRegistered)
	}
	return factory(entry, v)
}

// Names returns the sorted registered names for kind ("vad" or "capture").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	switch kind {
	case "vad":
		for n := range r.vad {
			out = append(out, n)
		}
	case "capture":
		for n := range r.capture {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}

// optString returns opts[key] as a string, or "" when absent or not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// OptString is the exported form of the option lookup used by driver factories.
func OptString(opts map[string]any, key, def string) string {
	if s := optString(opts, key); s != "" {
		return s
	}
	return def
}

// OptInt returns opts[key] as an int. YAML integers decode as int; floats
// with no fractional part are accepted too.
func OptInt(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	}
	return def
}
