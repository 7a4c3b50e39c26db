package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/bargein/internal/fault"
	"github.com/MrWong99/bargein/pkg/audio/wscapture"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"vad":     {"energy"},
	"capture": {"websocket"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates the
// result. Keys absent from the document keep their defaults; an empty document
// yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeInto(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge decodes the YAML fragment over a copy of base and validates the
// result. base is never modified. A fragment that fails to decode or
// validate is rejected with a [fault.ConfigInvalid] error.
func Merge(base *Config, fragment []byte) (*Config, error) {
	cfg := base.Clone()
	if err := decodeInto(bytes.NewReader(fragment), cfg); err != nil {
		return nil, fault.New(fault.ConfigInvalid, "config.merge", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeInto(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// [fault.ConfigInvalid] error wrapping every failure found, or nil.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.VAD.Name == "" {
		errs = append(errs, errors.New("providers.vad.name is required"))
	}
	if cfg.Providers.Capture.Name == "" {
		errs = append(errs, errors.New("providers.capture.name is required"))
	}
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("capture", cfg.Providers.Capture.Name)
	if cfg.Providers.Capture.Name == "websocket" {
		if cfg.Providers.Capture.URL == "" {
			slog.Warn("providers.capture.url is empty; the websocket capture will fail to start")
		}
		if codec := optString(cfg.Providers.Capture.Options, "codec"); codec != "" &&
			codec != string(wscapture.CodecPCM16) && codec != string(wscapture.CodecOpus) {
			errs = append(errs, fmt.Errorf("providers.capture.options.codec %q is invalid; valid values: pcm16, opus", codec))
		}
	}

	// Components
	frame := cfg.VAD.FrameSize
	errs = append(errs,
		section("vad", cfg.VAD.Runtime().Validate()),
		section("barge_in", cfg.BargeIn.Runtime(frame).Validate()),
		section("interrupt", cfg.Interrupt.Runtime().Validate()),
		section("fallback", cfg.Fallback.Runtime().Validate()),
		section("monitor", cfg.Monitor.Runtime(frame).Validate()),
	)
	if cfg.Monitor.TargetLatency < cfg.BargeIn.TargetLatency {
		slog.Warn("monitor.target_latency is below barge_in.target_latency; latency alerts will fire before barge-in breaches",
			"monitor", cfg.Monitor.TargetLatency, "barge_in", cfg.BargeIn.TargetLatency)
	}

	// Session
	s := cfg.Session
	if s.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("session.queue_size %d must be at least 1", s.QueueSize))
	}
	if s.ErrorLogSize < 1 {
		errs = append(errs, fmt.Errorf("session.error_log_size %d must be at least 1", s.ErrorLogSize))
	}
	if s.RestartMaxTries < 1 {
		errs = append(errs, fmt.Errorf("session.restart_max_tries %d must be at least 1", s.RestartMaxTries))
	}
	if s.RestartInitial <= 0 || s.RestartMax < s.RestartInitial {
		errs = append(errs, fmt.Errorf("session restart delays %v..%v invalid", s.RestartInitial, s.RestartMax))
	}
	if s.ProbeFrames < 1 {
		errs = append(errs, fmt.Errorf("session.probe_frames %d must be at least 1", s.ProbeFrames))
	}

	if err := errors.Join(errs...); err != nil {
		return fault.New(fault.ConfigInvalid, "config.validate", err)
	}
	return nil
}

// section prefixes a component validation error with its YAML section.
func section(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
