package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/bargein/internal/bargein"
	"github.com/MrWong99/bargein/internal/config"
	"github.com/MrWong99/bargein/internal/fault"
	"github.com/MrWong99/bargein/internal/interrupt"
	"github.com/MrWong99/bargein/internal/monitor"
	"github.com/MrWong99/bargein/internal/resilience"
	"github.com/MrWong99/bargein/pkg/audio"
	audiomock "github.com/MrWong99/bargein/pkg/audio/mock"
	"github.com/MrWong99/bargein/pkg/provider/vad"
	vadmock "github.com/MrWong99/bargein/pkg/provider/vad/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

providers:
  vad:
    name: energy
  capture:
    name: websocket
    url: ws://127.0.0.1:9000/capture
    options:
      codec: opus
      queue_size: 32

vad:
  energy_threshold: 0.02
  hang: 80ms
  spectral: true

barge_in:
  min_consecutive_active: 4
  resume_policy: manual
  resume_delay: 1.5s

interrupt:
  mode: pause
  fade_duration: 0s

monitor:
  tick_interval: 500ms
  weights:
    latency: 0.4
    frames: 0.2
    resource: 0.2
    quality: 0.2
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if got := config.OptString(cfg.Providers.Capture.Options, "codec", "pcm16"); got != "opus" {
		t.Errorf("providers.capture.options.codec: got %q", got)
	}
	if got := config.OptInt(cfg.Providers.Capture.Options, "queue_size", 0); got != 32 {
		t.Errorf("providers.capture.options.queue_size: got %d", got)
	}
	if cfg.VAD.Hang != 80*time.Millisecond || !cfg.VAD.Spectral {
		t.Errorf("vad: got %+v", cfg.VAD)
	}
	if cfg.BargeIn.ResumePolicy != bargein.ResumeManual || cfg.BargeIn.ResumeDelay != 1500*time.Millisecond {
		t.Errorf("barge_in: got %+v", cfg.BargeIn)
	}
	if cfg.Interrupt.Mode != interrupt.ModePause || cfg.Interrupt.FadeDuration != 0 {
		t.Errorf("interrupt: got %+v", cfg.Interrupt)
	}
	if cfg.Monitor.Weights.Latency != 0.4 {
		t.Errorf("monitor.weights.latency: got %v", cfg.Monitor.Weights.Latency)
	}
}

func TestLoadFromReader_KeepsDefaultsForAbsentKeys(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.VAD.MinSpeechDuration != vad.DefaultConfig().MinSpeechDuration {
		t.Errorf("vad.min_speech_duration lost its default: %v", cfg.VAD.MinSpeechDuration)
	}
	if cfg.BargeIn.MinConfidence != bargein.DefaultConfig().MinConfidence {
		t.Errorf("barge_in.min_confidence lost its default: %v", cfg.BargeIn.MinConfidence)
	}
	if cfg.Interrupt.DuckLevel != interrupt.DefaultConfig().DuckLevel {
		t.Errorf("interrupt.duck_level lost its default: %v", cfg.Interrupt.DuckLevel)
	}
	if cfg.Fallback.Runtime() != resilience.DefaultConfig() {
		t.Errorf("fallback = %+v, want defaults", cfg.Fallback)
	}
	if cfg.Monitor.AlertCooldown != monitor.DefaultConfig().AlertCooldown {
		t.Errorf("monitor.alert_cooldown lost its default: %v", cfg.Monitor.AlertCooldown)
	}
}

func TestLoadFromReader_EmptyIsDefault(t *testing.T) {
	t.Parallel()

	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", doc, err)
		}
		if cfg.Server.ListenAddr != ":8080" || cfg.Providers.VAD.Name != "energy" {
			t.Errorf("%q: defaults not applied: %+v", doc, cfg.Server)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("vad:\n  energy_treshold: 0.5\n"))
	if err == nil {
		t.Fatal("expected error for misspelt key, got nil")
	}
}

func TestRuntime_FramePeriodFollowsVAD(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.VAD.FrameSize = 30 * time.Millisecond
	if got := cfg.BargeIn.Runtime(cfg.VAD.FrameSize).FramePeriod; got != 30*time.Millisecond {
		t.Errorf("barge-in frame period = %v", got)
	}
	if got := cfg.Monitor.Runtime(cfg.VAD.FrameSize).FramePeriod; got != 30*time.Millisecond {
		t.Errorf("monitor frame period = %v", got)
	}
	want := vad.DefaultConfig()
	want.FrameSize = 30 * time.Millisecond
	if got := cfg.VAD.Runtime(); got != want {
		t.Errorf("vad runtime = %+v, want %+v", got, want)
	}
}

func TestClone_IsDeep(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Server.TLS = &config.TLSConfig{CertFile: "a", KeyFile: "b"}
	cfg.Providers.Capture.Options = map[string]any{"codec": "pcm16"}

	c := cfg.Clone()
	c.Server.TLS.CertFile = "changed"
	c.Providers.Capture.Options["codec"] = "opus"
	if cfg.Server.TLS.CertFile != "a" || cfg.Providers.Capture.Options["codec"] != "pcm16" {
		t.Error("Clone shares state with the original")
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
	if !errors.Is(err, fault.ErrConfigInvalid) {
		t.Errorf("error should be ConfigInvalid, got: %v", err)
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "silero"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateVAD: got %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateCapture(config.ProviderEntry{Name: "alsa"}, config.VADConfig{}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateCapture: got %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	engine := &vadmock.Engine{}
	reg.RegisterVAD("mock", func(config.ProviderEntry) (vad.Engine, error) { return engine, nil })

	var gotRate int
	reg.RegisterCapture("mock", func(_ config.ProviderEntry, v config.VADConfig) (audio.Capture, error) {
		gotRate = v.SampleRate
		return &audiomock.Capture{}, nil
	})

	e, err := reg.CreateVAD(config.ProviderEntry{Name: "mock"})
	if err != nil || e != engine {
		t.Errorf("CreateVAD = %v, %v", e, err)
	}
	if _, err := reg.CreateCapture(config.ProviderEntry{Name: "mock"}, config.Default().VAD); err != nil {
		t.Errorf("CreateCapture: %v", err)
	}
	if gotRate != 16000 {
		t.Errorf("capture factory saw sample rate %d, want 16000", gotRate)
	}
	if names := reg.Names("vad"); len(names) != 1 || names[0] != "mock" {
		t.Errorf("Names(vad) = %v", names)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	want := errors.New("boom")
	reg.RegisterVAD("broken", func(config.ProviderEntry) (vad.Engine, error) { return nil, want })
	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "broken"}); !errors.Is(err, want) {
		t.Errorf("got %v, want %v", err, want)
	}
}
