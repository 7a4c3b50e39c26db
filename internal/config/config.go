// Package config provides the configuration schema, loader, watcher and
// provider registry for the barge-in daemon.
//
// Every section mirrors the runtime configuration of one component with YAML
// tags and converts to it with a Runtime method. Durations are written as Go
// duration strings ("20ms", "1.5s").
package config

import (
	"time"

	"github.com/MrWong99/bargein/internal/bargein"
	"github.com/MrWong99/bargein/internal/interrupt"
	"github.com/MrWong99/bargein/internal/monitor"
	"github.com/MrWong99/bargein/internal/resilience"
	"github.com/MrWong99/bargein/pkg/provider/vad"
)

// LogLevel controls log verbosity for the daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader],
// which decode over [Default].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	VAD       VADConfig       `yaml:"vad"`
	BargeIn   BargeInConfig   `yaml:"barge_in"`
	Interrupt InterruptConfig `yaml:"interrupt"`
	Fallback  FallbackConfig  `yaml:"fallback"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Session   SessionConfig   `yaml:"session"`
}

// ServerConfig holds network and logging settings for the daemon.
type ServerConfig struct {
	// ListenAddr is the TCP address the host API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which implementation to use for the detector and
// the capture layer. Each field selects a named factory in the [Registry].
type ProvidersConfig struct {
	VAD     ProviderEntry `yaml:"vad"`
	Capture ProviderEntry `yaml:"capture"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "energy", "websocket").
	Name string `yaml:"name"`

	// URL is the endpoint of a remote provider, such as the capture relay.
	URL string `yaml:"url"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// VADConfig mirrors [vad.Config].
type VADConfig struct {
	SampleRate         int           `yaml:"sample_rate"`
	FrameSize          time.Duration `yaml:"frame_size"`
	EnergyThreshold    float64       `yaml:"energy_threshold"`
	Smoothing          float64       `yaml:"smoothing"`
	Hang               time.Duration `yaml:"hang"`
	MinSpeechDuration  time.Duration `yaml:"min_speech_duration"`
	ZCRGate            bool          `yaml:"zcr_gate"`
	ZCRMin             float64       `yaml:"zcr_min"`
	ZCRMax             float64       `yaml:"zcr_max"`
	Spectral           bool          `yaml:"spectral"`
	MaxDecisionLatency time.Duration `yaml:"max_decision_latency"`
	HistorySize        int           `yaml:"history_size"`
}

// Runtime converts the section to the detector configuration.
func (c VADConfig) Runtime() vad.Config {
	return vad.Config{
		SampleRate:         c.SampleRate,
		FrameSize:          c.FrameSize,
		EnergyThreshold:    c.EnergyThreshold,
		Smoothing:          c.Smoothing,
		Hang:               c.Hang,
		MinSpeechDuration:  c.MinSpeechDuration,
		ZCRGate:            c.ZCRGate,
		ZCRMin:             c.ZCRMin,
		ZCRMax:             c.ZCRMax,
		Spectral:           c.Spectral,
		MaxDecisionLatency: c.MaxDecisionLatency,
		HistorySize:        c.HistorySize,
	}
}

func vadSection(c vad.Config) VADConfig {
	return VADConfig{
		SampleRate:         c.SampleRate,
		FrameSize:          c.FrameSize,
		EnergyThreshold:    c.EnergyThreshold,
		Smoothing:          c.Smoothing,
		Hang:               c.Hang,
		MinSpeechDuration:  c.MinSpeechDuration,
		ZCRGate:            c.ZCRGate,
		ZCRMin:             c.ZCRMin,
		ZCRMax:             c.ZCRMax,
		Spectral:           c.Spectral,
		MaxDecisionLatency: c.MaxDecisionLatency,
		HistorySize:        c.HistorySize,
	}
}

// BargeInConfig mirrors [bargein.Config].
type BargeInConfig struct {
	Enabled              bool                 `yaml:"enabled"`
	MinConfidence        float64              `yaml:"min_confidence"`
	MinConsecutiveActive int                  `yaml:"min_consecutive_active"`
	MinInterval          time.Duration        `yaml:"min_interval"`
	TargetLatency        time.Duration        `yaml:"target_latency"`
	ResumePolicy         bargein.ResumePolicy `yaml:"resume_policy"`
	ResumeDelay          time.Duration        `yaml:"resume_delay"`
	ErrorLogSize         int                  `yaml:"error_log_size"`
}

// Runtime converts the section to the orchestrator configuration. The frame
// period is taken from the detector section.
func (c BargeInConfig) Runtime(frame time.Duration) bargein.Config {
	return bargein.Config{
		Enabled:              c.Enabled,
		MinConfidence:        c.MinConfidence,
		MinConsecutiveActive: c.MinConsecutiveActive,
		MinInterval:          c.MinInterval,
		TargetLatency:        c.TargetLatency,
		ResumePolicy:         c.ResumePolicy,
		ResumeDelay:          c.ResumeDelay,
		FramePeriod:          frame,
		ErrorLogSize:         c.ErrorLogSize,
	}
}

func bargeInSection(c bargein.Config) BargeInConfig {
	return BargeInConfig{
		Enabled:              c.Enabled,
		MinConfidence:        c.MinConfidence,
		MinConsecutiveActive: c.MinConsecutiveActive,
		MinInterval:          c.MinInterval,
		TargetLatency:        c.TargetLatency,
		ResumePolicy:         c.ResumePolicy,
		ResumeDelay:          c.ResumeDelay,
		ErrorLogSize:         c.ErrorLogSize,
	}
}

// InterruptConfig mirrors [interrupt.Config].
type InterruptConfig struct {
	Mode          interrupt.Mode `yaml:"mode"`
	DuckLevel     float64        `yaml:"duck_level"`
	FadeDuration  time.Duration  `yaml:"fade_duration"`
	RateLimit     time.Duration  `yaml:"rate_limit"`
	LatencyBudget time.Duration  `yaml:"latency_budget"`
}

// Runtime converts the section to the interruption manager configuration.
func (c InterruptConfig) Runtime() interrupt.Config {
	return interrupt.Config{
		Mode:          c.Mode,
		DuckLevel:     c.DuckLevel,
		FadeDuration:  c.FadeDuration,
		RateLimit:     c.RateLimit,
		LatencyBudget: c.LatencyBudget,
	}
}

func interruptSection(c interrupt.Config) InterruptConfig {
	return InterruptConfig{
		Mode:          c.Mode,
		DuckLevel:     c.DuckLevel,
		FadeDuration:  c.FadeDuration,
		RateLimit:     c.RateLimit,
		LatencyBudget: c.LatencyBudget,
	}
}

// FallbackConfig mirrors [resilience.Config].
type FallbackConfig struct {
	FullMaxLatency      time.Duration `yaml:"full_max_latency"`
	BufferedMaxLatency  time.Duration `yaml:"buffered_max_latency"`
	ErrorThreshold      int           `yaml:"error_threshold"`
	LatencyBound        time.Duration `yaml:"latency_bound"`
	QualityBound        float64       `yaml:"quality_bound"`
	MinSamples          int           `yaml:"min_samples"`
	WindowSize          int           `yaml:"window_size"`
	RecoveryInitial     time.Duration `yaml:"recovery_initial"`
	RecoveryMax         time.Duration `yaml:"recovery_max"`
	RecoveryMultiplier  float64       `yaml:"recovery_multiplier"`
	RecoveryJitter      float64       `yaml:"recovery_jitter"`
	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
}

// Runtime converts the section to the fallback controller configuration.
func (c FallbackConfig) Runtime() resilience.Config {
	return resilience.Config{
		FullMaxLatency:      c.FullMaxLatency,
		BufferedMaxLatency:  c.BufferedMaxLatency,
		ErrorThreshold:      c.ErrorThreshold,
		LatencyBound:        c.LatencyBound,
		QualityBound:        c.QualityBound,
		MinSamples:          c.MinSamples,
		WindowSize:          c.WindowSize,
		RecoveryInitial:     c.RecoveryInitial,
		RecoveryMax:         c.RecoveryMax,
		RecoveryMultiplier:  c.RecoveryMultiplier,
		RecoveryJitter:      c.RecoveryJitter,
		MaxRecoveryAttempts: c.MaxRecoveryAttempts,
		ProbeTimeout:        c.ProbeTimeout,
	}
}

func fallbackSection(c resilience.Config) FallbackConfig {
	return FallbackConfig{
		FullMaxLatency:      c.FullMaxLatency,
		BufferedMaxLatency:  c.BufferedMaxLatency,
		ErrorThreshold:      c.ErrorThreshold,
		LatencyBound:        c.LatencyBound,
		QualityBound:        c.QualityBound,
		MinSamples:          c.MinSamples,
		WindowSize:          c.WindowSize,
		RecoveryInitial:     c.RecoveryInitial,
		RecoveryMax:         c.RecoveryMax,
		RecoveryMultiplier:  c.RecoveryMultiplier,
		RecoveryJitter:      c.RecoveryJitter,
		MaxRecoveryAttempts: c.MaxRecoveryAttempts,
		ProbeTimeout:        c.ProbeTimeout,
	}
}

// MonitorConfig mirrors [monitor.Config].
type MonitorConfig struct {
	WindowSize          int             `yaml:"window_size"`
	TickInterval        time.Duration   `yaml:"tick_interval"`
	TargetLatency       time.Duration   `yaml:"target_latency"`
	MinFrameEfficiency  float64         `yaml:"min_frame_efficiency"`
	MaxDropRate         float64         `yaml:"max_drop_rate"`
	MaxCPU              float64         `yaml:"max_cpu"`
	MaxMemoryMB         float64         `yaml:"max_memory_mb"`
	MinQuality          float64         `yaml:"min_quality"`
	Weights             monitor.Weights `yaml:"weights"`
	WarningHealth       float64         `yaml:"warning_health"`
	CriticalHealth      float64         `yaml:"critical_health"`
	OptimizeBelow       float64         `yaml:"optimize_below"`
	RestoreAbove        float64         `yaml:"restore_above"`
	OptimizedFrameBatch int             `yaml:"optimized_frame_batch"`
	AlertCooldown       time.Duration   `yaml:"alert_cooldown"`
	AutoResolveAfter    time.Duration   `yaml:"auto_resolve_after"`
	MaxAlertsPerHour    int             `yaml:"max_alerts_per_hour"`
	AlertLogSize        int             `yaml:"alert_log_size"`
}

// Runtime converts the section to the monitor configuration. The frame period
// is taken from the detector section.
func (c MonitorConfig) Runtime(frame time.Duration) monitor.Config {
	return monitor.Config{
		WindowSize:          c.WindowSize,
		TickInterval:        c.TickInterval,
		FramePeriod:         frame,
		TargetLatency:       c.TargetLatency,
		MinFrameEfficiency:  c.MinFrameEfficiency,
		MaxDropRate:         c.MaxDropRate,
		MaxCPU:              c.MaxCPU,
		MaxMemoryMB:         c.MaxMemoryMB,
		MinQuality:          c.MinQuality,
		Weights:             c.Weights,
		WarningHealth:       c.WarningHealth,
		CriticalHealth:      c.CriticalHealth,
		OptimizeBelow:       c.OptimizeBelow,
		RestoreAbove:        c.RestoreAbove,
		OptimizedFrameBatch: c.OptimizedFrameBatch,
		AlertCooldown:       c.AlertCooldown,
		AutoResolveAfter:    c.AutoResolveAfter,
		MaxAlertsPerHour:    c.MaxAlertsPerHour,
		AlertLogSize:        c.AlertLogSize,
	}
}

func monitorSection(c monitor.Config) MonitorConfig {
	return MonitorConfig{
		WindowSize:          c.WindowSize,
		TickInterval:        c.TickInterval,
		TargetLatency:       c.TargetLatency,
		MinFrameEfficiency:  c.MinFrameEfficiency,
		MaxDropRate:         c.MaxDropRate,
		MaxCPU:              c.MaxCPU,
		MaxMemoryMB:         c.MaxMemoryMB,
		MinQuality:          c.MinQuality,
		Weights:             c.Weights,
		WarningHealth:       c.WarningHealth,
		CriticalHealth:      c.CriticalHealth,
		OptimizeBelow:       c.OptimizeBelow,
		RestoreAbove:        c.RestoreAbove,
		OptimizedFrameBatch: c.OptimizedFrameBatch,
		AlertCooldown:       c.AlertCooldown,
		AutoResolveAfter:    c.AutoResolveAfter,
		MaxAlertsPerHour:    c.MaxAlertsPerHour,
		AlertLogSize:        c.AlertLogSize,
	}
}

// SessionConfig holds the settings that belong to the session itself rather
// than to one component.
type SessionConfig struct {
	// QueueSize bounds every host event queue. Default: 64.
	QueueSize int `yaml:"queue_size"`

	// ErrorLogSize bounds the session error log. Default: 50.
	ErrorLogSize int `yaml:"error_log_size"`

	// RestartMaxTries bounds capture start attempts, including the first.
	// Default: 4.
	RestartMaxTries int `yaml:"restart_max_tries"`

	// RestartInitial and RestartMax shape the exponential delay between
	// capture start attempts. Defaults: 200ms and 5s.
	RestartInitial time.Duration `yaml:"restart_initial"`
	RestartMax     time.Duration `yaml:"restart_max"`

	// ProbeFrames is the number of synthetic frames the latency probe feeds the
	// detector. Default: 10.
	ProbeFrames int `yaml:"probe_frames"`
}

// Default returns a configuration holding every documented default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Providers: ProvidersConfig{
			VAD:     ProviderEntry{Name: "energy"},
			Capture: ProviderEntry{Name: "websocket"},
		},
		VAD:       vadSection(vad.DefaultConfig()),
		BargeIn:   bargeInSection(bargein.DefaultConfig()),
		Interrupt: interruptSection(interrupt.DefaultConfig()),
		Fallback:  fallbackSection(resilience.DefaultConfig()),
		Monitor:   monitorSection(monitor.DefaultConfig()),
		Session: SessionConfig{
			QueueSize:       64,
			ErrorLogSize:    50,
			RestartMaxTries: 4,
			RestartInitial:  200 * time.Millisecond,
			RestartMax:      5 * time.Second,
			ProbeFrames:     10,
		},
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	if c.Server.TLS != nil {
		tls := *c.Server.TLS
		out.Server.TLS = &tls
	}
	out.Providers.VAD.Options = cloneOptions(c.Providers.VAD.Options)
	out.Providers.Capture.Options = cloneOptions(c.Providers.Capture.Options)
	return &out
}

func cloneOptions(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
