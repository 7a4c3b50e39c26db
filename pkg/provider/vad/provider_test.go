package vad

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	t.Parallel()

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
}

func TestConfig_ValidateReportsEveryField(t *testing.T) {
	t.Parallel()

	cfg := Config{
		SampleRate:         0,
		FrameSize:          0,
		EnergyThreshold:    2,
		Smoothing:          -0.1,
		Hang:               -time.Millisecond,
		MinSpeechDuration:  -time.Millisecond,
		ZCRMin:             0.6,
		ZCRMax:             0.4,
		MaxDecisionLatency: 0,
		HistorySize:        0,
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted an all-invalid config")
	}
	for _, field := range []string{"sample_rate", "frame_size", "energy_threshold", "smoothing", "hang", "min_speech_duration", "zcr", "max_decision_latency", "history_size"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error does not mention %s: %v", field, err)
		}
	}
}

func TestConfig_SmoothingBounds(t *testing.T) {
	t.Parallel()

	for _, v := range []float64{0, 0.5, 1} {
		cfg := DefaultConfig()
		cfg.Smoothing = v
		if err := cfg.Validate(); err != nil {
			t.Errorf("smoothing %v rejected: %v", v, err)
		}
	}
	for _, v := range []float64{-0.01, 1.01} {
		cfg := DefaultConfig()
		cfg.Smoothing = v
		if err := cfg.Validate(); err == nil {
			t.Errorf("smoothing %v accepted", v)
		}
	}
}

func TestState_IsActive(t *testing.T) {
	t.Parallel()

	if StateInactive.IsActive() || !StateActive.IsActive() || !StateHangingActive.IsActive() {
		t.Error("IsActive mismatch")
	}
	if StateHangingActive.String() != "hanging_active" {
		t.Errorf("String = %q", StateHangingActive.String())
	}
}
