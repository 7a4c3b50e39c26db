package config_test

import (
	"testing"
	"time"

	"github.com/MrWong99/bargein/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	d := config.Diff(config.Default(), config.Default())
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()

	old := config.Default()
	new := old.Clone()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if d.RestartRequired || len(d.Sections) != 0 {
		t.Errorf("log level alone should not touch sections: %+v", d)
	}
}

func TestDiff_Sections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"vad", func(c *config.Config) { c.VAD.Hang = 100 * time.Millisecond }, "vad"},
		{"barge_in", func(c *config.Config) { c.BargeIn.Enabled = false }, "barge_in"},
		{"interrupt", func(c *config.Config) { c.Interrupt.DuckLevel = 0.5 }, "interrupt"},
		{"fallback", func(c *config.Config) { c.Fallback.ErrorThreshold = 5 }, "fallback"},
		{"monitor", func(c *config.Config) { c.Monitor.Weights.Quality = 0.1 }, "monitor"},
		{"session", func(c *config.Config) { c.Session.RestartMaxTries = 1 }, "session"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := config.Default()
			new := old.Clone()
			tt.mutate(new)

			d := config.Diff(old, new)
			if len(d.Sections) != 1 || !d.Has(tt.want) {
				t.Errorf("sections = %v, want [%s]", d.Sections, tt.want)
			}
			if d.RestartRequired {
				t.Errorf("section change should be live-applicable: %v", d.RestartReasons)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	old := config.Default()
	new := old.Clone()
	new.Server.ListenAddr = ":9999"
	new.Providers.Capture.URL = "ws://elsewhere/capture"

	d := config.Diff(old, new)
	if !d.RestartRequired {
		t.Fatal("expected restart to be required")
	}
	if len(d.RestartReasons) != 2 || d.RestartReasons[0] != "server.listen_addr" || d.RestartReasons[1] != "providers.capture" {
		t.Errorf("reasons = %v", d.RestartReasons)
	}
}
