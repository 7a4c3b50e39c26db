package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Sections lists the changed component sections by YAML key, in schema
	// order. Every listed section can be applied to a running session.
	Sections []string

	// RestartRequired is set when a change only takes effect on a new
	// session: the listen address, TLS, or a provider selection.
	RestartRequired bool
	RestartReasons  []string
}

// Changed reports whether the diff holds any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.Sections) > 0 || d.RestartRequired
}

// Has reports whether the section with YAML key name changed.
func (d ConfigDiff) Has(name string) bool { return slices.Contains(d.Sections, name) }

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := func(reason string, changed bool) {
		if changed {
			d.RestartRequired = true
			d.RestartReasons = append(d.RestartReasons, reason)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !reflect.DeepEqual(old.Server.TLS, new.Server.TLS))
	restart("providers.vad", !reflect.DeepEqual(old.Providers.VAD, new.Providers.VAD))
	restart("providers.capture", !reflect.DeepEqual(old.Providers.Capture, new.Providers.Capture))

	sections := []struct {
		name     string
		old, new any
	}{
		{"vad", old.VAD, new.VAD},
		{"barge_in", old.BargeIn, new.BargeIn},
		{"interrupt", old.Interrupt, new.Interrupt},
		{"fallback", old.Fallback, new.Fallback},
		{"monitor", old.Monitor, new.Monitor},
		{"session", old.Session, new.Session},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.Sections = append(d.Sections, s.name)
		}
	}
	return d
}
