package config

import "slices"

// ConfigDiff describes what changed between two loaded configs. Only fields
// the gateway can apply without a restart are tracked; everything else is
// surfaced so the operator can be told a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	LimitsChanged bool
	NewLimits     LimitsConfig

	RetentionChanged bool

	// RestartRequired is set when a field that cannot be hot-applied
	// differs (listen address, upstream settings, store DSN, tools).
	RestartRequired bool
}

// Changed reports whether the diff contains anything at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.LimitsChanged || d.RetentionChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Limits != new.Limits {
		d.LimitsChanged = true
		d.NewLimits = new.Limits
	}
	if old.Store.RetentionGrace != new.Store.RetentionGrace {
		d.RetentionChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.Environment != new.Server.Environment ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) ||
		old.Gemini != new.Gemini ||
		old.Store.PostgresDSN != new.Store.PostgresDSN ||
		old.Questionnaire != new.Questionnaire ||
		old.Analysis != new.Analysis ||
		!toolsEqual(old.Tools, new.Tools) {
		d.RestartRequired = true
	}

	return d
}

func toolsEqual(a, b ToolsConfig) bool {
	if a.Disabled != b.Disabled || a.Timeout != b.Timeout || len(a.MCPServers) != len(b.MCPServers) {
		return false
	}
	for i := range a.MCPServers {
		if a.MCPServers[i] != b.MCPServers[i] {
			return false
		}
	}
	return true
}
