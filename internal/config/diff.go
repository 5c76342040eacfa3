package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ReportLimitsChanged is true when max_body_bytes or max_history changed.
	ReportLimitsChanged bool
	NewMaxBodyBytes     int64
	NewMaxHistory       int

	// RestartRequired lists sections whose changes only apply after a restart.
	RestartRequired []string
}

// Changed reports whether d carries any hot-reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ReportLimitsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Report.MaxBodyBytes != new.Report.MaxBodyBytes || old.Report.MaxHistory != new.Report.MaxHistory {
		d.ReportLimitsChanged = true
		d.NewMaxBodyBytes = new.Report.MaxBodyBytes
		d.NewMaxHistory = new.Report.MaxHistory
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.LogFormat != new.Server.LogFormat ||
		!equalTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !equalRelay(old.Relay, new.Relay) {
		d.RestartRequired = append(d.RestartRequired, "relay")
	}
	if old.Report.TTSModel != new.Report.TTSModel || !slices.Equal(old.Report.Evaluators, new.Report.Evaluators) {
		d.RestartRequired = append(d.RestartRequired, "report")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}
	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalRelay(a, b RelayConfig) bool {
	return a.Prefix == b.Prefix &&
		a.UpstreamURL == b.UpstreamURL &&
		a.APIKey == b.APIKey &&
		a.ReadLimit == b.ReadLimit &&
		a.DialTimeout == b.DialTimeout &&
		slices.Equal(a.AllowedOrigins, b.AllowedOrigins)
}
