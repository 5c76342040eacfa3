package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/rehearsal/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Relay:  config.RelayConfig{Prefix: "/relay", AllowedOrigins: []string{"localhost:*"}},
		Report: config.ReportConfig{
			MaxBodyBytes: 250_000,
			MaxHistory:   250,
			Evaluators:   []config.EvaluatorEntry{{Name: "gemini"}},
		},
		Archive: config.ArchiveConfig{Backend: config.ArchiveMemory},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("Changed() = true for identical configs: %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug
	new.Report.MaxHistory = 50

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %v/%q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.ReportLimitsChanged || d.NewMaxHistory != 50 || d.NewMaxBodyBytes != 250_000 {
		t.Errorf("limits diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9090" }, "server"},
		{"tls", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"} }, "server"},
		{"origins", func(c *config.Config) { c.Relay.AllowedOrigins = nil }, "relay"},
		{"evaluators", func(c *config.Config) { c.Report.Evaluators[0].Model = "other" }, "report"},
		{"archive", func(c *config.Config) { c.Archive.NATSURL = "nats://x" }, "archive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			new := baseConfig()
			tt.mutate(new)
			d := config.Diff(baseConfig(), new)
			if !slices.Contains(d.RestartRequired, tt.want) {
				t.Errorf("RestartRequired = %v, want %q", d.RestartRequired, tt.want)
			}
			if d.Changed() {
				t.Error("restart-only change reported as hot-reloadable")
			}
		})
	}
}
