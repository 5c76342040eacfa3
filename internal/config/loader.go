package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/rehearsal/internal/report"
)

// ValidEvaluatorNames lists the evaluator names the binaries register.
// Used by [Validate] to warn about unrecognised names.
var ValidEvaluatorNames = []string{"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq"}

// ValidAudioNames lists the audio backends the console client registers.
var ValidAudioNames = []string{"ffmpeg", "portaudio", "none"}

// GeminiKeyEnv lists the environment variables consulted, in order, for the
// upstream credential.
var GeminiKeyEnv = []string{"GEMINI_API_KEY", "GOOGLE_API_KEY", "API_KEY"}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultServerURL       = "http://localhost:8080"
	DefaultConnectTimeout  = 20 * time.Second
)

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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero fields of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Report.MaxBodyBytes <= 0 {
		cfg.Report.MaxBodyBytes = report.MaxBodyBytes
	}
	if cfg.Report.MaxHistory <= 0 {
		cfg.Report.MaxHistory = report.MaxHistory
	}
	if cfg.Report.TTSModel == "" {
		cfg.Report.TTSModel = report.DefaultTTSModel
	}
	if len(cfg.Report.Evaluators) == 0 {
		cfg.Report.Evaluators = []EvaluatorEntry{{Name: "gemini"}}
	}
	for i := range cfg.Report.Evaluators {
		e := &cfg.Report.Evaluators[i]
		if e.Name == "gemini" && e.Model == "" {
			e.Model = report.DefaultReportModel
		}
	}

	if cfg.Archive.Backend == "" {
		cfg.Archive.Backend = ArchiveMemory
		if cfg.Archive.PostgresDSN != "" {
			cfg.Archive.Backend = ArchivePostgres
		}
	}

	if cfg.Client.ServerURL == "" {
		cfg.Client.ServerURL = DefaultServerURL
	}
	if cfg.Client.Audio == "" {
		cfg.Client.Audio = "ffmpeg"
	}
	if cfg.Client.SpeechRate == 0 {
		cfg.Client.SpeechRate = 1.0
	}
	if cfg.Client.ConnectTimeout <= 0 {
		cfg.Client.ConnectTimeout = DefaultConnectTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Relay
	if cfg.Relay.UpstreamURL != "" {
		if u, err := url.Parse(cfg.Relay.UpstreamURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("relay.upstream_url %q must be an absolute URL", cfg.Relay.UpstreamURL))
		}
	}
	if cfg.Relay.ReadLimit < 0 {
		errs = append(errs, fmt.Errorf("relay.read_limit must not be negative, got %d", cfg.Relay.ReadLimit))
	}
	if cfg.Relay.Prefix != "" && !strings.HasPrefix(cfg.Relay.Prefix, "/") {
		errs = append(errs, fmt.Errorf("relay.prefix %q must start with /", cfg.Relay.Prefix))
	}

	// Report
	if cfg.Report.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("report.max_body_bytes must not be negative, got %d", cfg.Report.MaxBodyBytes))
	}
	if cfg.Report.MaxHistory < 0 {
		errs = append(errs, fmt.Errorf("report.max_history must not be negative, got %d", cfg.Report.MaxHistory))
	}
	seen := make(map[string]int, len(cfg.Report.Evaluators))
	for i, e := range cfg.Report.Evaluators {
		prefix := fmt.Sprintf("report.evaluators[%d]", i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of report.evaluators[%d]", prefix, e.Name, prev))
		}
		seen[e.Name] = i
		if !slices.Contains(ValidEvaluatorNames, e.Name) {
			slog.Warn("unknown evaluator name; may be a typo or a custom registration",
				"name", e.Name,
				"known", ValidEvaluatorNames,
			)
		}
		if e.Name != "gemini" && e.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required for evaluator %q", prefix, e.Name))
		}
	}

	// Archive
	if cfg.Archive.Backend != "" && !cfg.Archive.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("archive.backend %q is invalid; valid values: none, memory, postgres", cfg.Archive.Backend))
	}
	if cfg.Archive.Backend == ArchivePostgres && cfg.Archive.PostgresDSN == "" {
		errs = append(errs, errors.New("archive.postgres_dsn is required when backend is postgres"))
	}
	if cfg.Archive.Backend == ArchiveNone && cfg.Archive.NATSURL != "" {
		slog.Warn("archive.nats_url is set but the archive is disabled; no announcements will be sent")
	}

	// Client
	if r := cfg.Client.SpeechRate; r != 0 && (r < 0.5 || r > 2.0) {
		errs = append(errs, fmt.Errorf("client.speech_rate %.2f is out of range [0.5, 2.0]", r))
	}
	if cfg.Client.Audio != "" && !slices.Contains(ValidAudioNames, cfg.Client.Audio) {
		slog.Warn("unknown audio backend name", "name", cfg.Client.Audio, "known", ValidAudioNames)
	}
	if cfg.Client.ServerURL != "" {
		if u, err := url.Parse(cfg.Client.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("client.server_url %q must be an absolute URL", cfg.Client.ServerURL))
		}
	}

	return errors.Join(errs...)
}

// GeminiKey returns the first non-empty value of [GeminiKeyEnv].
func GeminiKey(getenv func(string) string) string {
	for _, name := range GeminiKeyEnv {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

// ResolveSecrets fills empty credentials of cfg from the environment. The
// relay and the gemini evaluator use [GeminiKey]; other evaluators read
// <NAME>_API_KEY (e.g., OPENAI_API_KEY).
func ResolveSecrets(cfg *Config, getenv func(string) string) {
	gemini := GeminiKey(getenv)
	if cfg.Relay.APIKey == "" {
		cfg.Relay.APIKey = gemini
	}
	for i := range cfg.Report.Evaluators {
		e := &cfg.Report.Evaluators[i]
		if e.APIKey != "" {
			continue
		}
		if e.Name == "gemini" {
			e.APIKey = gemini
			continue
		}
		e.APIKey = strings.TrimSpace(getenv(strings.ToUpper(e.Name) + "_API_KEY"))
	}
}
