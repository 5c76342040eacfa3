// Command rehearsal-relay is the rehearsal server: it relays live sessions to
// the upstream service with the server-held credential, serves the report and
// voice-preview endpoint and keeps the session archive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/rehearsal/internal/app"
	"github.com/MrWong99/rehearsal/internal/config"
	"github.com/MrWong99/rehearsal/internal/observe"
	"github.com/MrWong99/rehearsal/internal/report"
)

// version is set at build time with -ldflags "-X main.version=…".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file with credentials")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "rehearsal-relay: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "rehearsal-relay: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "rehearsal-relay: %v\n", err)
		}
		return 1
	}
	config.ResolveSecrets(cfg, os.Getenv)

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cfg.Server.LogFormat, level))

	slog.Info("rehearsal-relay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "rehearsal-relay",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Evaluator registry ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerEvaluators(ctx, reg, cfg.Report.TTSModel)

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_ *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		application.Apply(d)
	}, config.WithPrepare(func(c *config.Config) { config.ResolveSecrets(c, os.Getenv) }))
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if !watcher.Reload() {
					slog.Info("SIGHUP: configuration unchanged")
				}
			}
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Evaluator wiring ──────────────────────────────────────────────────────────

// registerEvaluators wires every built-in evaluator factory into reg.
func registerEvaluators(ctx context.Context, reg *config.Registry, ttsModel string) {
	reg.RegisterEvaluator("gemini", func(entry config.EvaluatorEntry) (report.Evaluator, error) {
		return report.NewGemini(ctx, report.GeminiConfig{
			APIKey:      entry.APIKey,
			ReportModel: entry.Model,
			TTSModel:    ttsModel,
			BaseURL:     entry.BaseURL,
		})
	})

	reg.RegisterEvaluator("openai", func(entry config.EvaluatorEntry) (report.Evaluator, error) {
		var opts []report.OpenAIOption
		if entry.BaseURL != "" {
			opts = append(opts, report.WithOpenAIBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, report.WithOpenAITimeout(entry.Timeout))
		}
		return report.NewOpenAI(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, deepseek, mistral and groq share the same pattern: optional
	// APIKey + optional BaseURL.
	for _, name := range []string{"anthropic", "deepseek", "mistral", "groq"} {
		reg.RegisterEvaluator(name, func(entry config.EvaluatorEntry) (report.Evaluator, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return report.NewAnyLLM(name, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterEvaluator("ollama", func(entry config.EvaluatorEntry) (report.Evaluator, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return report.NewAnyLLM("ollama", entry.Model, opts...)
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║     rehearsal-relay startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Relay prefix", cfg.Relay.Prefix)
	if cfg.Relay.APIKey != "" {
		printRow("Credential", "configured")
	} else {
		printRow("Credential", "(missing)")
	}
	for i, e := range cfg.Report.Evaluators {
		kind := "Fallback"
		if i == 0 {
			kind = "Evaluator"
		}
		value := e.Name
		if e.Model != "" {
			value += " / " + e.Model
		}
		printRow(kind, value)
	}
	printRow("Archive", string(cfg.Archive.Backend))
	if cfg.Archive.NATSURL != "" {
		printRow("Announce", "nats")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(default)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
