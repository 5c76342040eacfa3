// Command rehearsal is the participant client: it holds a spoken or typed
// rehearsal conversation with the scenario persona through a rehearsal-relay
// server and prints the evaluation report when the session finishes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/rehearsal/internal/app"
	"github.com/MrWong99/rehearsal/internal/archive"
	"github.com/MrWong99/rehearsal/internal/config"
	"github.com/MrWong99/rehearsal/internal/console"
	"github.com/MrWong99/rehearsal/internal/report"
	"github.com/MrWong99/rehearsal/internal/scenario"
	"github.com/MrWong99/rehearsal/internal/session"
	"github.com/MrWong99/rehearsal/pkg/audio"
	"github.com/MrWong99/rehearsal/pkg/audio/ffmpeg"
	"github.com/MrWong99/rehearsal/pkg/audio/portaudio"
	"github.com/MrWong99/rehearsal/pkg/live"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "optional YAML configuration file (client section)")
	scenarioPath := flag.String("scenario", "scenario.yaml", "scenario descriptor")
	participantPath := flag.String("participant", "", "optional participant profile")
	server := flag.String("server", "", "rehearsal-relay base URL, overrides client.server_url")
	audioName := flag.String("audio", "", "audio backend: ffmpeg, portaudio or none, overrides client.audio")
	autoStart := flag.Bool("start", false, "start the session immediately")
	verbose := flag.Bool("v", false, "print persona presence changes and debug logs")
	flag.Parse()

	_ = godotenv.Load()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rehearsal: %v\n", err)
		return 1
	}
	if *server != "" {
		cfg.Client.ServerURL = *server
	}
	if *audioName != "" {
		cfg.Client.Audio = *audioName
	}

	scn, err := scenario.LoadScenario(*scenarioPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rehearsal: %v\n", err)
		return 1
	}
	p := &scenario.Participant{Name: "Deelnemer"}
	if *participantPath != "" {
		if p, err = scenario.LoadParticipant(*participantPath); err != nil {
			fmt.Fprintf(os.Stderr, "rehearsal: %v\n", err)
			return 1
		}
	}
	p.ApplyDefaults()

	// ── Audio backend ─────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerAudio(reg)
	devices, err := reg.CreateAudio(cfg.Client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rehearsal: audio backend %q: %v\n", cfg.Client.Audio, err)
		return 1
	}

	relayURL, err := relayEndpoint(cfg.Client.ServerURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rehearsal: %v\n", err)
		return 1
	}

	// ── Session wiring ────────────────────────────────────────────────────────
	hc := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 2 * time.Minute}
	reports := report.NewClient(cfg.Client.ServerURL, hc)

	printer := console.NewPrinter(os.Stdout, *verbose)
	sessions := session.NewManager(session.Config{
		Model:          cfg.Client.LiveModel,
		SpeechRate:     cfg.Client.SpeechRate,
		Dial:           session.LiveDialer(relayURL),
		Speaker:        devices.Speaker,
		Microphone:     devices.Microphone,
		ConnectTimeout: cfg.Client.ConnectTimeout,
		Observer:       printer,
	})
	smCfg := app.SessionManagerConfig{Sessions: sessions, Reports: reports}
	if cfg.Client.Archive {
		smCfg.Archive = archive.NewClient(cfg.Client.ServerURL, hc)
	}
	sm := app.NewSessionManager(smCfg)
	defer sm.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := console.New(console.Config{
		In:          os.Stdin,
		Out:         os.Stdout,
		Printer:     printer,
		Sessions:    sm,
		Scenario:    scn,
		Participant: p,
		Previews:    reports,
		Speaker:     devices.Speaker,
		AutoStart:   *autoStart,
	})
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "rehearsal: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := &config.Config{}
		config.ApplyDefaults(cfg)
		return cfg, nil
	}
	return config.Load(path)
}

// relayEndpoint turns the server base URL into the live WebSocket endpoint
// behind the relay.
func relayEndpoint(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("server url %q: unsupported scheme %q", serverURL, u.Scheme)
	}
	return live.Endpoint(u.JoinPath("relay").String()), nil
}

// registerAudio wires the built-in audio backends into reg.
func registerAudio(reg *config.Registry) {
	reg.RegisterAudio("ffmpeg", func(cfg config.ClientConfig) (config.AudioDevices, error) {
		fc := ffmpeg.Config{InputDevice: cfg.InputDevice}
		return config.AudioDevices{
			Microphone: ffmpeg.NewSource(fc),
			Speaker:    func() (audio.Output, error) { return ffplayOutput(fc) },
		}, nil
	})
	reg.RegisterAudio("portaudio", func(config.ClientConfig) (config.AudioDevices, error) {
		return config.AudioDevices{
			Microphone: portaudio.Source{},
			Speaker: func() (audio.Output, error) {
				out, err := portaudio.NewOutput()
				if err != nil {
					return nil, err
				}
				return out, nil
			},
		}, nil
	})
	// none runs text-only sessions; replies are still played through ffplay.
	reg.RegisterAudio("none", func(config.ClientConfig) (config.AudioDevices, error) {
		return config.AudioDevices{
			Speaker: func() (audio.Output, error) { return ffplayOutput(ffmpeg.Config{}) },
		}, nil
	})
}

func ffplayOutput(cfg ffmpeg.Config) (audio.Output, error) {
	out, err := ffmpeg.NewOutput(cfg)
	if err != nil {
		return nil, err
	}
	return out, nil
}
