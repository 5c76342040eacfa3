// Package app wires the rehearsal server subsystems into a running
// application.
//
// The App owns the full lifecycle: New builds the relay, the report service,
// the session archive and the health probes from config; Run serves HTTP until
// its context is cancelled; Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithArchiveStore,
// WithNotifier, WithMetrics). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/rehearsal/internal/archive"
	"github.com/MrWong99/rehearsal/internal/config"
	"github.com/MrWong99/rehearsal/internal/health"
	"github.com/MrWong99/rehearsal/internal/observe"
	"github.com/MrWong99/rehearsal/internal/relay"
	"github.com/MrWong99/rehearsal/internal/report"
)

// App owns all server subsystem lifetimes.
type App struct {
	cfg     *config.Config
	reg     *config.Registry
	metrics *observe.Metrics

	relay    *relay.Relay
	reports  *report.Handler
	service  *report.Service
	archiver *archive.Archiver
	store    archive.Store
	notifier archive.Notifier
	health   *health.Handler
	router   chi.Router

	// closers are called in order during Shutdown.
	closers []func() error

	listener net.Listener
	srv      *http.Server
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics sets the metrics sink instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithArchiveStore injects an archive store instead of creating one from
// config.
func WithArchiveStore(s archive.Store) Option {
	return func(a *App) { a.store = s }
}

// WithNotifier injects an archive notifier instead of connecting to NATS.
func WithNotifier(n archive.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithListener serves on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New creates an App from cfg. Evaluators are instantiated through reg.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initRelay(); err != nil {
		return nil, fmt.Errorf("app: init relay: %w", err)
	}
	a.initReports()
	if err := a.initArchive(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init archive: %w", err)
	}
	a.initHealth()
	a.initRouter()
	return a, nil
}

func (a *App) initRelay() error {
	rc := a.cfg.Relay
	r, err := relay.New(relay.Config{
		Prefix:         rc.Prefix,
		UpstreamURL:    rc.UpstreamURL,
		APIKey:         rc.APIKey,
		ReadLimit:      rc.ReadLimit,
		DialTimeout:    rc.DialTimeout,
		OriginPatterns: rc.AllowedOrigins,
	}, relay.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	if rc.APIKey == "" {
		slog.Warn("no upstream credential configured; relay requests will be refused",
			"env", config.GeminiKeyEnv)
	}
	a.relay = r
	return nil
}

// initReports builds the evaluator chain. Evaluators that cannot be created
// (usually a missing key) are skipped; with none left the endpoint answers
// every action with the missing-key error. The first evaluator that can also
// synthesise speech serves voice previews.
func (a *App) initReports() {
	var (
		names      []string
		evaluators []report.Evaluator
		tts        report.Synthesizer
	)
	for _, entry := range a.cfg.Report.Evaluators {
		ev, err := a.reg.CreateEvaluator(entry)
		if err != nil {
			slog.Warn("report evaluator unavailable", "name", entry.Name, "err", err)
			continue
		}
		names = append(names, entry.Name)
		evaluators = append(evaluators, ev)
		if s, ok := ev.(report.Synthesizer); ok && tts == nil {
			tts = s
		}
	}

	if len(evaluators) > 0 {
		opts := []report.ServiceOption{report.WithServiceMetrics(a.metrics)}
		for i := 1; i < len(evaluators); i++ {
			opts = append(opts, report.WithFallback(names[i], evaluators[i]))
		}
		if tts != nil {
			opts = append(opts, report.WithSynthesizer(tts))
		}
		a.service = report.NewService(names[0], evaluators[0], opts...)
		slog.Info("report service ready", "evaluators", a.service.Evaluators(), "voice_preview", tts != nil)
	}

	a.reports = report.NewHandler(a.service, report.Limits{
		MaxBodyBytes: a.cfg.Report.MaxBodyBytes,
		MaxHistory:   a.cfg.Report.MaxHistory,
	}, a.metrics)
}

func (a *App) initArchive(ctx context.Context) error {
	ac := a.cfg.Archive
	if a.store == nil {
		switch ac.Backend {
		case config.ArchiveNone:
			return nil
		case config.ArchivePostgres:
			s, err := archive.NewPostgresStore(ctx, ac.PostgresDSN)
			if err != nil {
				return err
			}
			a.store = s
		default:
			a.store = archive.NewMemStore()
		}
	}
	if a.notifier == nil && ac.NATSURL != "" {
		n, err := archive.NewNATSNotifier(ac.NATSURL, ac.NATSSubject)
		if err != nil {
			a.store.Close()
			return err
		}
		a.notifier = n
		slog.Info("archive announcements enabled", "subject", n.Subject())
	}
	a.archiver = archive.New(a.store, a.notifier)
	a.closers = append(a.closers, func() error {
		a.archiver.Close()
		return nil
	})
	return nil
}

func (a *App) initHealth() {
	checks := []health.Checker{
		{Name: "upstream-credential", Check: a.relay.CheckCredential},
		{Name: "upstream-dial", Check: a.relay.CheckUpstream},
	}
	if a.archiver != nil {
		checks = append(checks, health.Checker{Name: "archive", Check: a.archiver.Ping})
	}
	a.health = health.New(checks...)
}

func (a *App) initRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	a.health.Register(r)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(observe.Middleware(a.metrics))
		r.Handle(report.Path, a.reports)
		r.Handle(a.relay.Prefix(), a.relay)
		r.Handle(a.relay.Prefix()+"/*", a.relay)
		if a.archiver != nil {
			r.Mount(archive.RoutePrefix, archive.Routes(a.archiver))
		}
	})
	a.router = r
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.router }

// Addr returns the listening address once Run has started, or "".
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Apply hot-reloads the parts of a changed config that do not need a restart.
func (a *App) Apply(d config.ConfigDiff) {
	if d.ReportLimitsChanged {
		a.reports.SetLimits(report.Limits{MaxBodyBytes: d.NewMaxBodyBytes, MaxHistory: d.NewMaxHistory})
		slog.Info("report limits updated", "max_body_bytes", d.NewMaxBodyBytes, "max_history", d.NewMaxHistory)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// It returns nil after a clean shutdown triggered by ctx.
func (a *App) Run(ctx context.Context) error {
	if a.listener == nil {
		l, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
		a.listener = l
	}
	a.srv = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", a.listener.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.srv.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.Serve(a.listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops accepting requests, terminates relay links and closes the
// archive. It respects the context deadline: if ctx expires before all
// closers finish, the remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		if a.srv != nil {
			if err := a.srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}
		if err := a.relay.Shutdown(ctx); err != nil {
			slog.Warn("relay links did not finish in time", "err", err)
			shutdownErr = err
		}
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}
