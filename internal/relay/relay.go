// Package relay implements the credential-injecting relay between untrusted
// clients and the upstream AI service.
//
// Every request under the relay prefix is rewritten to the upstream host with
// the server-held API key. WebSocket upgrades become a [link] that bridges the
// client socket and an upstream socket message-for-message; other requests
// are forwarded as plain HTTP. The credential never leaves the server.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/rehearsal/internal/observe"
	"github.com/MrWong99/rehearsal/internal/resilience"
)

// Defaults applied by [New] to zero-value [Config] fields.
const (
	DefaultPrefix      = "/relay"
	DefaultUpstreamURL = "https://generativelanguage.googleapis.com"
	DefaultReadLimit   = 4 << 20
	DefaultDialTimeout = 15 * time.Second
)

// ErrMissingCredential is reported when no upstream API key is configured.
var ErrMissingCredential = errors.New("relay: missing upstream credential")

// Config configures a [Relay].
type Config struct {
	// Prefix is the path prefix the relay is mounted at. Default: "/relay".
	Prefix string

	// UpstreamURL is the base URL of the upstream service.
	UpstreamURL string

	// APIKey is the server-held upstream credential.
	APIKey string

	// ReadLimit caps the size of a single WebSocket message in either
	// direction. Default: 4 MiB.
	ReadLimit int64

	// DialTimeout bounds the upstream WebSocket handshake.
	DialTimeout time.Duration

	// OriginPatterns lists host patterns allowed to open client sockets from
	// a browser. Empty allows only same-origin requests.
	OriginPatterns []string

	// Breaker tunes the circuit breaker guarding upstream dials.
	Breaker resilience.CircuitBreakerConfig
}

// Option is a functional option for [New].
type Option func(*Relay)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.log = l }
}

// WithTransport overrides the transport used for plain HTTP forwarding.
func WithTransport(rt http.RoundTripper) Option {
	return func(r *Relay) { r.transport = rt }
}

// Relay is an [http.Handler] serving the relay prefix.
type Relay struct {
	cfg       Config
	upstream  *url.URL
	breaker   *resilience.CircuitBreaker
	metrics   *observe.Metrics
	log       *slog.Logger
	transport http.RoundTripper
	proxy     *httputil.ReverseProxy

	baseCtx context.Context
	cancel  context.CancelFunc
	links   sync.WaitGroup
}

// New validates cfg and returns a Relay. A missing APIKey is not an error at
// construction time: requests are refused with 500 until one is configured.
func New(cfg Config, opts ...Option) (*Relay, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	cfg.Prefix = "/" + strings.Trim(cfg.Prefix, "/")
	if cfg.UpstreamURL == "" {
		cfg.UpstreamURL = DefaultUpstreamURL
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	up, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("relay: parse upstream url: %w", err)
	}
	if up.Scheme == "" || up.Host == "" {
		return nil, fmt.Errorf("relay: upstream url %q must be absolute", cfg.UpstreamURL)
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "relay-upstream"
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:      cfg,
		upstream: up,
		breaker:  resilience.NewCircuitBreaker(cfg.Breaker),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.transport == nil {
		r.transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	r.proxy = &httputil.ReverseProxy{
		Rewrite:       r.rewrite,
		Transport:     r.transport,
		FlushInterval: -1,
		ErrorHandler:  r.proxyError,
	}
	return r, nil
}

// Prefix returns the normalised mount prefix.
func (r *Relay) Prefix() string { return r.cfg.Prefix }

// ServeHTTP implements [http.Handler].
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.cfg.APIKey == "" {
		r.log.Error("relay: request refused", "err", ErrMissingCredential, "path", req.URL.Path)
		http.Error(w, ErrMissingCredential.Error(), http.StatusInternalServerError)
		return
	}
	if isUpgrade(req) {
		r.serveWebSocket(w, req)
		return
	}
	r.proxy.ServeHTTP(w, req)
}

func isUpgrade(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
}

func (r *Relay) serveWebSocket(w http.ResponseWriter, req *http.Request) {
	target := Target(req.URL, r.cfg.Prefix, r.upstream, r.cfg.APIKey, true)
	id := uuid.NewString()
	log := r.log.With("link_id", id)

	ctx, span := observe.StartLinkSpan(context.WithoutCancel(req.Context()), id)
	defer span.End()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.baseCtx, cancel)
	defer stop()

	// The upstream dial starts before the client handshake is accepted; both
	// proceed concurrently and the link never assumes upstream readiness.
	dialCtx, cancelDial := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancelDial()
	dialed := make(chan dialResult, 1)
	go func() {
		conn, err := r.dial(dialCtx, target.String())
		dialed <- dialResult{conn: conn, err: err}
	}()

	client, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: r.cfg.OriginPatterns,
	})
	if err != nil {
		log.Warn("relay: client handshake failed", "err", err)
		cancelDial()
		if res := <-dialed; res.conn != nil {
			res.conn.CloseNow()
		}
		return
	}
	client.SetReadLimit(r.cfg.ReadLimit)

	r.links.Add(1)
	defer r.links.Done()
	r.metrics.ActiveLinks.Add(ctx, 1)
	defer r.metrics.ActiveLinks.Add(ctx, -1)

	log.Info("relay: link opened", "target", Redact(target.Redacted(), r.cfg.APIKey))
	newLink(id, client, cancelDial, r.metrics, r.log).run(ctx, dialed)
	log.Info("relay: link closed")
}

func (r *Relay) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	start := time.Now()
	var (
		conn      *websocket.Conn
		cancelled error
	)
	err := r.breaker.Execute(func() error {
		c, _, err := websocket.Dial(ctx, target, nil)
		if err != nil {
			err = errors.New(Redact(err.Error(), r.cfg.APIKey))
			if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				// The client left; not an upstream failure.
				cancelled = err
				return nil
			}
			return err
		}
		conn = c
		return nil
	})
	r.metrics.UpstreamDialDuration.Record(ctx, time.Since(start).Seconds())
	if err == nil {
		err = cancelled
	}
	if err != nil {
		return nil, fmt.Errorf("relay: dial upstream: %w", err)
	}
	conn.SetReadLimit(r.cfg.ReadLimit)
	return conn, nil
}

func (r *Relay) rewrite(pr *httputil.ProxyRequest) {
	target := Target(pr.In.URL, r.cfg.Prefix, r.upstream, r.cfg.APIKey, false)
	pr.Out.URL = target
	pr.Out.Host = target.Host
	pr.Out.Header.Del("X-Goog-Api-Key")
	pr.SetXForwarded()
}

func (r *Relay) proxyError(w http.ResponseWriter, req *http.Request, err error) {
	r.log.Warn("relay: upstream request failed",
		"path", req.URL.Path,
		"err", Redact(err.Error(), r.cfg.APIKey),
	)
	http.Error(w, "relay: upstream request failed", http.StatusBadGateway)
}

// CheckCredential reports whether an upstream credential is configured.
func (r *Relay) CheckCredential(context.Context) error {
	if r.cfg.APIKey == "" {
		return ErrMissingCredential
	}
	return nil
}

// CheckUpstream reports an error while the upstream dial breaker is open.
func (r *Relay) CheckUpstream(context.Context) error {
	if r.breaker.State() == resilience.StateOpen {
		return fmt.Errorf("relay: upstream dial %w", resilience.ErrCircuitOpen)
	}
	return nil
}

// Shutdown terminates every open link and waits for them to finish or for
// ctx to expire.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.links.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
