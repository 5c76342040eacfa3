// Package observe provides application-wide observability primitives for the
// rehearsal services: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all rehearsal metrics.
const meterName = "github.com/MrWong99/rehearsal"

// Relay message directions.
const (
	DirectionClientToUpstream = "client_to_upstream"
	DirectionUpstreamToClient = "upstream_to_client"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Relay ---

	// ActiveLinks tracks relay links with an accepted client connection.
	ActiveLinks metric.Int64UpDownCounter

	// RelayMessages counts forwarded messages. Use with attribute:
	//   attribute.String("direction", ...)
	RelayMessages metric.Int64Counter

	// QueuedMessages counts client messages buffered before upstream opened.
	QueuedMessages metric.Int64Counter

	// UpstreamDialDuration tracks time to open the upstream connection.
	UpstreamDialDuration metric.Float64Histogram

	// LinkCloses counts link terminations. Use with attributes:
	//   attribute.String("side", ...), attribute.String("code", ...)
	LinkCloses metric.Int64Counter

	// --- Report endpoint ---

	// ReportRequests counts report endpoint calls. Use with attributes:
	//   attribute.String("action", ...), attribute.String("status", ...)
	ReportRequests metric.Int64Counter

	// EvaluatorDuration tracks evaluation latency per backend. Use with
	// attribute.String("evaluator", ...)
	EvaluatorDuration metric.Float64Histogram

	// --- Client ---

	// ActiveSessions tracks live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both fast dials and slow model evaluations.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveLinks, err = m.Int64UpDownCounter("rehearsal.relay.active_links",
		metric.WithDescription("Number of relay links with a connected client."),
	); err != nil {
		return nil, err
	}
	if met.RelayMessages, err = m.Int64Counter("rehearsal.relay.messages",
		metric.WithDescription("Total relayed messages by direction."),
	); err != nil {
		return nil, err
	}
	if met.QueuedMessages, err = m.Int64Counter("rehearsal.relay.queued_messages",
		metric.WithDescription("Client messages buffered while the upstream connection was opening."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamDialDuration, err = m.Float64Histogram("rehearsal.relay.upstream_dial.duration",
		metric.WithDescription("Latency of opening the upstream connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LinkCloses, err = m.Int64Counter("rehearsal.relay.link_closes",
		metric.WithDescription("Total link terminations by initiating side and close code."),
	); err != nil {
		return nil, err
	}

	if met.ReportRequests, err = m.Int64Counter("rehearsal.report.requests",
		metric.WithDescription("Total report endpoint requests by action and status."),
	); err != nil {
		return nil, err
	}
	if met.EvaluatorDuration, err = m.Float64Histogram("rehearsal.report.evaluator.duration",
		metric.WithDescription("Latency of report generation per evaluator."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("rehearsal.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("rehearsal.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordRelayMessage records one forwarded message.
func (m *Metrics) RecordRelayMessage(ctx context.Context, direction string) {
	m.RelayMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordLinkClose records a link termination initiated by side with code.
func (m *Metrics) RecordLinkClose(ctx context.Context, side string, code int) {
	m.LinkCloses.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("side", side),
			attribute.String("code", strconv.Itoa(code)),
		),
	)
}

// RecordReportRequest records a report endpoint call.
func (m *Metrics) RecordReportRequest(ctx context.Context, action, status string) {
	m.ReportRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("status", status),
		),
	)
}

// RecordEvaluatorDuration records how long evaluator took, in seconds.
func (m *Metrics) RecordEvaluatorDuration(ctx context.Context, evaluator string, seconds float64) {
	m.EvaluatorDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("evaluator", evaluator)),
	)
}
