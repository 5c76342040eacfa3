package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitProvider(t *testing.T) {
	origMP, origTP, origProp := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origProp)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceName:    "rehearsal-relay",
		ServiceVersion: "test",
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	m.RecordReportRequest(context.Background(), "genericReport", "200")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var (
		names   []string
		service string
	)
	for _, f := range families {
		names = append(names, f.GetName())
		if f.GetName() != "target_info" {
			continue
		}
		for _, lp := range f.GetMetric()[0].GetLabel() {
			if lp.GetName() == "service_name" {
				service = lp.GetValue()
			}
		}
	}
	// The merged resource keeps both the SDK defaults and our service name.
	if service != "rehearsal-relay" {
		t.Errorf("target_info service_name = %q, want rehearsal-relay", service)
	}
	if !strings.Contains(strings.Join(names, " "), "report_requests") {
		t.Errorf("report counter not exported, got %v", names)
	}

	ctx, span := StartSpan(context.Background(), "report.generate")
	defer span.End()
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if carrier.Get("traceparent") == "" {
		t.Error("trace context propagator not installed")
	}
}
