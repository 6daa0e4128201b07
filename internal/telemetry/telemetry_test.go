package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

func TestInitWithoutProject(t *testing.T) {
	reg := prometheus.NewRegistry()

	providers, err := Init(context.Background(), Config{
		ServiceName: "datasync-test",
		Registerer:  reg,
	})
	if err != nil {
		t.Fatalf("Init() returned error: %v", err)
	}
	if providers.Tracer == nil || providers.Meter == nil {
		t.Fatal("Init() did not set up both providers")
	}

	fields := otel.GetTextMapPropagator().Fields()
	found := false
	for _, f := range fields {
		if f == "traceparent" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected traceparent propagation field, got %v", fields)
	}

	if err := providers.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() returned error: %v", err)
	}
}

func TestInitBridgesMetricsIntoRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()

	providers, err := Init(context.Background(), Config{Registerer: reg})
	if err != nil {
		t.Fatalf("Init() returned error: %v", err)
	}
	defer providers.Shutdown(context.Background())

	counter, err := providers.Meter.Meter("test").Int64Counter("telemetry_test_events")
	if err != nil {
		t.Fatalf("Int64Counter() returned error: %v", err)
	}
	counter.Add(context.Background(), 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() returned error: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "telemetry_test_events_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected bridged counter to appear in the registry")
	}
}

func TestShutdownNilProviders(t *testing.T) {
	var p *Providers
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("expected nil shutdown to succeed, got %v", err)
	}
}
