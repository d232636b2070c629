package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	checks := map[string]bool{
		"RequestDuration":  m.RequestDuration != nil,
		"RequestErrors":    m.RequestErrors != nil,
		"Evaluations":      m.Evaluations != nil,
		"ConsoleMessages":  m.ConsoleMessages != nil,
		"ActiveSessions":   m.ActiveSessions != nil,
		"RejectedSessions": m.RejectedSessions != nil,
		"StorageBytes":     m.StorageBytes != nil,
	}
	for name, ok := range checks {
		if !ok {
			t.Errorf("%s is nil", name)
		}
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	m, err := NewMetrics(Noop().Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	m.Evaluations.Add(context.Background(), 1)
}
