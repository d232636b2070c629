package otel

import (
	"context"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider should not build an SDK tracer provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_Exporters(t *testing.T) {
	disabled := false
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "none", cfg: Config{Enabled: true, Exporter: "none"}},
		{name: "custom service", cfg: Config{Enabled: true, Exporter: "none", ServiceName: "bridge-test"}},
		{name: "sample rate", cfg: Config{Enabled: true, Exporter: "none", SampleRate: 0.5}},
		{name: "metrics off", cfg: Config{Enabled: true, Exporter: "none", MetricsEnabled: &disabled}},
		{name: "unknown", cfg: Config{Enabled: true, Exporter: "magic-pixie-dust"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Init(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer p.Shutdown(context.Background())
			if p.TracerProvider == nil || p.Tracer == nil || p.Meter == nil {
				t.Fatal("provider incomplete")
			}
		})
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "test.internal",
		AttrSessionID.String("s-1"),
		AttrObjectGroup.String("console"),
	)
	span.End()

	_, span2 := StartServerSpan(context.Background(), p.Tracer, "dispatcher.Runtime.evaluate",
		AttrMethod.String("Runtime.evaluate"),
	)
	span2.End()
}

func TestShutdown_NilProvider(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil Shutdown: %v", err)
	}
}
