package telemetry

import (
	"context"
	"testing"
)

func TestNewProviders_Disabled(t *testing.T) {
	t.Parallel()

	p, err := NewProviders("aegisgate-test", false)
	if err != nil {
		t.Fatalf("NewProviders() error: %v", err)
	}
	if p.TracerProvider == nil || p.MeterProvider == nil {
		t.Fatal("disabled providers are nil")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}
}

func TestNewProviders_EnabledShutsDown(t *testing.T) {
	t.Parallel()

	p, err := NewProviders("aegisgate-test", true)
	if err != nil {
		t.Fatalf("NewProviders() error: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}
}
