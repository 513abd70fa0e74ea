package otel_test

import (
	"context"
	"testing"

	"github.com/louisbranch/ledgerline/internal/platform/otel"
)

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	t.Setenv("LEDGERLINE_OTEL_ENDPOINT", "")
	t.Setenv("LEDGERLINE_OTEL_ENABLED", "")

	provider, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.Tracer("test") == nil {
		t.Fatal("expected noop tracer")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_NoopWhenExplicitlyDisabled(t *testing.T) {
	t.Setenv("LEDGERLINE_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("LEDGERLINE_OTEL_ENABLED", "false")

	provider, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_CreatesProviderWhenEndpointSet(t *testing.T) {
	// Non-routable address so no actual export happens.
	t.Setenv("LEDGERLINE_OTEL_ENDPOINT", "http://192.0.2.1:4318")
	t.Setenv("LEDGERLINE_OTEL_ENABLED", "")

	provider, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.Tracer("test") == nil {
		t.Fatal("expected tracer")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestNilProviderIsSafe(t *testing.T) {
	var provider *otel.Provider
	if provider.Tracer("x") == nil {
		t.Fatal("expected noop tracer from nil provider")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
