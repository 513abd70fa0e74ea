package otel

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Provider is the process-wide tracing handle. It is created once at startup
// and flushed once at shutdown.
type Provider struct {
	tp       trace.TracerProvider
	shutdown func(context.Context) error
}

// Tracer returns a named tracer from the provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p == nil || p.tp == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Shutdown flushes pending spans. It is safe to call on a no-op provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Setup initialises OpenTelemetry tracing for the given service.
//
// Tracing is opt-in: when LEDGERLINE_OTEL_ENDPOINT is empty or
// LEDGERLINE_OTEL_ENABLED is "false", Setup returns a no-op provider.
// Span context still propagates through the explicit ctx parameters.
func Setup(ctx context.Context, serviceName string) (*Provider, error) {
	noopProvider := &Provider{tp: noop.NewTracerProvider()}

	if strings.EqualFold(os.Getenv("LEDGERLINE_OTEL_ENABLED"), "false") {
		return noopProvider, nil
	}

	endpoint := os.Getenv("LEDGERLINE_OTEL_ENDPOINT")
	if endpoint == "" {
		return noopProvider, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return noopProvider, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return noopProvider, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	// The global provider is still registered so instrumentation libraries
	// (otelgrpc, otelgin) export through the same pipeline.
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{tp: tp, shutdown: tp.Shutdown}, nil
}
