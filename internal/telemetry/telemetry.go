// Package telemetry wires up OpenTelemetry span export for the long-lived
// outbound Gateway conversation. internal/forkengine and
// internal/gatewayclient already create spans via otel.Tracer(...); this
// package is the one place that decides where those spans go.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Shutdown flushes and stops the tracer provider installed by Init.
type Shutdown func(ctx context.Context) error

var noopShutdown Shutdown = func(context.Context) error { return nil }

// Init installs a global TracerProvider exporting spans over OTLP/HTTP to
// endpoint (host:port, no scheme) when enabled is true. When enabled is
// false it leaves the default no-op provider in place — the forkengine and
// gatewayclient spans are then created but go nowhere, at no runtime cost.
func Init(ctx context.Context, enabled bool, endpoint, serviceVersion string) (Shutdown, error) {
	if !enabled {
		return noopShutdown, nil
	}
	if endpoint == "" {
		endpoint = "127.0.0.1:4318"
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return noopShutdown, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "forked"),
		attribute.String("service.version", serviceVersion),
	))
	if err != nil {
		return noopShutdown, fmt.Errorf("build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}
