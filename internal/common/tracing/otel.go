// Package tracing provides OpenTelemetry span instrumentation for the
// coordinator's HTTP and dispatch hot paths. Tracing is a no-op until
// OTEL_EXPORTER_OTLP_ENDPOINT is set, so the coordinator never depends on a
// collector being reachable.
package tracing

import (
	"context"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const endpointEnvVar = "OTEL_EXPORTER_OTLP_ENDPOINT"

var (
	initOnce sync.Once
	provider trace.TracerProvider = noop.NewTracerProvider()
	shutdown func(context.Context) error = func(context.Context) error { return nil }
)

// Tracer returns a named tracer. Until the OTLP endpoint is configured, the
// returned tracer is a no-op and every span it starts is free.
func Tracer(name string) trace.Tracer {
	initOnce.Do(initProvider)
	return provider.Tracer(name)
}

// Shutdown flushes and closes the exporter, if one was started.
func Shutdown(ctx context.Context) error {
	initOnce.Do(initProvider)
	return shutdown(ctx)
}

func initProvider() {
	endpoint := os.Getenv(endpointEnvVar)
	if endpoint == "" {
		return
	}

	exporter, err := otlptracehttp.New(context.Background())
	if err != nil {
		return
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceName("agentctrl-coordinator")),
	)
	if err != nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	provider = tp
	shutdown = tp.Shutdown
}
