// Package telemetry configures OpenTelemetry tracing and metrics for the
// relay.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "chatrelay"

// ShutdownFunc flushes pending spans and metrics and stops the exporters.
type ShutdownFunc func(context.Context) error

func newResource() *resource.Resource {
	return resource.NewSchemaless(attribute.String("service.name", serviceName))
}

// Setup returns the relay's Metrics and, when endpoint is set, installs a
// global tracer provider and a periodic metric exporter that both ship to the
// OTLP/HTTP collector at endpoint. With an empty endpoint tracing stays a
// no-op and metrics are only readable in process.
func Setup(ctx context.Context, endpoint string, insecure bool) (*Metrics, ShutdownFunc, error) {
	if endpoint == "" {
		m := NewMetrics()
		return m, m.Shutdown, nil
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}

	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating otlp trace exporter: %w", err)
	}

	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating otlp metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(newResource()),
	)
	otel.SetTracerProvider(tp)

	m := NewMetrics(sdkmetric.NewPeriodicReader(metricExp))

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), m.Shutdown(ctx))
	}
	return m, shutdown, nil
}

// Tracer returns the relay's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(serviceName)
}
