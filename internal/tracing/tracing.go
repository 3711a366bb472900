// Package tracing sets up the process-wide OpenTelemetry TracerProvider
// and hands out the one Tracer used for span-per-lifecycle-transition
// (internal/reconciler) and span-per-agent-run (internal/agentrunner)
// instrumentation, grounded on the teacher's internal/agent trace-collector
// wiring (a root span created once per process, child spans created around
// each unit of work) but pointed at a real OTLP exporter instead of the
// teacher's in-process collector.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nextlevelbuilder/chatsupervisor"

// Shutdown flushes and closes the TracerProvider; safe to call even when
// Init was a no-op (no OTLP endpoint configured).
type Shutdown func(ctx context.Context) error

// Init wires a grpc OTLP exporter when endpoint is non-empty. With an empty
// endpoint it leaves the global otel.Tracer backed by the package default
// no-op implementation, so every call site can unconditionally create spans
// without a nil check.
func Init(ctx context.Context, serviceName, endpoint string) (Shutdown, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func(shutdownCtx context.Context) error {
		return tp.Shutdown(shutdownCtx)
	}, nil
}

// Tracer returns the package-wide tracer. Calling it before Init is safe —
// it returns the otel global no-op tracer until Init installs a real
// provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
