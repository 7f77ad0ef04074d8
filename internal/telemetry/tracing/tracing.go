// Package tracing installs a concrete OpenTelemetry TracerProvider so the
// spans created in internal/fieldbus and internal/backendsink are retained
// by a real SDK instead of silently discarded by the global no-op tracer.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Shutdown flushes and stops the installed TracerProvider.
type Shutdown func(ctx context.Context) error

// Install builds a TracerProvider with an always-on sampler and registers
// it as the process-wide default. No span exporter is configured: without
// a collector endpoint in the agent's external configuration surface,
// spans are sampled and held in memory for their lifetime rather than
// shipped anywhere, which still exercises recorded parent/child relations
// and status codes for anything instrumented against the SDK in-process
// (tests included) without inventing an unconfigured network sink.
func Install() Shutdown {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
