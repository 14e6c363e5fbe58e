// Package tracing wires OpenTelemetry spans around Execution Engine steps
// and Skill Runner iterations (SPEC_FULL.md §2's ambient "Tracing &
// metrics" stack).
//
// Provider construction (build a resource-less TracerProvider, register it
// as the global, return a shutdown func) is grounded on
// jllopis-kairos/pkg/telemetry/telemetry.go's Init/InitWithConfig shape.
// That file wires an OTLP or stdout span exporter; neither package is a
// dependency of this module (only go.opentelemetry.io/otel, .../sdk, and
// .../trace are), so the exporter here is a small in-process one that
// feeds finished spans through internal/logging instead of shipping them
// to a collector — the same "one more consumer of the already-structured
// log line" instinct the teacher's own internal/executor/tracing.go
// applies when it logs span attributes alongside emitting them.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/corvidrun/corvid/internal/logging"
)

// Provider owns the SDK TracerProvider and hands out component-scoped
// Tracers.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// New builds a Provider whose finished spans are logged through log.
func New(log *logging.Logger) *Provider {
	if log == nil {
		log = logging.New()
	}
	exp := &logExporter{log: log.WithComponent("tracing")}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}
}

// Tracer returns a Tracer scoped to component name (e.g. "execengine",
// "skillrunner").
func (p *Provider) Tracer(component string) oteltrace.Tracer {
	return p.tp.Tracer("github.com/corvidrun/corvid/" + component)
}

// Shutdown flushes any pending spans and releases the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// Noop returns a Tracer that records nothing, used as the default for
// components constructed without a Provider so tracing stays fully
// optional.
func Noop() oteltrace.Tracer {
	return oteltrace.NewNoopTracerProvider().Tracer("noop")
}

// logExporter implements sdktrace.SpanExporter by writing one log line per
// finished span.
type logExporter struct {
	log *logging.Logger
}

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		fields := map[string]any{
			"span":        s.Name(),
			"trace_id":    s.SpanContext().TraceID().String(),
			"duration_ms": s.EndTime().Sub(s.StartTime()).Milliseconds(),
		}
		for _, attr := range s.Attributes() {
			fields[string(attr.Key)] = attr.Value.Emit()
		}
		e.log.Debug("span finished", fields)
	}
	return nil
}

func (e *logExporter) Shutdown(_ context.Context) error { return nil }
