package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "viz-sandbox"

// Tracer wraps OpenTelemetry tracing for the execution pipeline.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("viz.%s", name),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan records err (if any) on span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Common attribute keys for tracing.
var (
	AttrExecID     = attribute.Key("viz.execution.id")
	AttrRequestID  = attribute.Key("viz.request.id")
	AttrLanguage   = attribute.Key("viz.language")
	AttrCodeHash   = attribute.Key("viz.code_hash")
	AttrExitCode   = attribute.Key("viz.exit_code")
	AttrOutcome    = attribute.Key("viz.outcome")
	AttrDurationMS = attribute.Key("viz.duration_ms")
)
