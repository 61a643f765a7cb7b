package monitor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "codequest-sandbox"

// Tracer wraps OpenTelemetry tracing. Without an SDK provider installed the
// global provider is a no-op, so spans cost nothing.
type Tracer struct {
	tracer trace.Tracer
}

func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan starts a span named "sandbox.<name>".
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "sandbox."+name, trace.WithAttributes(attrs...))
}

// EndSpan records the final status and ends the span.
func EndSpan(span trace.Span, status string, err error) {
	span.SetAttributes(AttrStatus.String(status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

var (
	AttrExecID     = attribute.Key("sandbox.execution.id")
	AttrLanguage   = attribute.Key("sandbox.language")
	AttrCodeHash   = attribute.Key("sandbox.code_hash")
	AttrProvider   = attribute.Key("sandbox.provider")
	AttrStatus     = attribute.Key("sandbox.status")
	AttrDurationMS = attribute.Key("sandbox.duration_ms")
)
