// Package telemetry traces signaling requests through OpenTelemetry. Setup
// lives in setup.go; the gateway opens one Span per request.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// serviceName is the default tracer and service identity, overridable through
// the telemetry config.
const serviceName = "estuary"

var tracer = otel.Tracer(serviceName)

// Span covers one signaling request from dispatch to reply.
type Span struct {
	span trace.Span
}

// StartSpan opens a span named after the request event.
func StartSpan(ctx context.Context, name string, attributes ...attribute.KeyValue) *Span {
	_, span := tracer.Start(ctx, name, trace.WithAttributes(attributes...))
	return &Span{span: span}
}

// Fail marks the span as errored and records the cause. The request still
// Ends normally afterwards.
func (s *Span) Fail(err error) {
	s.span.SetStatus(codes.Error, err.Error())
	s.span.RecordError(err)
}

func (s *Span) End() {
	s.span.End()
}
