package telemetry

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// SetupTelemetry configures the global tracer provider to export spans over
// OTLP/HTTP. The returned provider must be shut down on exit to flush.
func SetupTelemetry(ctx context.Context, config Config) (*tracesdk.TracerProvider, error) {
	res, err := NewResource(config)
	if err != nil {
		return nil, err
	}

	exp, err := NewOTLPExporter(ctx, config.OTLP)
	if err != nil {
		return nil, err
	}

	tp := NewTracerProvider(exp, res)

	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(tracerName(config))

	// Context propagation for the OpenTelemetry SDK.
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}

// Creates a trace provider - the entity that puts the OTel pieces together:
// span processors that receive all events and hand them to the exporter while
// associating each of them with our service.
func NewTracerProvider(exp *otlptrace.Exporter, res *resource.Resource) *tracesdk.TracerProvider {
	return tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)
}

// Creates the OTLP/HTTP exporter.
func NewOTLPExporter(ctx context.Context, config OTLP) (*otlptrace.Exporter, error) {
	options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Host)}
	if !config.Secure {
		options = append(options, otlptracehttp.WithInsecure())
	}

	return otlptracehttp.New(ctx, options...)
}

// Creates a new resource to identify the service instance.
func NewResource(config Config) (*resource.Resource, error) {
	id := config.ID
	if id == "" {
		random, err := uuid.NewRandom()
		if err != nil {
			return nil, err
		}
		id = random.String()
	}

	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(tracerName(config)),
		attribute.String("ID", id),
	), nil
}

func tracerName(config Config) string {
	if config.Package != "" {
		return config.Package
	}
	return serviceName
}
