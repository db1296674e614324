package telemetry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Configures OpenTelemetry for the coordinator. Returns the tracer provider so that the
// caller can flush and shut it down on exit.
func SetupTelemetry(config Config) (*tracesdk.TracerProvider, error) {
	packageName := config.Package
	if packageName == "" {
		packageName = PACKAGE
	}

	res, err := NewResource(packageName, config.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry resource: %w", err)
	}

	var exp tracesdk.SpanExporter
	if config.OTLP.Host != "" {
		exp, err = NewOTLPExporter(config.OTLP)
	} else {
		exp, err = NewJaegerExporter(config.JaegerURL)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry exporter: %w", err)
	}

	tp := NewTracerProvider(exp, res)

	// Set the trace provider as the global trace provider.
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(packageName)

	// Context propagation for the OpenTelemetry SDK.
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}

// Creates a trace provider that batches all spans into the given exporter while
// associating each of them with our service.
func NewTracerProvider(exp tracesdk.SpanExporter, res *resource.Resource) *tracesdk.TracerProvider {
	return tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)
}

// Creates Jaeger exporter.
func NewJaegerExporter(url string) (*jaeger.Exporter, error) {
	return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(url)))
}

// Creates an OTLP exporter that talks HTTP (or HTTPS if `Secure` is set) to the collector.
func NewOTLPExporter(config OTLP) (tracesdk.SpanExporter, error) {
	options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Host)}
	if !config.Secure {
		options = append(options, otlptracehttp.WithInsecure())
	}

	return otlptracehttp.New(context.Background(), options...)
}

// Creates a new resource to identify the service instance. A random ID is
// generated if none is configured.
func NewResource(packageName, instanceID string) (*resource.Resource, error) {
	if instanceID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, err
		}
		instanceID = id.String()
	}

	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(packageName),
		attribute.String("ID", instanceID),
	), nil
}
