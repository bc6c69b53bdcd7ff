package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name of the tracer Tracer returns;
// every orchestrator span is started from that one tracer.
const TracerName = "github.com/agentmesh/orchestrator"

// Setup configures the global tracer provider. With an empty endpoint it
// exports to stdout (useful for local runs and tests); otherwise it ships
// spans via OTLP/gRPC. Returns a shutdown func the caller must defer.
func Setup(ctx context.Context, serviceName, endpoint string, samplingRate float64) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	if endpoint == "" {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: build exporter: %w", err)
	}

	sampler := sdktrace.TraceIDRatioBased(samplingRate)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return provider.Shutdown, nil
}

// Tracer returns the package-scoped tracer used for all orchestrator spans.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
