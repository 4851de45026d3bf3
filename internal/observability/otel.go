package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ServiceInfo identifies this process in emitted spans/metrics.
type ServiceInfo struct {
	Name        string
	Version     string
	Environment string
}

// Init wires up the global tracer/meter providers against an in-process SDK
// resource. It does not configure a remote exporter: job-level spans and
// histograms are consumed via Metrics/LoggerWithTrace within this process,
// matching the ingestion-stage timing spec.md §4 calls for. A remote
// exporter can be attached later by registering a span/metric processor on
// the returned providers without touching call sites.
func Init(info ServiceInfo) (*Metrics, func(context.Context) error, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(info.Name),
		semconv.ServiceVersion(info.Version),
		attribute.String("deployment.environment", info.Environment),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("merge otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	metrics := NewMetrics(mp.Meter(info.Name))

	shutdown := func(ctx context.Context) error {
		var first error
		if err := mp.Shutdown(ctx); err != nil {
			first = err
		}
		if err := tp.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
		return first
	}
	return metrics, shutdown, nil
}
