package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"time"
)

// otelTracing is a zero-configuration OpenTelemetry bootstrap: an OTLP
// exporter when OTEL_EXPORTER_OTLP_ENDPOINT is set, otherwise a
// resource-tagged no-exporter provider that still produces spans for
// any in-process consumer (tests, a stdout exporter layered on later).
type otelTracing struct {
	traceProvider *sdktrace.TracerProvider
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	serviceName   string
}

// NewTracing builds the engine's Tracing bootstrap. serviceName identifies
// this process in exported spans/metrics (e.g. "ai3orchestrator").
func NewTracing(serviceName string) (Tracing, error) {
	if os.Getenv("OTEL_SDK_DISABLED") == "true" {
		return &otelTracing{tracer: otel.Tracer("noop"), meter: otel.Meter("noop")}, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", getServiceVersion()),
			attribute.String("deployment.environment", getEnvironment()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	traceProvider, err := setupTraceProvider(res)
	if err != nil {
		return nil, fmt.Errorf("telemetry: setting up trace provider: %w", err)
	}
	meterProvider := otel.GetMeterProvider()

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &otelTracing{
		traceProvider: traceProvider,
		meterProvider: meterProvider,
		tracer:        traceProvider.Tracer(serviceName),
		meter:         meterProvider.Meter(serviceName),
		serviceName:   serviceName,
	}, nil
}

func (t *otelTracing) Tracer() trace.Tracer { return t.tracer }

func (t *otelTracing) RecordProviderCall(ctx context.Context, provider string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	if counter, cErr := t.meter.Int64Counter("provider_calls_total", metric.WithDescription("total provider invocations")); cErr == nil {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider), attribute.String("status", status)))
	}
	if hist, hErr := t.meter.Float64Histogram("provider_call_duration_seconds", metric.WithDescription("provider call latency")); hErr == nil {
		hist.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("provider", provider)))
	}
}

func (t *otelTracing) Shutdown(ctx context.Context) error {
	if t.traceProvider != nil {
		return t.traceProvider.Shutdown(ctx)
	}
	return nil
}

func setupTraceProvider(res *resource.Resource) (*sdktrace.TracerProvider, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
	}

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if ratioStr := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); ratioStr != "" && os.Getenv("OTEL_TRACES_SAMPLER") == "traceidratio" {
		if ratio, err := strconv.ParseFloat(ratioStr, 64); err == nil {
			sampler = sdktrace.TraceIDRatioBased(ratio)
		}
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	), nil
}

func getServiceVersion() string {
	if v := os.Getenv("OTEL_SERVICE_VERSION"); v != "" {
		return v
	}
	return "0.1.0"
}

func getEnvironment() string {
	if env := os.Getenv("DEPLOYMENT_ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}
