package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Tracing is the engine's OpenTelemetry bootstrap contract: a tracer for
// scheduler/router/controller spans and a way to record one provider call
// as a duration/outcome metric pair.
type Tracing interface {
	Tracer() trace.Tracer
	RecordProviderCall(ctx context.Context, provider string, duration time.Duration, err error)
	Shutdown(ctx context.Context) error
}
