package lifecycle

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "stageflow/backend/internal/lifecycle"

type telemetry struct {
	tracer trace.Tracer
	ops    metric.Int64Counter
}

func newTelemetry() *telemetry {
	ops, err := otel.Meter(instrumentationName).Int64Counter(
		"stageflow.lifecycle.operations",
		metric.WithDescription("Lifecycle engine operations by outcome"),
	)
	if err != nil {
		ops, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter("stageflow.lifecycle.operations")
	}
	return &telemetry{tracer: otel.Tracer(instrumentationName), ops: ops}
}

// start opens a span for op. The returned func ends it and counts the outcome.
func (t *telemetry) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := t.tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = string(KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		t.ops.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("outcome", outcome),
		))
		span.End()
	}
}
