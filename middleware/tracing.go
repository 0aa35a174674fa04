package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowline-dev/flowline/dispatch"
)

// tracerName is the instrumentation scope name for flowline tracing.
const tracerName = "github.com/flowline-dev/flowline"

// Tracing returns middleware that wraps step execution in an OpenTelemetry
// span. Without a configured global TracerProvider the noop tracer is used.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, t *dispatch.Task, next Handler) (map[string]any, error) {
		ctx, span := tracer.Start(ctx, "flowline.task.execute",
			trace.WithAttributes(
				attribute.String("flowline.task.id", t.ID.String()),
				attribute.String("flowline.step.slug", t.Slug),
				attribute.String("flowline.execution.id", t.ExecutionID.String()),
				attribute.Int("flowline.task.stage", t.Stage),
				attribute.Int("flowline.task.attempts", t.Attempts),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		out, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return out, err
	}
}
