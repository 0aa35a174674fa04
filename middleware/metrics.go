package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/flowline-dev/flowline/dispatch"
)

// meterName is the instrumentation scope name for flowline metrics.
const meterName = "github.com/flowline-dev/flowline"

// Metrics returns middleware that records per-task execution metrics using
// the global OTel MeterProvider. Without a configured provider the
// instruments are noops and the middleware is a pass-through.
//
// Instruments:
//   - flowline.task.duration (Float64Histogram): step execution time in
//     seconds, with attributes slug and status ("ok" or "error")
//   - flowline.task.executions (Int64Counter): total step executions, with
//     the same attributes
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter, so
// tests can inject a specific MeterProvider.
func MetricsWithMeter(meter metric.Meter) Middleware {
	duration, dErr := meter.Float64Histogram(
		"flowline.task.duration",
		metric.WithDescription("Duration of step execution in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by the OTel API contract

	executions, eErr := meter.Int64Counter(
		"flowline.task.executions",
		metric.WithDescription("Total number of step executions"),
		metric.WithUnit("{execution}"),
	)
	_ = eErr // noop fallback guaranteed by the OTel API contract

	return func(ctx context.Context, t *dispatch.Task, next Handler) (map[string]any, error) {
		start := time.Now()
		out, err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("slug", t.Slug),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)

		return out, err
	}
}
