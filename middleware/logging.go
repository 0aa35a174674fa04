package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowline-dev/flowline/dispatch"
)

// Logging returns middleware that logs task start and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *dispatch.Task, next Handler) (map[string]any, error) {
		logger.Info("task started",
			slog.String("task_id", t.ID.String()),
			slog.String("slug", t.Slug),
			slog.String("execution_id", t.ExecutionID.String()),
		)

		start := time.Now()
		out, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("task failed",
				slog.String("task_id", t.ID.String()),
				slog.String("slug", t.Slug),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("task completed",
				slog.String("task_id", t.ID.String()),
				slog.String("slug", t.Slug),
				slog.Duration("elapsed", elapsed),
			)
		}

		return out, err
	}
}
