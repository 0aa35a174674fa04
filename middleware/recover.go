package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/flowline-dev/flowline/dispatch"
)

// Recover returns middleware that converts a panicking step callable into an
// ordinary step failure, logged with its stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *dispatch.Task, next Handler) (out map[string]any, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("step callable panicked",
					slog.String("task_id", t.ID.String()),
					slog.String("slug", t.Slug),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				out = nil
				retErr = fmt.Errorf("panic in step %s: %v", t.Slug, r)
			}
		}()
		return next(ctx)
	}
}
