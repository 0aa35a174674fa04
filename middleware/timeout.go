package middleware

import (
	"context"
	"time"

	"github.com/flowline-dev/flowline/dispatch"
)

// Timeout returns middleware that bounds each task's step execution. The
// context handed to the callable is cancelled at the deadline; a callable
// that honors its context returns context.DeadlineExceeded, which the worker
// records as an ordinary step failure.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *dispatch.Task, next Handler) (map[string]any, error) {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
