// Package middleware provides composable middleware around task execution.
// Middleware wraps the step callable synchronously: it can recover panics,
// enforce deadlines, log, and record telemetry before the outcome reaches
// the orchestration layer.
package middleware

import (
	"context"

	"github.com/flowline-dev/flowline/dispatch"
)

// Handler is the terminal function that runs a task's step and returns its
// output.
type Handler func(ctx context.Context) (map[string]any, error)

// Middleware wraps a Handler with cross-cutting logic. It receives the
// context, the task being executed, and the next handler. Middleware must
// call next to continue the chain unless short-circuiting on error.
type Middleware func(ctx context.Context, t *dispatch.Task, next Handler) (map[string]any, error)

// Chain composes middleware into one. Application is right-to-left: the
// first middleware listed is the outermost wrapper, so
// Chain(logging, recover, timeout) executes as
//
//	logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, t *dispatch.Task, next Handler) (map[string]any, error) {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) (map[string]any, error) {
				return mw(ctx, t, prev)
			}
		}
		return h(ctx)
	}
}
