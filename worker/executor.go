// Package worker provides task execution: an Executor that runs one task's
// step callable through the middleware chain and reports the outcome to the
// orchestration layer, and a Pool of goroutines that lease tasks from the
// store.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/backoff"
	"github.com/flowline-dev/flowline/dispatch"
	"github.com/flowline-dev/flowline/middleware"
	"github.com/flowline-dev/flowline/registry"
)

// Executor runs a single task through middleware and the registered step
// callable, then settles both the task row and the step status.
//
// Failures split two ways: a *flowline.DispatchError is infrastructure and
// is retried with backoff while the task has attempts left; anything else is
// a business failure and fails the step (and with it the execution) on the
// first occurrence.
type Executor struct {
	registry *registry.Registry
	runner   *dispatch.Runner
	tasks    dispatch.TaskStore
	backoff  backoff.Strategy
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(
	reg *registry.Registry,
	runner *dispatch.Runner,
	tasks dispatch.TaskStore,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry: reg,
		runner:   runner,
		tasks:    tasks,
		backoff:  bo,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs one leased task to an outcome.
func (e *Executor) Execute(ctx context.Context, t *dispatch.Task) error {
	action, err := e.registry.Get(t.Slug)
	if err != nil {
		// A persisted task referencing an unregistered slug cannot ever
		// succeed; fail it outright.
		return e.failForGood(ctx, t, err)
	}

	proceed, err := e.runner.StartStep(ctx, t)
	if err != nil {
		return err
	}
	if !proceed {
		return e.tasks.CompleteTask(ctx, t.ID)
	}

	terminal := func(ctx context.Context) (map[string]any, error) {
		for _, key := range action.RequiredInputKeys {
			if _, ok := t.Input[key]; !ok {
				return nil, &flowline.ValidationError{
					Schema: t.Slug, Field: key, Reason: "missing required input key",
				}
			}
		}
		return action.Fn(ctx, t.Input, t.Input)
	}

	out, err := e.mw(ctx, t, terminal)
	if err != nil {
		return e.handleFailure(ctx, t, err)
	}
	return e.handleSuccess(ctx, t, out)
}

func (e *Executor) handleSuccess(ctx context.Context, t *dispatch.Task, out map[string]any) error {
	if err := e.tasks.CompleteTask(ctx, t.ID); err != nil {
		e.logger.Error("failed to settle task after success",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return e.runner.CompleteStep(ctx, t, out)
}

func (e *Executor) handleFailure(ctx context.Context, t *dispatch.Task, cause error) error {
	t.Attempts++

	var dispErr *flowline.DispatchError
	if errors.As(cause, &dispErr) && !t.Exhausted() {
		delay := e.backoff.Delay(t.Attempts)
		retryAt := time.Now().UTC().Add(delay)
		if err := e.tasks.FailTask(ctx, t.ID, cause.Error(), &retryAt); err != nil {
			return err
		}
		e.logger.Warn("task scheduled for retry",
			slog.String("task_id", t.ID.String()),
			slog.String("slug", t.Slug),
			slog.Int("attempt", t.Attempts),
			slog.Int("max_attempts", t.MaxAttempts),
			slog.Duration("delay", delay),
		)
		return nil
	}

	return e.failForGood(ctx, t, cause)
}

// failForGood settles the task as failed and records the step failure.
func (e *Executor) failForGood(ctx context.Context, t *dispatch.Task, cause error) error {
	if err := e.tasks.FailTask(ctx, t.ID, cause.Error(), nil); err != nil {
		e.logger.Error("failed to settle task after failure",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return e.runner.FailStep(ctx, t, cause)
}
