// Package step defines the smallest idempotent unit of work in a workflow:
// a persisted row recording one step's input, output, and outcome, plus the
// Execute wrapper that guarantees the outcome is durably written on every
// path — success or failure — before control returns to the caller. That
// single write per invocation is what makes retries observable and
// idempotent.
package step

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/id"
)

// Func is the contract a step implementer writes. It receives the step's
// declared input and the accumulated context of all preceding steps' outputs
// (keyed by step slug), and returns the step's output map.
//
// A Func must be idempotent: the engine never invokes it twice for a step
// that already succeeded, but an explicit external retry after failure will
// invoke it again with the same input.
type Func func(ctx context.Context, input, accumulated map[string]any) (map[string]any, error)

// Step is the persisted record of one (workflow, step-type) pair. It is
// created once, mutated only by its own Execute, and never deleted by the
// engine.
type Step struct {
	flowline.Entity

	ID              id.StepID      `json:"id"`
	WorkflowID      id.WorkflowID  `json:"workflow_id"`
	Slug            string         `json:"slug"`
	PrecedingStepID *id.StepID     `json:"preceding_step_id,omitempty"`
	Input           map[string]any `json:"input,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	SucceededAt     *time.Time     `json:"succeeded_at,omitempty"`
	FailedAt        *time.Time     `json:"failed_at,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
}

// New returns an unexecuted step row for the given workflow and slug.
func New(workflowID id.WorkflowID, slug string, input map[string]any) *Step {
	return &Step{
		Entity:     flowline.NewEntity(),
		ID:         id.NewStepID(),
		WorkflowID: workflowID,
		Slug:       slug,
		Input:      input,
	}
}

// Succeeded reports whether this step has a recorded success.
func (s *Step) Succeeded() bool { return s.SucceededAt != nil }

// Failed reports whether this step's most recent attempt failed.
func (s *Step) Failed() bool { return s.FailedAt != nil }

// Execute runs fn and persists the outcome. Exactly one store write happens
// on every path before Execute returns:
//
//   - on success, the output and success timestamp are written and the
//     output returned;
//   - on failure, the failure timestamp and message are written and a
//     *flowline.StepExecutionError wrapping the cause is returned.
//
// A failed attempt clears nothing: a later retry overwrites FailedAt and
// ErrorMessage on success. Execute refuses to run a step that already
// succeeded — callers are expected to skip those and merge the cached
// output instead.
func (s *Step) Execute(
	ctx context.Context,
	store Store,
	fn Func,
	accumulated map[string]any,
	logger *slog.Logger,
) (map[string]any, error) {
	if s.Succeeded() {
		return s.Output, nil
	}

	output, fnErr := fn(ctx, s.Input, accumulated)
	now := time.Now().UTC()
	s.Touch()

	if fnErr != nil {
		s.FailedAt = &now
		s.ErrorMessage = fnErr.Error()
		if err := store.UpdateStep(ctx, s); err != nil {
			logger.Error("failed to persist step failure",
				slog.String("step_id", s.ID.String()),
				slog.String("slug", s.Slug),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		return nil, &flowline.StepExecutionError{Slug: s.Slug, Err: fnErr}
	}

	s.Output = output
	s.SucceededAt = &now
	s.FailedAt = nil
	s.ErrorMessage = ""
	if err := store.UpdateStep(ctx, s); err != nil {
		logger.Error("failed to persist step success",
			slog.String("step_id", s.ID.String()),
			slog.String("slug", s.Slug),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	return output, nil
}
