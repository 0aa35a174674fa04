package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/id"
	"github.com/flowline-dev/flowline/record"
	"github.com/flowline-dev/flowline/registry"
	"github.com/flowline-dev/flowline/step"
)

// Runner executes sequential workflows. It is safe for concurrent use;
// concurrent executions of the same workflow converge on the same step rows
// through idempotent materialization.
type Runner struct {
	workflows Store
	steps     step.Store
	registry  *registry.Registry
	logger    *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner wires a Runner to its stores and registry.
func NewRunner(workflows Store, steps step.Store, reg *registry.Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		workflows: workflows,
		steps:     steps,
		registry:  reg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Launch persists a new workflow row for a definition and executes it.
func (r *Runner) Launch(ctx context.Context, def *Definition, subjectRef string, input map[string]any) (*Workflow, map[string]any, error) {
	w := New(def.Slug(), subjectRef, input)
	if err := r.workflows.CreateWorkflow(ctx, w); err != nil {
		return nil, nil, err
	}
	out, err := r.Execute(ctx, def, w.ID)
	return w, out, err
}

// Execute runs (or resumes) a workflow against its definition. Steps that
// already succeeded are skipped and their cached outputs merged; execution
// halts on the first failing step, leaving the workflow resumable by calling
// Execute again. The returned output maps every step slug to that step's
// output record, cached and fresh alike.
//
// A workflow that already succeeded returns its cached output without
// touching any step.
func (r *Runner) Execute(ctx context.Context, def *Definition, workflowID id.WorkflowID) (map[string]any, error) {
	w, err := r.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.DefinitionSlug != def.Slug() {
		return nil, fmt.Errorf("workflow: %s belongs to definition %q, not %q",
			w.ID, w.DefinitionSlug, def.Slug())
	}
	if w.Succeeded() {
		return w.Output, nil
	}

	logger := r.logger.With(
		slog.String("workflow_id", w.ID.String()),
		slog.String("definition", def.Slug()),
	)
	logger.Info("executing workflow", slog.Int("steps", len(def.Steps())))

	accumulated := maps.Clone(w.Input)
	if accumulated == nil {
		accumulated = make(map[string]any)
	}

	var preceding *id.StepID
	outputs := make(map[string]any, len(def.Steps()))

	for _, st := range def.Steps() {
		input, verr := project(st.Input, accumulated)
		if verr != nil {
			return nil, r.fail(ctx, w, verr)
		}

		row, created, ferr := r.materialize(ctx, w.ID, st.Slug, input, preceding)
		if ferr != nil {
			return nil, ferr
		}

		if !created && row.Succeeded() {
			logger.Debug("skipping succeeded step", slog.String("slug", st.Slug))
			mergeInto(accumulated, row.Output)
			outputs[st.Slug] = row.Output
			preceding = &row.ID
			continue
		}

		action, gerr := r.registry.Get(st.Slug)
		if gerr != nil {
			return nil, r.fail(ctx, w, gerr)
		}

		out, xerr := row.Execute(ctx, r.steps, checked(action, st), accumulated, logger)
		if xerr != nil {
			return nil, r.fail(ctx, w, xerr)
		}

		mergeInto(accumulated, out)
		outputs[st.Slug] = out
		preceding = &row.ID
	}

	now := time.Now().UTC()
	w.Output = outputs
	w.SucceededAt = &now
	w.FailedAt = nil
	w.ErrorMessage = ""
	w.Touch()
	if err := r.workflows.UpdateWorkflow(ctx, w); err != nil {
		return nil, err
	}

	logger.Info("workflow succeeded")
	return outputs, nil
}

// materialize performs the idempotent fetch-or-create for one
// (workflow, slug) pair. The preceding link is set only on the create path;
// an existing row keeps its original link.
func (r *Runner) materialize(ctx context.Context, workflowID id.WorkflowID, slug string, input map[string]any, preceding *id.StepID) (*step.Step, bool, error) {
	candidate := step.New(workflowID, slug, input)
	candidate.PrecedingStepID = preceding
	return r.steps.FetchOrCreateStep(ctx, candidate)
}

// fail records the halt on the workflow row with a single store write, then
// returns cause so the caller sees the original error.
func (r *Runner) fail(ctx context.Context, w *Workflow, cause error) error {
	now := time.Now().UTC()
	w.FailedAt = &now
	w.ErrorMessage = cause.Error()
	w.Touch()
	if err := r.workflows.UpdateWorkflow(ctx, w); err != nil {
		r.logger.Error("failed to persist workflow failure",
			slog.String("workflow_id", w.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	r.logger.Warn("workflow halted",
		slog.String("workflow_id", w.ID.String()),
		slog.String("error", cause.Error()),
	)
	return cause
}

// checked wraps an action's callable with required-key and output-schema
// enforcement, so a contract violation persists as a step failure rather
// than a success with a bad payload.
func checked(action registry.Action, st StepType) step.Func {
	return func(ctx context.Context, input, accumulated map[string]any) (map[string]any, error) {
		for _, key := range action.RequiredInputKeys {
			if _, ok := input[key]; !ok {
				return nil, &flowline.ValidationError{
					Schema: st.Input.Name, Field: key, Reason: "missing required input key",
				}
			}
		}

		out, err := action.Fn(ctx, input, accumulated)
		if err != nil {
			return nil, err
		}

		rec, err := st.Output.FromMap(out)
		if err != nil {
			return nil, err
		}
		return rec.ToMap(), nil
	}
}

// project selects the schema's declared fields out of the accumulated
// context and validates them, producing the step's normalized input map.
func project(schema record.Schema, accumulated map[string]any) (map[string]any, error) {
	selected := make(map[string]any, len(schema.Fields))
	for _, f := range schema.Fields {
		if v, ok := accumulated[f.Name]; ok {
			selected[f.Name] = v
		}
	}
	rec, err := schema.FromMap(selected)
	if err != nil {
		return nil, err
	}
	return rec.ToMap(), nil
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}
