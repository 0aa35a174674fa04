package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/exec"
	"github.com/flowline-dev/flowline/id"
	"github.com/flowline-dev/flowline/registry"
)

// Runner advances asynchronous executions. It is the only component that
// writes execution state: workers report step outcomes through StartStep,
// CompleteStep, and FailStep, and operators act through Abort, Skip, and
// Retry.
type Runner struct {
	defs       exec.DefinitionStore
	execs      exec.ExecutionStore
	dispatcher *Dispatcher
	registry   *registry.Registry
	logger     *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the runner's logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner wires a Runner to its stores, dispatcher, and registry.
func NewRunner(defs exec.DefinitionStore, execs exec.ExecutionStore, d *Dispatcher, reg *registry.Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		defs:       defs,
		execs:      execs,
		dispatcher: d,
		registry:   reg,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start creates an execution of the named definition and dispatches its
// first stage. It returns once the stage's tasks are durably queued; the
// execution itself proceeds on workers.
//
// Every step slug is resolved against the registry before anything is
// persisted, so a definition referencing an unknown slug fails fast instead
// of stranding a half-run execution.
func (r *Runner) Start(ctx context.Context, definitionSlug, subjectRef string, input map[string]any) (*exec.Execution, error) {
	def, err := r.defs.GetDefinitionBySlug(ctx, definitionSlug)
	if err != nil {
		return nil, err
	}
	for _, slug := range def.StepSlugs() {
		if _, err := r.registry.Get(slug); err != nil {
			return nil, err
		}
	}

	e := exec.NewExecution(def, subjectRef, input)
	if err := r.execs.CreateExecution(ctx, e); err != nil {
		return nil, err
	}
	e, err = r.execs.TransitionExecution(ctx, e.ID, exec.StatusInProgress, "")
	if err != nil {
		return nil, err
	}

	r.logger.Info("execution started",
		slog.String("execution_id", e.ID.String()),
		slog.String("definition", def.Slug),
	)

	if err := r.dispatchFrom(ctx, def, e.ID, 0); err != nil {
		return nil, err
	}
	return r.execs.GetExecution(ctx, e.ID)
}

// dispatchFrom materializes and queues the tasks of the given stage,
// skipping steps already terminal. Stages with nothing left to run are
// passed over; running out of stages finalizes the execution.
func (r *Runner) dispatchFrom(ctx context.Context, def *exec.Definition, executionID id.ExecutionID, stage int) error {
	stages := def.Stages()
	for {
		e, err := r.execs.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if e.Status != exec.StatusInProgress {
			return nil
		}

		statuses, err := r.execs.ListStepStatuses(ctx, executionID)
		if err != nil {
			return err
		}

		if stage >= len(stages) {
			return r.finalize(ctx, def, executionID, statuses)
		}

		input := mergeMaps(e.Input, exec.AccumulatedOutput(def, statuses))

		var tasks []*Task
		for _, slug := range stages[stage].Slugs {
			row, _, ferr := r.execs.FetchOrCreateStepStatus(ctx, exec.NewStepStatus(executionID, slug, stage))
			if ferr != nil {
				return ferr
			}
			if row.Status.Terminal() {
				continue
			}
			tasks = append(tasks, NewTask(executionID, row.ID, slug, stage, input))
		}

		if err := r.execs.UpdateExecutionStage(ctx, executionID, stage); err != nil {
			return err
		}

		if len(tasks) == 0 {
			stage++
			continue
		}
		return r.dispatcher.SubmitAll(ctx, tasks)
	}
}

// finalize completes an execution with no remaining steps.
func (r *Runner) finalize(ctx context.Context, def *exec.Definition, executionID id.ExecutionID, statuses []*exec.StepStatus) error {
	if remaining := exec.RemainingSteps(def, statuses); len(remaining) > 0 {
		r.logger.Warn("finalize called with remaining steps",
			slog.String("execution_id", executionID.String()),
			slog.Any("remaining", remaining),
		)
		return nil
	}

	_, err := r.execs.TransitionExecution(ctx, executionID, exec.StatusCompleted, "")
	if errors.Is(err, flowline.ErrInvalidTransition) {
		// An abort won the race; its terminal status stands.
		return nil
	}
	if err != nil {
		return err
	}
	r.logger.Info("execution completed", slog.String("execution_id", executionID.String()))
	return nil
}

// StartStep moves a task's step status to in_progress. The returned boolean
// is false when the step must not run — an abort or skip landed first, or
// another worker already completed it — in which case the worker drops the
// task without invoking the callable.
//
// A step already in_progress is allowed through: that is a redelivery after
// a lease expired or a submission retry, and the callable's idempotence
// covers it.
func (r *Runner) StartStep(ctx context.Context, t *Task) (bool, error) {
	st, err := r.execs.GetStepStatus(ctx, t.StepStatusID)
	if err != nil {
		return false, err
	}
	if st.Status == exec.StatusInProgress {
		return true, nil
	}

	_, err = r.execs.TransitionStepStatus(ctx, t.StepStatusID, exec.StatusInProgress, nil, "")
	if errors.Is(err, flowline.ErrInvalidTransition) {
		r.logger.Info("dropping task for settled step",
			slog.String("execution_id", t.ExecutionID.String()),
			slog.String("slug", t.Slug),
		)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CompleteStep records a step's success and, when its whole stage has
// settled, advances the execution to the next stage.
//
// A completion arriving after an administrative abort is rejected by the
// status machine; the late result is discarded and the abort stands.
func (r *Runner) CompleteStep(ctx context.Context, t *Task, output map[string]any) error {
	_, err := r.execs.TransitionStepStatus(ctx, t.StepStatusID, exec.StatusCompleted, output, "")
	if errors.Is(err, flowline.ErrInvalidTransition) {
		r.logger.Info("discarding late step result",
			slog.String("execution_id", t.ExecutionID.String()),
			slog.String("slug", t.Slug),
		)
		return nil
	}
	if err != nil {
		return err
	}
	return r.joinStage(ctx, t.ExecutionID, t.Stage)
}

// FailStep records a step failure and fails the execution. Like
// CompleteStep, it yields to an abort that landed first.
func (r *Runner) FailStep(ctx context.Context, t *Task, cause error) error {
	_, err := r.execs.TransitionStepStatus(ctx, t.StepStatusID, exec.StatusFailed, nil, cause.Error())
	if errors.Is(err, flowline.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = r.execs.TransitionExecution(ctx, t.ExecutionID, exec.StatusFailed, cause.Error())
	if errors.Is(err, flowline.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}

	r.logger.Warn("execution failed",
		slog.String("execution_id", t.ExecutionID.String()),
		slog.String("slug", t.Slug),
		slog.String("error", cause.Error()),
	)
	return nil
}

// joinStage advances the execution when every step of the stage has reached
// a terminal status. With any member still in flight it does nothing; the
// last member's completion performs the join.
func (r *Runner) joinStage(ctx context.Context, executionID id.ExecutionID, stage int) error {
	e, err := r.execs.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if e.Status != exec.StatusInProgress {
		return nil
	}

	def, err := r.defs.GetDefinition(ctx, e.DefinitionID)
	if err != nil {
		return err
	}
	stages := def.Stages()
	if stage >= len(stages) {
		return nil
	}

	statuses, err := r.execs.ListStepStatuses(ctx, executionID)
	if err != nil {
		return err
	}
	bySlug := make(map[string]*exec.StepStatus, len(statuses))
	for _, st := range statuses {
		bySlug[st.Slug] = st
	}
	for _, slug := range stages[stage].Slugs {
		st, ok := bySlug[slug]
		if !ok || !st.Status.Terminal() {
			return nil
		}
	}

	return r.dispatchFrom(ctx, def, executionID, stage+1)
}

// Abort administratively terminates an execution and every step of it not
// yet settled. Results from still-running workers arrive afterwards and are
// discarded; abort always wins.
func (r *Runner) Abort(ctx context.Context, executionID id.ExecutionID, reason string) error {
	_, err := r.execs.TransitionExecution(ctx, executionID, exec.StatusAborted, reason)
	if err != nil {
		return err
	}

	statuses, err := r.execs.ListStepStatuses(ctx, executionID)
	if err != nil {
		return err
	}
	for _, st := range statuses {
		if st.Status.Terminal() {
			continue
		}
		if _, terr := r.execs.TransitionStepStatus(ctx, st.ID, exec.StatusAborted, nil, reason); terr != nil && !errors.Is(terr, flowline.ErrInvalidTransition) {
			return terr
		}
	}

	r.logger.Info("execution aborted",
		slog.String("execution_id", executionID.String()),
		slog.String("reason", reason),
	)
	return nil
}

// Skip administratively marks a pending execution skipped without running
// anything.
func (r *Runner) Skip(ctx context.Context, executionID id.ExecutionID) error {
	_, err := r.execs.TransitionExecution(ctx, executionID, exec.StatusSkipped, "")
	return err
}

// SkipStep administratively marks one step skipped and joins its stage, so
// a stuck stage can be pushed past a step an operator knows is safe to
// bypass.
func (r *Runner) SkipStep(ctx context.Context, stepStatusID id.StepStatusID) error {
	st, err := r.execs.TransitionStepStatus(ctx, stepStatusID, exec.StatusSkipped, nil, "")
	if err != nil {
		return err
	}
	return r.joinStage(ctx, st.ExecutionID, st.Stage)
}

// Retry moves a failed execution back to in_progress and re-dispatches its
// current stage. Steps that already completed keep their outputs; only the
// unfinished remainder runs again.
func (r *Runner) Retry(ctx context.Context, executionID id.ExecutionID) error {
	e, err := r.execs.TransitionExecution(ctx, executionID, exec.StatusInProgress, "")
	if err != nil {
		return err
	}
	def, err := r.defs.GetDefinition(ctx, e.DefinitionID)
	if err != nil {
		return err
	}
	return r.dispatchFrom(ctx, def, executionID, e.Stage)
}

// Resume re-dispatches the current stage of every in-flight execution.
// Called at startup so executions owned by a crashed process pick up where
// their persisted state left off; task deduplication keeps this safe to run
// alongside live workers.
func (r *Runner) Resume(ctx context.Context) error {
	executions, err := r.execs.ListExecutionsByStatus(ctx, exec.StatusInProgress)
	if err != nil {
		return err
	}
	for _, e := range executions {
		def, derr := r.defs.GetDefinition(ctx, e.DefinitionID)
		if derr != nil {
			return derr
		}
		if err := r.dispatchFrom(ctx, def, e.ID, e.Stage); err != nil {
			return err
		}
		r.logger.Info("resumed execution",
			slog.String("execution_id", e.ID.String()),
			slog.Int("stage", e.Stage),
		)
	}
	return nil
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
