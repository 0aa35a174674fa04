package dispatch_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/backoff"
	"github.com/flowline-dev/flowline/dispatch"
	"github.com/flowline-dev/flowline/exec"
	"github.com/flowline-dev/flowline/id"
	"github.com/flowline-dev/flowline/registry"
	"github.com/flowline-dev/flowline/store/memory"
)

func quiet() *slog.Logger { return slog.New(slog.DiscardHandler) }

func okFn(_ context.Context, _, _ map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

// harness wires a runner over the memory store with every slug of the
// fulfillment pipeline registered.
type harness struct {
	store  *memory.Store
	runner *dispatch.Runner
	def    *exec.Definition
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	s := memory.New()
	reg := registry.New(registry.WithLogger(quiet()))
	for _, slug := range []string{"reserve_stock", "email_customer", "ping_warehouse", "archive"} {
		if err := reg.Register(registry.Action{Slug: slug, Fn: okFn}); err != nil {
			t.Fatalf("Register(%s): %v", slug, err)
		}
	}

	def, err := exec.NewDefinition("fulfillment", "Order Fulfillment",
		exec.StepItem("reserve_stock"),
		exec.GroupItem(exec.NewGroup("notify", true,
			exec.StepItem("email_customer"),
			exec.StepItem("ping_warehouse"),
		)),
		exec.StepItem("archive"),
	)
	if err != nil {
		t.Fatalf("NewDefinition: %v", err)
	}
	if err := s.CreateDefinition(context.Background(), def); err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}

	d := dispatch.NewDispatcher(s,
		dispatch.WithRetryStrategy(backoff.NewConstant(time.Millisecond)),
		dispatch.WithDispatcherLogger(quiet()),
	)
	runner := dispatch.NewRunner(s, s, d, reg, dispatch.WithRunnerLogger(quiet()))
	return &harness{store: s, runner: runner, def: def}
}

// readyTasks returns the execution's currently ready tasks.
func (h *harness) readyTasks(t *testing.T, executionID id.ExecutionID) []*dispatch.Task {
	t.Helper()
	all, err := h.store.ListExecutionTasks(context.Background(), executionID)
	if err != nil {
		t.Fatalf("ListExecutionTasks: %v", err)
	}
	var ready []*dispatch.Task
	for _, task := range all {
		if task.State == dispatch.TaskReady {
			ready = append(ready, task)
		}
	}
	return ready
}

// finish plays the worker's part for one task: start, settle, complete.
func (h *harness) finish(t *testing.T, task *dispatch.Task, output map[string]any) {
	t.Helper()
	ctx := context.Background()
	proceed, err := h.runner.StartStep(ctx, task)
	if err != nil {
		t.Fatalf("StartStep(%s): %v", task.Slug, err)
	}
	if err := h.store.CompleteTask(ctx, task.ID); err != nil {
		t.Fatalf("CompleteTask(%s): %v", task.Slug, err)
	}
	if !proceed {
		return
	}
	if err := h.runner.CompleteStep(ctx, task, output); err != nil {
		t.Fatalf("CompleteStep(%s): %v", task.Slug, err)
	}
}

func (h *harness) status(t *testing.T, executionID id.ExecutionID) *exec.Execution {
	t.Helper()
	e, err := h.store.GetExecution(context.Background(), executionID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	return e
}

func TestStartDispatchesFirstStage(t *testing.T) {
	h := newHarness(t)

	e, err := h.runner.Start(context.Background(), "fulfillment", "order-1", map[string]any{"order": 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.Status != exec.StatusInProgress {
		t.Errorf("status = %s, want in_progress", e.Status)
	}

	ready := h.readyTasks(t, e.ID)
	if len(ready) != 1 || ready[0].Slug != "reserve_stock" {
		t.Fatalf("ready = %v, want only reserve_stock", ready)
	}
	if ready[0].Input["order"] != 1 {
		t.Error("execution input not carried into task")
	}
}

func TestStartRejectsUnregisteredSlug(t *testing.T) {
	h := newHarness(t)

	def, _ := exec.NewDefinition("broken", "Broken", exec.StepItem("no_such_step"))
	_ = h.store.CreateDefinition(context.Background(), def)

	_, err := h.runner.Start(context.Background(), "broken", "", nil)
	var regErr *flowline.RegistryError
	if !errors.As(err, &regErr) {
		t.Fatalf("error = %T, want *flowline.RegistryError", err)
	}
}

func TestStagesAdvanceThroughParallelJoin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e, err := h.runner.Start(ctx, "fulfillment", "", map[string]any{"order": 7})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.finish(t, h.readyTasks(t, e.ID)[0], map[string]any{"reserved": true})

	// Parallel stage fans out both slugs at once.
	stage2 := h.readyTasks(t, e.ID)
	if len(stage2) != 2 {
		t.Fatalf("parallel stage tasks = %d, want 2", len(stage2))
	}
	if stage2[0].Input["reserved"] != true {
		t.Error("prior stage output not accumulated into task input")
	}

	// Completing one member must not advance the stage.
	h.finish(t, stage2[0], map[string]any{"emailed": true})
	if got := h.readyTasks(t, e.ID); len(got) != 1 {
		t.Fatalf("after half-join ready = %d, want 1 (the sibling)", len(got))
	}

	h.finish(t, stage2[1], map[string]any{"pinged": true})

	// Join done: archive dispatched with everything accumulated.
	final := h.readyTasks(t, e.ID)
	if len(final) != 1 || final[0].Slug != "archive" {
		t.Fatalf("final stage = %v, want archive", final)
	}
	for _, key := range []string{"reserved", "emailed", "pinged"} {
		if _, ok := final[0].Input[key]; !ok {
			t.Errorf("archive input missing %q", key)
		}
	}

	h.finish(t, final[0], map[string]any{"archived": true})
	if got := h.status(t, e.ID); got.Status != exec.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestStepFailureFailsExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e, _ := h.runner.Start(ctx, "fulfillment", "", nil)
	task := h.readyTasks(t, e.ID)[0]

	if _, err := h.runner.StartStep(ctx, task); err != nil {
		t.Fatalf("StartStep: %v", err)
	}
	if err := h.runner.FailStep(ctx, task, errors.New("out of stock")); err != nil {
		t.Fatalf("FailStep: %v", err)
	}

	got := h.status(t, e.ID)
	if got.Status != exec.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage != "out of stock" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestRetryResumesFromFailedStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e, _ := h.runner.Start(ctx, "fulfillment", "", nil)
	task := h.readyTasks(t, e.ID)[0]
	if _, err := h.runner.StartStep(ctx, task); err != nil {
		t.Fatalf("StartStep: %v", err)
	}
	_ = h.store.CompleteTask(ctx, task.ID)
	if err := h.runner.FailStep(ctx, task, errors.New("transient outage")); err != nil {
		t.Fatalf("FailStep: %v", err)
	}

	if err := h.runner.Retry(ctx, e.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got := h.status(t, e.ID); got.Status != exec.StatusInProgress {
		t.Fatalf("status after retry = %s", got.Status)
	}

	retried := h.readyTasks(t, e.ID)
	if len(retried) != 1 || retried[0].Slug != "reserve_stock" {
		t.Fatalf("retried tasks = %v, want reserve_stock", retried)
	}
}

func TestAbortBeatsStraggler(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e, _ := h.runner.Start(ctx, "fulfillment", "", nil)
	task := h.readyTasks(t, e.ID)[0]
	if _, err := h.runner.StartStep(ctx, task); err != nil {
		t.Fatalf("StartStep: %v", err)
	}

	if err := h.runner.Abort(ctx, e.ID, "operator stop"); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	// The worker finishes late; its result must be discarded without error.
	if err := h.runner.CompleteStep(ctx, task, map[string]any{"reserved": true}); err != nil {
		t.Fatalf("late CompleteStep: %v", err)
	}

	got := h.status(t, e.ID)
	if got.Status != exec.StatusAborted {
		t.Errorf("status = %s, abort must stand", got.Status)
	}

	statuses, _ := h.store.ListStepStatuses(ctx, e.ID)
	for _, st := range statuses {
		if st.Status == exec.StatusCompleted {
			t.Errorf("step %s completed after abort", st.Slug)
		}
	}
}

func TestAbortRefusedOnCompletedExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e, _ := h.runner.Start(ctx, "fulfillment", "", nil)
	h.finish(t, h.readyTasks(t, e.ID)[0], nil)
	for _, task := range h.readyTasks(t, e.ID) {
		h.finish(t, task, nil)
	}
	h.finish(t, h.readyTasks(t, e.ID)[0], nil)

	if got := h.status(t, e.ID); got.Status != exec.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	err := h.runner.Abort(ctx, e.ID, "too late")
	if !errors.Is(err, flowline.ErrInvalidTransition) {
		t.Errorf("Abort on completed = %v, want ErrInvalidTransition", err)
	}
}

func TestSkipStepUnblocksStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e, _ := h.runner.Start(ctx, "fulfillment", "", nil)
	h.finish(t, h.readyTasks(t, e.ID)[0], nil)

	stage2 := h.readyTasks(t, e.ID)
	h.finish(t, stage2[0], nil)

	// Operator bypasses the remaining member; the stage joins.
	if err := h.runner.SkipStep(ctx, stage2[1].StepStatusID); err != nil {
		t.Fatalf("SkipStep: %v", err)
	}

	// A worker later picks up the orphaned task and drops it.
	h.finish(t, stage2[1], nil)

	final := h.readyTasks(t, e.ID)
	if len(final) != 1 || final[0].Slug != "archive" {
		t.Fatalf("after skip, ready = %v, want archive", final)
	}
}

func TestSkipPendingExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	def, _ := h.store.GetDefinitionBySlug(ctx, "fulfillment")
	e := exec.NewExecution(def, "", nil)
	if err := h.store.CreateExecution(ctx, e); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	if err := h.runner.Skip(ctx, e.ID); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if got := h.status(t, e.ID); got.Status != exec.StatusSkipped {
		t.Errorf("status = %s, want skipped", got.Status)
	}
}

func TestResumeRedispatchesInFlightStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e, _ := h.runner.Start(ctx, "fulfillment", "", nil)
	task := h.readyTasks(t, e.ID)[0]

	// The owning process dies mid-step: task settled, result never
	// reported.
	if _, err := h.runner.StartStep(ctx, task); err != nil {
		t.Fatalf("StartStep: %v", err)
	}
	_ = h.store.CompleteTask(ctx, task.ID)

	if err := h.runner.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	ready := h.readyTasks(t, e.ID)
	if len(ready) != 1 || ready[0].Slug != "reserve_stock" {
		t.Fatalf("resumed tasks = %v, want reserve_stock again", ready)
	}
}

func TestSubmitWrapsInfrastructureFailure(t *testing.T) {
	s := memory.New()
	_ = s.Close(context.Background())

	d := dispatch.NewDispatcher(s,
		dispatch.WithRetryStrategy(backoff.NewConstant(time.Millisecond)),
		dispatch.WithSubmitRetries(2),
		dispatch.WithDispatcherLogger(quiet()),
	)

	_, err := d.Submit(context.Background(), dispatch.NewTask(
		id.NewExecutionID(), id.NewStepStatusID(), "reserve_stock", 0, nil))
	var dispErr *flowline.DispatchError
	if !errors.As(err, &dispErr) {
		t.Fatalf("error = %T, want *flowline.DispatchError", err)
	}
	if !errors.Is(err, flowline.ErrStoreClosed) {
		t.Error("cause not preserved through DispatchError")
	}
}
