package worker_test

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
	"github.com/flowline-dev/flowline/step"
	"github.com/flowline-dev/flowline/store/memory"
	"github.com/flowline-dev/flowline/worker"
)

func quiet() *slog.Logger { return slog.New(slog.DiscardHandler) }

type fixture struct {
	store    *memory.Store
	registry *registry.Registry
	runner   *dispatch.Runner
	executor *worker.Executor
}

func newFixture(t *testing.T, slugs ...string) *fixture {
	t.Helper()

	s := memory.New()
	reg := registry.New(registry.WithLogger(quiet()))

	items := make([]exec.Item, 0, len(slugs))
	for _, slug := range slugs {
		items = append(items, exec.StepItem(slug))
	}
	def, err := exec.NewDefinition("pipeline", "Pipeline", items...)
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
	executor := worker.NewExecutor(reg, runner, s, backoff.NewConstant(time.Millisecond), quiet())

	return &fixture{store: s, registry: reg, runner: runner, executor: executor}
}

func (f *fixture) register(t *testing.T, slug string, fn step.Func) {
	t.Helper()
	if err := f.registry.Register(registry.Action{Slug: slug, Fn: fn}); err != nil {
		t.Fatalf("Register(%s): %v", slug, err)
	}
}

// launch starts the pipeline and returns its execution and first leased task.
func (f *fixture) launch(t *testing.T) (*exec.Execution, *dispatch.Task) {
	t.Helper()
	ctx := context.Background()

	e, err := f.runner.Start(ctx, "pipeline", "", map[string]any{"order": 42})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	leased, err := f.store.DequeueTasks(ctx, id.NewWorkerID(), 1, time.Minute)
	if err != nil || len(leased) != 1 {
		t.Fatalf("DequeueTasks: n=%d err=%v", len(leased), err)
	}
	return e, leased[0]
}

func TestExecutorRunsStepToCompletion(t *testing.T) {
	f := newFixture(t, "charge_card")
	f.register(t, "charge_card", func(_ context.Context, input, _ map[string]any) (map[string]any, error) {
		return map[string]any{"charged": input["order"]}, nil
	})

	e, task := f.launch(t)
	if err := f.executor.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := f.store.GetExecution(context.Background(), e.ID)
	if got.Status != exec.StatusCompleted {
		t.Errorf("execution status = %s, want completed", got.Status)
	}
	statuses, _ := f.store.ListStepStatuses(context.Background(), e.ID)
	if statuses[0].Output["charged"] != 42 {
		t.Errorf("step output = %v", statuses[0].Output)
	}
	row, _ := f.store.GetTask(context.Background(), task.ID)
	if row.State != dispatch.TaskSucceeded {
		t.Errorf("task state = %s, want succeeded", row.State)
	}
}

func TestExecutorBusinessFailureFailsImmediately(t *testing.T) {
	f := newFixture(t, "charge_card")
	f.register(t, "charge_card", func(_ context.Context, _, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("card declined")
	})

	e, task := f.launch(t)
	if err := f.executor.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := f.store.GetExecution(context.Background(), e.ID)
	if got.Status != exec.StatusFailed {
		t.Errorf("execution status = %s, want failed", got.Status)
	}
	if got.ErrorMessage != "card declined" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	row, _ := f.store.GetTask(context.Background(), task.ID)
	if row.State != dispatch.TaskFailed || row.Attempts != 1 {
		t.Errorf("task state=%s attempts=%d, want failed/1", row.State, row.Attempts)
	}
}

func TestExecutorRetriesInfrastructureFailure(t *testing.T) {
	f := newFixture(t, "charge_card")
	calls := 0
	f.register(t, "charge_card", func(_ context.Context, input, _ map[string]any) (map[string]any, error) {
		calls++
		if calls == 1 {
			return nil, &flowline.DispatchError{Op: "downstream", Err: errors.New("connection reset")}
		}
		return map[string]any{"charged": input["order"]}, nil
	})

	e, task := f.launch(t)
	ctx := context.Background()
	if err := f.executor.Execute(ctx, task); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	// The step is still live and the task is back on the queue.
	if got, _ := f.store.GetExecution(ctx, e.ID); got.Status != exec.StatusInProgress {
		t.Fatalf("execution status after retryable failure = %s", got.Status)
	}
	row, _ := f.store.GetTask(ctx, task.ID)
	if row.State != dispatch.TaskReady || row.Attempts != 1 {
		t.Fatalf("task state=%s attempts=%d, want ready/1", row.State, row.Attempts)
	}

	time.Sleep(5 * time.Millisecond)
	leased, err := f.store.DequeueTasks(ctx, id.NewWorkerID(), 1, time.Minute)
	if err != nil || len(leased) != 1 {
		t.Fatalf("redequeue: n=%d err=%v", len(leased), err)
	}
	if err := f.executor.Execute(ctx, leased[0]); err != nil {
		t.Fatalf("second Execute: %v", err)
	}

	if got, _ := f.store.GetExecution(ctx, e.ID); got.Status != exec.StatusCompleted {
		t.Errorf("execution status = %s, want completed", got.Status)
	}
	if calls != 2 {
		t.Errorf("callable invoked %d times, want 2", calls)
	}
}

func TestExecutorExhaustsInfrastructureRetries(t *testing.T) {
	f := newFixture(t, "charge_card")
	f.register(t, "charge_card", func(_ context.Context, _, _ map[string]any) (map[string]any, error) {
		return nil, &flowline.DispatchError{Op: "downstream", Err: errors.New("connection reset")}
	})

	e, task := f.launch(t)
	ctx := context.Background()

	for attempt := 0; attempt < task.MaxAttempts; attempt++ {
		leased, err := f.store.DequeueTasks(ctx, id.NewWorkerID(), 1, time.Minute)
		if err != nil {
			t.Fatalf("dequeue attempt %d: %v", attempt, err)
		}
		if len(leased) == 0 {
			time.Sleep(5 * time.Millisecond)
			leased, _ = f.store.DequeueTasks(ctx, id.NewWorkerID(), 1, time.Minute)
		}
		if len(leased) != 1 {
			t.Fatalf("attempt %d: no task to lease", attempt)
		}
		if err := f.executor.Execute(ctx, leased[0]); err != nil {
			t.Fatalf("Execute attempt %d: %v", attempt, err)
		}
	}

	row, _ := f.store.GetTask(ctx, task.ID)
	if row.State != dispatch.TaskFailed {
		t.Errorf("task state = %s, want failed after exhaustion", row.State)
	}
	if got, _ := f.store.GetExecution(ctx, e.ID); got.Status != exec.StatusFailed {
		t.Errorf("execution status = %s, want failed", got.Status)
	}
}

func TestExecutorDropsTaskForSettledStep(t *testing.T) {
	f := newFixture(t, "charge_card")
	invoked := false
	f.register(t, "charge_card", func(_ context.Context, _, _ map[string]any) (map[string]any, error) {
		invoked = true
		return map[string]any{}, nil
	})

	e, task := f.launch(t)
	ctx := context.Background()
	if err := f.runner.Abort(ctx, e.ID, "operator stop"); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	if err := f.executor.Execute(ctx, task); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if invoked {
		t.Error("callable invoked for an aborted step")
	}
	row, _ := f.store.GetTask(ctx, task.ID)
	if row.State != dispatch.TaskSucceeded {
		t.Errorf("dropped task state = %s, want succeeded (settled)", row.State)
	}
}

func TestExecutorFailsUnregisteredSlugOutright(t *testing.T) {
	f := newFixture(t, "charge_card")
	f.register(t, "charge_card", func(_ context.Context, _, _ map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	e, task := f.launch(t)

	// A worker process deployed without the action cannot ever run the task.
	bare := worker.NewExecutor(
		registry.New(registry.WithLogger(quiet())),
		f.runner, f.store, backoff.NewConstant(time.Millisecond), quiet(),
	)
	if err := bare.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got, _ := f.store.GetExecution(context.Background(), e.ID); got.Status != exec.StatusFailed {
		t.Errorf("execution status = %s, want failed", got.Status)
	}
}

func TestPoolRunsExecutionEndToEnd(t *testing.T) {
	f := newFixture(t, "reserve_stock", "ship_order")
	f.register(t, "reserve_stock", func(_ context.Context, _, _ map[string]any) (map[string]any, error) {
		return map[string]any{"reserved": true}, nil
	})
	f.register(t, "ship_order", func(_ context.Context, input, _ map[string]any) (map[string]any, error) {
		if input["reserved"] != true {
			return nil, errors.New("shipping before reservation")
		}
		return map[string]any{"shipped": true}, nil
	})

	pool := worker.NewPool(f.store, f.executor, quiet(),
		worker.WithConcurrency(2),
		worker.WithPollInterval(2*time.Millisecond),
		worker.WithHeartbeat(0),
	)
	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_ = pool.Stop(stopCtx)
	}()

	e, err := f.runner.Start(ctx, "pipeline", "", nil)
	if err != nil {
		t.Fatalf("runner.Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, gerr := f.store.GetExecution(ctx, e.ID)
		if gerr != nil {
			t.Fatalf("GetExecution: %v", gerr)
		}
		if got.Status.Terminal() {
			if got.Status != exec.StatusCompleted {
				t.Fatalf("execution finished %s: %s", got.Status, got.ErrorMessage)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("execution did not complete before deadline")
}
