package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/cron"
	"github.com/flowline-dev/flowline/engine"
	"github.com/flowline-dev/flowline/exec"
	"github.com/flowline-dev/flowline/queue"
	"github.com/flowline-dev/flowline/record"
	"github.com/flowline-dev/flowline/registry"
	"github.com/flowline-dev/flowline/step"
	"github.com/flowline-dev/flowline/store/memory"
	"github.com/flowline-dev/flowline/workflow"
)

func quiet() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newEngine(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()
	opts = append([]engine.Option{engine.WithLogger(quiet())}, opts...)
	eng, err := engine.New(memory.New(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func register(t *testing.T, eng *engine.Engine, slug string, fn step.Func) {
	t.Helper()
	if err := eng.RegisterAction(registry.Action{Slug: slug, Name: slug, Fn: fn}); err != nil {
		t.Fatalf("RegisterAction(%s): %v", slug, err)
	}
}

func echo(key string) step.Func {
	return func(_ context.Context, _, _ map[string]any) (map[string]any, error) {
		return map[string]any{key: true}, nil
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := engine.New(nil); !errors.Is(err, flowline.ErrNoStore) {
		t.Fatalf("New(nil) = %v, want ErrNoStore", err)
	}
}

func TestLaunchWorkflowRunsSequentially(t *testing.T) {
	eng := newEngine(t)
	register(t, eng, "validate", echo("validated"))
	register(t, eng, "settle", echo("settled"))
	def := workflow.MustDefinition("payout",
		workflow.StepType{
			Slug: "validate",
			Input: record.NewSchema("validate_input",
				record.Field{Name: "amount", Kind: record.KindInt},
			),
			Output: record.NewSchema("validate_output",
				record.Field{Name: "validated", Kind: record.KindBool},
			),
		},
		workflow.StepType{
			Slug: "settle",
			Input: record.NewSchema("settle_input",
				record.Field{Name: "validated", Kind: record.KindBool},
			),
			Output: record.NewSchema("settle_output",
				record.Field{Name: "settled", Kind: record.KindBool},
			),
		},
	)

	w, out, err := eng.LaunchWorkflow(context.Background(), def, "acct-7", map[string]any{"amount": 100})
	if err != nil {
		t.Fatalf("LaunchWorkflow: %v", err)
	}
	if !w.Succeeded() {
		t.Fatal("workflow did not succeed")
	}
	validated, ok := out["validate"].(map[string]any)
	if !ok || validated["validated"] != true {
		t.Fatalf("validate output missing: %v", out)
	}
	settled, ok := out["settle"].(map[string]any)
	if !ok || settled["settled"] != true {
		t.Fatalf("settle output missing: %v", out)
	}
}

func TestRegisterDefinitionRejectsUnknownSlug(t *testing.T) {
	eng := newEngine(t)
	register(t, eng, "known", echo("known"))
	def, err := exec.NewDefinition("mixed", "Mixed",
		exec.StepItem("known"),
		exec.StepItem("unknown"),
	)
	if err != nil {
		t.Fatalf("NewDefinition: %v", err)
	}

	var regErr *flowline.RegistryError
	if err := eng.RegisterDefinition(context.Background(), def); !errors.As(err, &regErr) {
		t.Fatalf("RegisterDefinition = %v, want RegistryError", err)
	}
}

func TestStartExecutionThrottled(t *testing.T) {
	lim := queue.NewLimiter(queue.WithLimit("burst", queue.Limit{PerSecond: 0.001, Burst: 1}))
	eng := newEngine(t, engine.WithLimiter(lim))
	register(t, eng, "only", echo("only"))
	def, _ := exec.NewDefinition("burst", "Burst", exec.StepItem("only"))
	if err := eng.RegisterDefinition(context.Background(), def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}

	if _, err := eng.StartExecution(context.Background(), "burst", "s-1", nil); err != nil {
		t.Fatalf("first launch: %v", err)
	}
	if _, err := eng.StartExecution(context.Background(), "burst", "s-2", nil); !errors.Is(err, flowline.ErrLaunchThrottled) {
		t.Fatalf("second launch = %v, want ErrLaunchThrottled", err)
	}
}

func TestRegisterScheduleIdempotent(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	first := cron.NewSchedule("nightly", "0 3 * * *", "burst", nil)
	if err := eng.RegisterSchedule(ctx, first); err != nil {
		t.Fatalf("first register: %v", err)
	}
	second := cron.NewSchedule("nightly", "0 3 * * *", "burst", nil)
	if err := eng.RegisterSchedule(ctx, second); err != nil {
		t.Fatalf("re-register: %v", err)
	}
}

func TestEngineRunsExecutionEndToEnd(t *testing.T) {
	cfg := flowline.DefaultConfig()
	cfg.Concurrency = 2
	cfg.PollInterval = 2 * time.Millisecond
	cfg.HeartbeatInterval = 0
	eng := newEngine(t, engine.WithConfig(cfg))
	ctx := context.Background()

	register(t, eng, "reserve", echo("reserved"))
	register(t, eng, "notify_email", echo("emailed"))
	register(t, eng, "notify_sms", echo("texted"))
	def, err := exec.NewDefinition("fulfillment", "Fulfillment",
		exec.StepItem("reserve"),
		exec.GroupItem(exec.NewGroup("notify", true,
			exec.StepItem("notify_email"),
			exec.StepItem("notify_sms"),
		)),
	)
	if err != nil {
		t.Fatalf("NewDefinition: %v", err)
	}
	if err := eng.RegisterDefinition(ctx, def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		if err := eng.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	e, err := eng.StartExecution(ctx, "fulfillment", "order-42", map[string]any{"sku": "A1"})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := eng.Store().GetExecution(ctx, e.ID)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if got.Status == exec.StatusCompleted {
			return
		}
		if got.Status == exec.StatusFailed || got.Status == exec.StatusAborted {
			t.Fatalf("execution settled %s: %s", got.Status, got.ErrorMessage)
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution stuck in %s", got.Status)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
