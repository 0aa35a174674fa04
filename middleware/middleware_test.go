package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/flowline-dev/flowline/dispatch"
	"github.com/flowline-dev/flowline/exec"
	"github.com/flowline-dev/flowline/id"
	"github.com/flowline-dev/flowline/middleware"
)

func testTask() *dispatch.Task {
	st := exec.NewStepStatus(id.NewExecutionID(), "charge_card", 0)
	return dispatch.NewTask(st.ExecutionID, st.ID, st.Slug, 0, map[string]any{"amount": 5})
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) middleware.Middleware {
		return func(ctx context.Context, _ *dispatch.Task, next middleware.Handler) (map[string]any, error) {
			order = append(order, name+":before")
			out, err := next(ctx)
			order = append(order, name+":after")
			return out, err
		}
	}

	chain := middleware.Chain(mw("outer"), mw("inner"))
	out, err := chain(context.Background(), testTask(), func(context.Context) (map[string]any, error) {
		order = append(order, "handler")
		return map[string]any{"done": true}, nil
	})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if out["done"] != true {
		t.Error("handler output lost through chain")
	}

	want := []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestRecoverConvertsPanic(t *testing.T) {
	chain := middleware.Chain(middleware.Recover(slog.New(slog.DiscardHandler)))
	_, err := chain(context.Background(), testTask(), func(context.Context) (map[string]any, error) {
		panic("boom")
	})
	if err == nil {
		t.Fatal("panic not converted to error")
	}
}

func TestTimeoutCancelsContext(t *testing.T) {
	chain := middleware.Chain(middleware.Timeout(10 * time.Millisecond))
	_, err := chain(context.Background(), testTask(), func(ctx context.Context) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return map[string]any{}, nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestTimeoutZeroIsPassThrough(t *testing.T) {
	chain := middleware.Chain(middleware.Timeout(0))
	out, err := chain(context.Background(), testTask(), func(ctx context.Context) (map[string]any, error) {
		if _, hasDeadline := ctx.Deadline(); hasDeadline {
			return nil, errors.New("unexpected deadline")
		}
		return map[string]any{}, nil
	})
	if err != nil || out == nil {
		t.Errorf("pass-through failed: %v", err)
	}
}

func TestMetricsRecordsExecutions(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("test")

	chain := middleware.Chain(middleware.MetricsWithMeter(meter))
	if _, err := chain(context.Background(), testTask(), func(context.Context) (map[string]any, error) {
		return map[string]any{}, nil
	}); err != nil {
		t.Fatalf("chain: %v", err)
	}
	if _, err := chain(context.Background(), testTask(), func(context.Context) (map[string]any, error) {
		return nil, errors.New("step error")
	}); err == nil {
		t.Fatal("expected handler error to propagate")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "flowline.task.executions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("executions data type = %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Errorf("executions = %d, want 2", total)
	}
}
