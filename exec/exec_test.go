package exec_test

import (
	"errors"
	"testing"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/exec"
	"github.com/flowline-dev/flowline/id"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to exec.Status
		ok       bool
	}{
		{exec.StatusPending, exec.StatusInProgress, true},
		{exec.StatusPending, exec.StatusAborted, true},
		{exec.StatusPending, exec.StatusSkipped, true},
		{exec.StatusPending, exec.StatusFailed, true},
		{exec.StatusPending, exec.StatusCompleted, false},
		{exec.StatusInProgress, exec.StatusCompleted, true},
		{exec.StatusInProgress, exec.StatusFailed, true},
		{exec.StatusInProgress, exec.StatusAborted, true},
		{exec.StatusInProgress, exec.StatusSkipped, false},
		{exec.StatusFailed, exec.StatusInProgress, true},
		{exec.StatusFailed, exec.StatusAborted, true},
		{exec.StatusCompleted, exec.StatusInProgress, false},
		{exec.StatusCompleted, exec.StatusAborted, false},
		{exec.StatusAborted, exec.StatusCompleted, false},
		{exec.StatusAborted, exec.StatusInProgress, false},
		{exec.StatusSkipped, exec.StatusInProgress, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}

	err := exec.StatusAborted.CheckTransition(exec.StatusCompleted)
	if !errors.Is(err, flowline.ErrInvalidTransition) {
		t.Errorf("CheckTransition error = %v, want ErrInvalidTransition", err)
	}
}

func TestStatusClassification(t *testing.T) {
	for _, s := range []exec.Status{exec.StatusCompleted, exec.StatusAborted, exec.StatusSkipped} {
		if !s.Terminal() {
			t.Errorf("%s not terminal", s)
		}
	}
	for _, s := range []exec.Status{exec.StatusPending, exec.StatusInProgress, exec.StatusFailed} {
		if s.Terminal() {
			t.Errorf("%s terminal", s)
		}
	}
	if !exec.StatusAborted.Administrative() || !exec.StatusSkipped.Administrative() {
		t.Error("aborted/skipped not administrative")
	}
	if exec.StatusFailed.Administrative() {
		t.Error("failed marked administrative")
	}
	if exec.Status("bogus").Valid() {
		t.Error("bogus status valid")
	}
}

func TestDefinitionValidation(t *testing.T) {
	if _, err := exec.NewDefinition("", "x", exec.StepItem("a")); err == nil {
		t.Error("empty slug accepted")
	}
	if _, err := exec.NewDefinition("d", "x"); err == nil {
		t.Error("empty item list accepted")
	}
	if _, err := exec.NewDefinition("d", "x", exec.StepItem("a"), exec.StepItem("a")); err == nil {
		t.Error("duplicate slug accepted")
	}
	if _, err := exec.NewDefinition("d", "x", exec.Item{}); err == nil {
		t.Error("empty item accepted")
	}
	if _, err := exec.NewDefinition("d", "x", exec.GroupItem(exec.NewGroup("g", true))); err == nil {
		t.Error("empty group accepted")
	}
	if _, err := exec.NewDefinition("d", "x",
		exec.StepItem("a"),
		exec.GroupItem(exec.NewGroup("g", true, exec.StepItem("a"))),
	); err == nil {
		t.Error("slug duplicated across group boundary accepted")
	}
}

func TestDefinitionRejectsSequentialGroupUnderParallel(t *testing.T) {
	// A parallel group's subtree dispatches as one concurrent stage, so an
	// inner sequential group would lose its ordering.
	if _, err := exec.NewDefinition("d", "x",
		exec.GroupItem(exec.NewGroup("fanout", true,
			exec.StepItem("a"),
			exec.GroupItem(exec.NewGroup("chain", false,
				exec.StepItem("b"),
				exec.StepItem("c"),
			)),
		)),
	); err == nil {
		t.Error("sequential group nested in parallel group accepted")
	}

	// Even through an intermediate parallel group.
	if _, err := exec.NewDefinition("d", "x",
		exec.GroupItem(exec.NewGroup("outer", true,
			exec.GroupItem(exec.NewGroup("inner", true,
				exec.GroupItem(exec.NewGroup("chain", false,
					exec.StepItem("b"),
					exec.StepItem("c"),
				)),
			)),
		)),
	); err == nil {
		t.Error("sequential group nested two parallel levels down accepted")
	}

	// A sequential group under a sequential group is fine.
	if _, err := exec.NewDefinition("d", "x",
		exec.GroupItem(exec.NewGroup("outer", false,
			exec.GroupItem(exec.NewGroup("chain", false,
				exec.StepItem("b"),
				exec.StepItem("c"),
			)),
		)),
	); err != nil {
		t.Errorf("sequential-in-sequential rejected: %v", err)
	}
}

func fulfillmentDefinition(t *testing.T) *exec.Definition {
	t.Helper()
	def, err := exec.NewDefinition("fulfillment", "Order Fulfillment",
		exec.StepItem("reserve_stock"),
		exec.GroupItem(exec.NewGroup("notify", true,
			exec.StepItem("email_customer"),
			exec.StepItem("ping_warehouse"),
			exec.GroupItem(exec.NewGroup("billing", true,
				exec.StepItem("invoice"),
			)),
		)),
		exec.GroupItem(exec.NewGroup("wrapup", false,
			exec.StepItem("archive"),
			exec.StepItem("close_order"),
		)),
	)
	if err != nil {
		t.Fatalf("NewDefinition: %v", err)
	}
	return def
}

func TestStepSlugsOrder(t *testing.T) {
	def := fulfillmentDefinition(t)
	want := []string{"reserve_stock", "email_customer", "ping_warehouse", "invoice", "archive", "close_order"}
	got := def.StepSlugs()
	if len(got) != len(want) {
		t.Fatalf("slugs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("slug[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStagesFlattening(t *testing.T) {
	def := fulfillmentDefinition(t)
	stages := def.Stages()

	// reserve_stock | {email, ping, invoice} | archive | close_order
	if len(stages) != 4 {
		t.Fatalf("stages = %d, want 4", len(stages))
	}
	if len(stages[0].Slugs) != 1 || stages[0].Slugs[0] != "reserve_stock" {
		t.Errorf("stage 0 = %v", stages[0].Slugs)
	}
	if len(stages[1].Slugs) != 3 {
		t.Errorf("stage 1 = %v, want all parallel group leaves", stages[1].Slugs)
	}
	if len(stages[2].Slugs) != 1 || stages[2].Slugs[0] != "archive" {
		t.Errorf("stage 2 = %v", stages[2].Slugs)
	}
	if len(stages[3].Slugs) != 1 || stages[3].Slugs[0] != "close_order" {
		t.Errorf("stage 3 = %v", stages[3].Slugs)
	}
}

func TestRemainingSteps(t *testing.T) {
	def := fulfillmentDefinition(t)
	execution := exec.NewExecution(def, "", nil)

	mk := func(slug string, status exec.Status) *exec.StepStatus {
		st := exec.NewStepStatus(execution.ID, slug, 0)
		st.Status = status
		return st
	}

	statuses := []*exec.StepStatus{
		mk("reserve_stock", exec.StatusCompleted),
		mk("email_customer", exec.StatusSkipped),
		mk("ping_warehouse", exec.StatusInProgress),
	}

	remaining := exec.RemainingSteps(def, statuses)
	want := []string{"ping_warehouse", "invoice", "archive", "close_order"}
	if len(remaining) != len(want) {
		t.Fatalf("remaining = %v, want %v", remaining, want)
	}
	for i := range want {
		if remaining[i] != want[i] {
			t.Errorf("remaining[%d] = %q, want %q", i, remaining[i], want[i])
		}
	}

	if got := exec.RemainingSteps(def, nil); len(got) != 6 {
		t.Errorf("fresh execution remaining = %d, want 6", len(got))
	}
}

func TestAccumulatedOutput(t *testing.T) {
	def := fulfillmentDefinition(t)
	execution := exec.NewExecution(def, "", nil)

	first := exec.NewStepStatus(execution.ID, "reserve_stock", 0)
	first.Status = exec.StatusCompleted
	first.Output = map[string]any{"reserved": true, "warehouse": "ams-1"}

	second := exec.NewStepStatus(execution.ID, "invoice", 1)
	second.Status = exec.StatusCompleted
	second.Output = map[string]any{"warehouse": "rtm-2", "invoice_no": "INV-9"}

	failed := exec.NewStepStatus(execution.ID, "archive", 2)
	failed.Status = exec.StatusFailed
	failed.Output = map[string]any{"poison": true}

	out := exec.AccumulatedOutput(def, []*exec.StepStatus{second, first, failed})
	if out["reserved"] != true {
		t.Error("missing first step output")
	}
	if out["warehouse"] != "rtm-2" {
		t.Errorf("warehouse = %v, want later stage to win", out["warehouse"])
	}
	if _, ok := out["poison"]; ok {
		t.Error("failed step output leaked into accumulation")
	}
}

func TestNewExecutionDefaults(t *testing.T) {
	def := fulfillmentDefinition(t)
	e := exec.NewExecution(def, "order-12", map[string]any{"order": 12})

	if e.Status != exec.StatusPending {
		t.Errorf("status = %s, want pending", e.Status)
	}
	if e.ID.Prefix() != id.PrefixExecution {
		t.Errorf("prefix = %q", e.ID.Prefix())
	}
	if e.DefinitionID != def.ID || e.DefinitionSlug != "fulfillment" {
		t.Error("definition linkage wrong")
	}
}
