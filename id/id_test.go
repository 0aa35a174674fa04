package id_test

import (
	"encoding/json"
	"testing"

	"github.com/flowline-dev/flowline/id"
)

func TestNewAndParse(t *testing.T) {
	stepID := id.NewStepID()
	if stepID.IsNil() {
		t.Fatal("NewStepID returned nil ID")
	}
	if stepID.Prefix() != id.PrefixStep {
		t.Errorf("prefix = %q, want %q", stepID.Prefix(), id.PrefixStep)
	}

	parsed, err := id.ParseStepID(stepID.String())
	if err != nil {
		t.Fatalf("ParseStepID: %v", err)
	}
	if parsed.String() != stepID.String() {
		t.Errorf("round trip = %q, want %q", parsed.String(), stepID.String())
	}
}

func TestParseRejectsWrongPrefix(t *testing.T) {
	wfID := id.NewWorkflowID()
	if _, err := id.ParseStepID(wfID.String()); err == nil {
		t.Error("ParseStepID accepted a workflow ID")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "not-a-typeid", "step_"} {
		if _, err := id.Parse(s); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", s)
		}
	}
}

func TestNilID(t *testing.T) {
	var zero id.ID
	if !zero.IsNil() {
		t.Error("zero ID is not nil")
	}
	if zero.String() != "" {
		t.Errorf("zero String() = %q, want empty", zero.String())
	}

	v, err := zero.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if v != nil {
		t.Errorf("zero Value() = %v, want nil", v)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	execID := id.NewExecutionID()

	data, err := json.Marshal(execID)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var back id.ID
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.String() != execID.String() {
		t.Errorf("round trip = %q, want %q", back.String(), execID.String())
	}
}

func TestScan(t *testing.T) {
	taskID := id.NewTaskID()

	var scanned id.ID
	if err := scanned.Scan(taskID.String()); err != nil {
		t.Fatalf("Scan string: %v", err)
	}
	if scanned.String() != taskID.String() {
		t.Errorf("scanned = %q, want %q", scanned.String(), taskID.String())
	}

	var fromNil id.ID
	if err := fromNil.Scan(nil); err != nil {
		t.Fatalf("Scan nil: %v", err)
	}
	if !fromNil.IsNil() {
		t.Error("Scan(nil) produced non-nil ID")
	}
}

func TestSortable(t *testing.T) {
	// UUIDv7-based IDs generated in sequence sort in creation order.
	a := id.NewTaskID()
	b := id.NewTaskID()
	if a.String() > b.String() {
		t.Errorf("IDs not K-sortable: %q > %q", a.String(), b.String())
	}
}
