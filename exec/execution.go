package exec

import (
	"time"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/id"
)

// Execution is the persisted record of one asynchronous run of a definition.
type Execution struct {
	flowline.Entity

	ID             id.ExecutionID  `json:"id"`
	DefinitionID   id.DefinitionID `json:"definition_id"`
	DefinitionSlug string          `json:"definition_slug"`

	// SubjectRef is an opaque caller-supplied reference to the business
	// object this run operates on.
	SubjectRef string `json:"subject_ref,omitempty"`

	Input  map[string]any `json:"input,omitempty"`
	Status Status         `json:"status"`

	// Stage is the index of the pipeline stage currently in flight.
	Stage int `json:"stage"`

	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// NewExecution returns a pending execution of the given definition.
func NewExecution(def *Definition, subjectRef string, input map[string]any) *Execution {
	return &Execution{
		Entity:         flowline.NewEntity(),
		ID:             id.NewExecutionID(),
		DefinitionID:   def.ID,
		DefinitionSlug: def.Slug,
		SubjectRef:     subjectRef,
		Input:          input,
		Status:         StatusPending,
	}
}

// StepStatus is the persisted per-step record within an execution. Rows are
// materialized idempotently on (execution id, slug); they carry the step's
// outcome for join decisions and output accumulation.
type StepStatus struct {
	flowline.Entity

	ID          id.StepStatusID `json:"id"`
	ExecutionID id.ExecutionID  `json:"execution_id"`
	Slug        string          `json:"slug"`

	// Stage is the pipeline stage this step belongs to.
	Stage int `json:"stage"`

	Status       Status         `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	TaskID       id.TaskID      `json:"task_id,omitempty"`
}

// NewStepStatus returns a pending step status row.
func NewStepStatus(executionID id.ExecutionID, slug string, stage int) *StepStatus {
	return &StepStatus{
		Entity:      flowline.NewEntity(),
		ID:          id.NewStepStatusID(),
		ExecutionID: executionID,
		Slug:        slug,
		Stage:       stage,
		Status:      StatusPending,
	}
}

// RemainingSteps returns the slugs of def's steps that have not reached a
// terminal status in this execution, in declaration order. An execution with
// no remaining steps is complete.
func RemainingSteps(def *Definition, statuses []*StepStatus) []string {
	done := make(map[string]struct{}, len(statuses))
	for _, st := range statuses {
		if st.Status.Terminal() {
			done[st.Slug] = struct{}{}
		}
	}

	var remaining []string
	for _, slug := range def.StepSlugs() {
		if _, ok := done[slug]; !ok {
			remaining = append(remaining, slug)
		}
	}
	return remaining
}

// AccumulatedOutput merges the outputs of all completed steps, keyed by the
// steps' own output keys, in declaration order so later stages overwrite
// earlier ones on key collisions.
func AccumulatedOutput(def *Definition, statuses []*StepStatus) map[string]any {
	bySlug := make(map[string]*StepStatus, len(statuses))
	for _, st := range statuses {
		bySlug[st.Slug] = st
	}

	out := make(map[string]any)
	for _, slug := range def.StepSlugs() {
		st, ok := bySlug[slug]
		if !ok || st.Status != StatusCompleted {
			continue
		}
		for k, v := range st.Output {
			out[k] = v
		}
	}
	return out
}
