// Package workflow implements the synchronous sequential orchestration
// flavor: an ordered list of step types executed in the caller's goroutine,
// each step materialized idempotently against the store, with outputs
// accumulated into the context handed to later steps.
//
// A Workflow row is the durable record of one run over a subject. Executing
// the same workflow again skips steps that already succeeded and merges
// their cached outputs, so a run that halted on a failure resumes from the
// failed step.
package workflow

import (
	"time"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/id"
)

// Workflow is the persisted record of one sequential run.
type Workflow struct {
	flowline.Entity

	ID             id.WorkflowID `json:"id"`
	DefinitionSlug string        `json:"definition_slug"`

	// SubjectRef is an opaque caller-supplied reference to the business
	// object this run operates on, e.g. an order or account identifier.
	SubjectRef string `json:"subject_ref,omitempty"`

	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	SucceededAt  *time.Time     `json:"succeeded_at,omitempty"`
	FailedAt     *time.Time     `json:"failed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// New returns an unexecuted workflow row for a definition and input.
func New(definitionSlug, subjectRef string, input map[string]any) *Workflow {
	return &Workflow{
		Entity:         flowline.NewEntity(),
		ID:             id.NewWorkflowID(),
		DefinitionSlug: definitionSlug,
		SubjectRef:     subjectRef,
		Input:          input,
	}
}

// Succeeded reports whether this run completed all steps.
func (w *Workflow) Succeeded() bool { return w.SucceededAt != nil }

// Failed reports whether this run's most recent attempt halted on a failure.
func (w *Workflow) Failed() bool { return w.FailedAt != nil }
