package exec

import (
	"context"

	"github.com/flowline-dev/flowline/id"
)

// DefinitionStore defines persistence for workflow definitions. Backends
// enforce uniqueness on slug.
type DefinitionStore interface {
	// CreateDefinition persists a new definition.
	CreateDefinition(ctx context.Context, d *Definition) error

	// GetDefinition retrieves a definition by ID. Returns
	// flowline.ErrDefinitionNotFound when absent.
	GetDefinition(ctx context.Context, defID id.DefinitionID) (*Definition, error)

	// GetDefinitionBySlug retrieves a definition by slug.
	GetDefinitionBySlug(ctx context.Context, slug string) (*Definition, error)

	// ListDefinitions returns all definitions ordered by slug.
	ListDefinitions(ctx context.Context) ([]*Definition, error)
}

// ExecutionStore defines persistence for executions and their step status
// rows.
//
// Both transition methods are compare-and-set against the status machine:
// the persisted row's current status must permit the move, otherwise
// flowline.ErrInvalidTransition is returned and the row is untouched. That
// is what lets an administrative abort win against a straggling worker — the
// straggler's completed write is rejected, and it treats the rejection as
// acceptance of the abort.
type ExecutionStore interface {
	// CreateExecution persists a new execution row.
	CreateExecution(ctx context.Context, e *Execution) error

	// GetExecution retrieves an execution by ID. Returns
	// flowline.ErrExecutionNotFound when absent.
	GetExecution(ctx context.Context, executionID id.ExecutionID) (*Execution, error)

	// UpdateExecutionStage persists the current stage index.
	UpdateExecutionStage(ctx context.Context, executionID id.ExecutionID, stage int) error

	// TransitionExecution moves an execution to a new status, recording
	// errMessage for failures and stamping started/finished times.
	TransitionExecution(ctx context.Context, executionID id.ExecutionID, to Status, errMessage string) (*Execution, error)

	// ListExecutionsByStatus returns executions in the given status,
	// oldest first.
	ListExecutionsByStatus(ctx context.Context, status Status) ([]*Execution, error)

	// FetchOrCreateStepStatus inserts st, or returns the existing row for
	// (st.ExecutionID, st.Slug). The boolean reports creation.
	FetchOrCreateStepStatus(ctx context.Context, st *StepStatus) (*StepStatus, bool, error)

	// GetStepStatus retrieves a step status row by ID. Returns
	// flowline.ErrStepStatusNotFound when absent.
	GetStepStatus(ctx context.Context, stepStatusID id.StepStatusID) (*StepStatus, error)

	// TransitionStepStatus moves a step status row to a new status,
	// recording output on completion and errMessage on failure.
	TransitionStepStatus(ctx context.Context, stepStatusID id.StepStatusID, to Status, output map[string]any, errMessage string) (*StepStatus, error)

	// ListStepStatuses returns all step status rows for an execution in
	// creation order.
	ListStepStatuses(ctx context.Context, executionID id.ExecutionID) ([]*StepStatus, error)
}
