package workflow

import (
	"context"

	"github.com/flowline-dev/flowline/id"
)

// Store defines persistence for sequential workflow rows.
type Store interface {
	// CreateWorkflow persists a new workflow row.
	CreateWorkflow(ctx context.Context, w *Workflow) error

	// GetWorkflow retrieves a workflow row by ID. Returns
	// flowline.ErrWorkflowNotFound when absent.
	GetWorkflow(ctx context.Context, workflowID id.WorkflowID) (*Workflow, error)

	// UpdateWorkflow persists changes to an existing workflow row.
	UpdateWorkflow(ctx context.Context, w *Workflow) error

	// ListWorkflowsBySubject returns all workflow rows carrying the given
	// subject reference, newest first.
	ListWorkflowsBySubject(ctx context.Context, subjectRef string) ([]*Workflow, error)
}
