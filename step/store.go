package step

import (
	"context"

	"github.com/flowline-dev/flowline/id"
)

// Store defines the persistence contract for step rows.
//
// Backends must enforce uniqueness on (workflow id, slug). FetchOrCreate is
// the idempotent materialization primitive: insert, and on a uniqueness
// conflict fall back to selecting the winner's row — never a mutex, never a
// retried write.
type Store interface {
	// CreateStep persists a new step row. Returns
	// flowline.ErrStepAlreadyExists when a row for the same
	// (workflow id, slug) pair exists.
	CreateStep(ctx context.Context, s *Step) error

	// GetStep retrieves a step row by ID.
	GetStep(ctx context.Context, stepID id.StepID) (*Step, error)

	// FetchOrCreateStep inserts s, or — when a row for (s.WorkflowID,
	// s.Slug) already exists — returns the existing row untouched. The
	// boolean reports whether a new row was created.
	FetchOrCreateStep(ctx context.Context, s *Step) (*Step, bool, error)

	// UpdateStep persists changes to an existing step row. Returns
	// flowline.ErrOutputImmutable when the persisted row already has a
	// success recorded: output is immutable once SucceededAt is set.
	UpdateStep(ctx context.Context, s *Step) error

	// ListWorkflowSteps returns all step rows for a workflow in creation
	// order.
	ListWorkflowSteps(ctx context.Context, workflowID id.WorkflowID) ([]*Step, error)
}
