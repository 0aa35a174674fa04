// Package store defines the aggregate persistence contract a backend must
// satisfy to drive both orchestration flavors, and hosts its
// implementations: memory (tests, single process), postgres (durable,
// multi-process), and redis (durable, lease-oriented).
package store

import (
	"context"

	"github.com/flowline-dev/flowline/cron"
	"github.com/flowline-dev/flowline/dispatch"
	"github.com/flowline-dev/flowline/exec"
	"github.com/flowline-dev/flowline/registry"
	"github.com/flowline-dev/flowline/step"
	"github.com/flowline-dev/flowline/workflow"
)

// Store is the full persistence surface. Engines accept the narrow
// per-subsystem interfaces; this aggregate exists so one backend value can
// be handed to everything at wiring time.
type Store interface {
	step.Store
	registry.CatalogStore
	registry.OrphanCounter
	workflow.Store
	exec.DefinitionStore
	exec.ExecutionStore
	dispatch.TaskStore
	cron.Store

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close(ctx context.Context) error
}
