package dispatch

import (
	"context"
	"time"

	"github.com/flowline-dev/flowline/id"
)

// TaskStore defines durable queue persistence for tasks.
//
// Enqueue deduplicates on step status: while a ready or running task exists
// for a step status row, enqueueing another for the same row returns the
// existing task. That keeps re-dispatch after a crash from doubling work.
type TaskStore interface {
	// EnqueueTask persists t as ready, or returns the existing active task
	// for t.StepStatusID. The boolean reports whether t was stored.
	EnqueueTask(ctx context.Context, t *Task) (*Task, bool, error)

	// DequeueTasks leases up to limit ready tasks whose RunAt has passed,
	// marking them running under workerID until the lease expires.
	DequeueTasks(ctx context.Context, workerID id.WorkerID, limit int, lease time.Duration) ([]*Task, error)

	// CompleteTask marks a running task succeeded.
	CompleteTask(ctx context.Context, taskID id.TaskID) error

	// FailTask records a failed attempt. With retryAt set the task returns
	// to ready scheduled at retryAt; otherwise it is final.
	FailTask(ctx context.Context, taskID id.TaskID, errMessage string, retryAt *time.Time) error

	// ExtendLeases pushes out the lease expiry of every task the worker
	// currently holds.
	ExtendLeases(ctx context.Context, workerID id.WorkerID, lease time.Duration) error

	// ReapExpiredTasks returns running tasks with expired leases to ready
	// and reports how many were reaped.
	ReapExpiredTasks(ctx context.Context) (int, error)

	// GetTask retrieves a task by ID. Returns flowline.ErrTaskNotFound
	// when absent.
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)

	// ListExecutionTasks returns all tasks for an execution in creation
	// order.
	ListExecutionTasks(ctx context.Context, executionID id.ExecutionID) ([]*Task, error)
}
