// Package dispatch turns an execution's stage pipeline into durable tasks
// and advances the execution as their results come back.
//
// The Dispatcher owns task submission, retrying transient store failures
// with backoff before surfacing a *flowline.DispatchError. The Runner owns
// the orchestration state: it launches executions, fans a stage out into
// tasks, joins stage results, and moves the execution's status machine.
// Workers call back into the Runner with step outcomes; they never touch
// execution state directly.
package dispatch

import (
	"time"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/id"
)

// TaskState is the queue lifecycle of one task, distinct from the step's own
// execution status.
type TaskState string

const (
	// TaskReady means the task is waiting to be leased by a worker.
	TaskReady TaskState = "ready"

	// TaskRunning means a worker holds the lease.
	TaskRunning TaskState = "running"

	// TaskSucceeded and TaskFailed are final.
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// Task is one durable unit of work: run one step of one execution. Workers
// lease tasks with an expiry; a crashed worker's tasks return to ready when
// the reaper finds the lease expired.
type Task struct {
	flowline.Entity

	ID           id.TaskID       `json:"id"`
	ExecutionID  id.ExecutionID  `json:"execution_id"`
	StepStatusID id.StepStatusID `json:"step_status_id"`
	Slug         string          `json:"slug"`
	Stage        int             `json:"stage"`

	// Input is the merged execution input plus accumulated outputs of all
	// prior stages, frozen at dispatch time.
	Input map[string]any `json:"input,omitempty"`

	State        TaskState   `json:"state"`
	Attempts     int         `json:"attempts"`
	MaxAttempts  int         `json:"max_attempts"`
	RunAt        time.Time   `json:"run_at"`
	LeasedBy     id.WorkerID `json:"leased_by,omitempty"`
	LeaseExpires *time.Time  `json:"lease_expires,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// NewTask returns a ready task for a step status row.
func NewTask(executionID id.ExecutionID, stepStatusID id.StepStatusID, slug string, stage int, input map[string]any) *Task {
	return &Task{
		Entity:       flowline.NewEntity(),
		ID:           id.NewTaskID(),
		ExecutionID:  executionID,
		StepStatusID: stepStatusID,
		Slug:         slug,
		Stage:        stage,
		Input:        input,
		State:        TaskReady,
		MaxAttempts:  3,
		RunAt:        time.Now().UTC(),
	}
}

// Exhausted reports whether the task has no retry budget left.
func (t *Task) Exhausted() bool {
	return t.Attempts >= t.MaxAttempts
}
