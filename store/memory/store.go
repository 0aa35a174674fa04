// Package memory implements the full store contract with in-process maps.
// It backs tests and single-process deployments; nothing survives a
// restart.
package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/cron"
	"github.com/flowline-dev/flowline/dispatch"
	"github.com/flowline-dev/flowline/exec"
	"github.com/flowline-dev/flowline/id"
	"github.com/flowline-dev/flowline/registry"
	"github.com/flowline-dev/flowline/step"
	"github.com/flowline-dev/flowline/workflow"
)

type scheduleLock struct {
	holder id.WorkerID
	until  time.Time
}

// Store is the in-memory backend. All methods are safe for concurrent use;
// a single mutex guards every table, which is plenty at test scale.
type Store struct {
	mu     sync.Mutex
	closed bool

	steps       map[id.StepID]*step.Step
	stepsByKey  map[string]id.StepID // workflowID/slug
	stepOrder   map[id.WorkflowID][]id.StepID
	workflows   map[id.WorkflowID]*workflow.Workflow
	catalog     map[id.CatalogID]*registry.Entry
	definitions map[id.DefinitionID]*exec.Definition
	executions  map[id.ExecutionID]*exec.Execution

	stepStatuses   map[id.StepStatusID]*exec.StepStatus
	statusesByKey  map[string]id.StepStatusID // executionID/slug
	statusOrder    map[id.ExecutionID][]id.StepStatusID
	tasks          map[id.TaskID]*dispatch.Task
	activeByStatus map[id.StepStatusID]id.TaskID
	taskOrder      map[id.ExecutionID][]id.TaskID
	schedules      map[id.ScheduleID]*cron.Schedule
	scheduleLocks  map[id.ScheduleID]scheduleLock
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		steps:          make(map[id.StepID]*step.Step),
		stepsByKey:     make(map[string]id.StepID),
		stepOrder:      make(map[id.WorkflowID][]id.StepID),
		workflows:      make(map[id.WorkflowID]*workflow.Workflow),
		catalog:        make(map[id.CatalogID]*registry.Entry),
		definitions:    make(map[id.DefinitionID]*exec.Definition),
		executions:     make(map[id.ExecutionID]*exec.Execution),
		stepStatuses:   make(map[id.StepStatusID]*exec.StepStatus),
		statusesByKey:  make(map[string]id.StepStatusID),
		statusOrder:    make(map[id.ExecutionID][]id.StepStatusID),
		tasks:          make(map[id.TaskID]*dispatch.Task),
		activeByStatus: make(map[id.StepStatusID]id.TaskID),
		taskOrder:      make(map[id.ExecutionID][]id.TaskID),
		schedules:      make(map[id.ScheduleID]*cron.Schedule),
		scheduleLocks:  make(map[id.ScheduleID]scheduleLock),
	}
}

// Ping reports whether the store is open.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return flowline.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Subsequent calls fail with
// flowline.ErrStoreClosed.
func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) guard() error {
	if s.closed {
		return flowline.ErrStoreClosed
	}
	return nil
}

func stepKey(workflowID id.WorkflowID, slug string) string {
	return workflowID.String() + "/" + slug
}

func statusKey(executionID id.ExecutionID, slug string) string {
	return executionID.String() + "/" + slug
}

func copyStep(src *step.Step) *step.Step {
	cp := *src
	cp.Input = maps.Clone(src.Input)
	cp.Output = maps.Clone(src.Output)
	return &cp
}

func copyWorkflow(src *workflow.Workflow) *workflow.Workflow {
	cp := *src
	cp.Input = maps.Clone(src.Input)
	cp.Output = maps.Clone(src.Output)
	return &cp
}

func copyExecution(src *exec.Execution) *exec.Execution {
	cp := *src
	cp.Input = maps.Clone(src.Input)
	return &cp
}

func copyStepStatus(src *exec.StepStatus) *exec.StepStatus {
	cp := *src
	cp.Output = maps.Clone(src.Output)
	return &cp
}

func copyTask(src *dispatch.Task) *dispatch.Task {
	cp := *src
	cp.Input = maps.Clone(src.Input)
	return &cp
}

func copySchedule(src *cron.Schedule) *cron.Schedule {
	cp := *src
	cp.Input = maps.Clone(src.Input)
	return &cp
}

func copyEntry(src *registry.Entry) *registry.Entry {
	cp := *src
	return &cp
}
