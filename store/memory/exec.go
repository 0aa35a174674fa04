package memory

import (
	"context"
	"maps"
	"sort"
	"time"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/exec"
	"github.com/flowline-dev/flowline/id"
)

// ──────────────────────────────────────────────────
// exec.DefinitionStore
// ──────────────────────────────────────────────────

func (s *Store) CreateDefinition(_ context.Context, d *exec.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	// Definitions are immutable once stored; the pointer is kept as-is.
	s.definitions[d.ID] = d
	return nil
}

func (s *Store) GetDefinition(_ context.Context, defID id.DefinitionID) (*exec.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	d, ok := s.definitions[defID]
	if !ok {
		return nil, flowline.ErrDefinitionNotFound
	}
	return d, nil
}

func (s *Store) GetDefinitionBySlug(_ context.Context, slug string) (*exec.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	for _, d := range s.definitions {
		if d.Slug == slug {
			return d, nil
		}
	}
	return nil, flowline.ErrDefinitionNotFound
}

func (s *Store) ListDefinitions(_ context.Context) ([]*exec.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	out := make([]*exec.Definition, 0, len(s.definitions))
	for _, d := range s.definitions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// ──────────────────────────────────────────────────
// exec.ExecutionStore
// ──────────────────────────────────────────────────

func (s *Store) CreateExecution(_ context.Context, e *exec.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	s.executions[e.ID] = copyExecution(e)
	return nil
}

func (s *Store) GetExecution(_ context.Context, executionID id.ExecutionID) (*exec.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	e, ok := s.executions[executionID]
	if !ok {
		return nil, flowline.ErrExecutionNotFound
	}
	return copyExecution(e), nil
}

func (s *Store) UpdateExecutionStage(_ context.Context, executionID id.ExecutionID, stage int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	e, ok := s.executions[executionID]
	if !ok {
		return flowline.ErrExecutionNotFound
	}
	e.Stage = stage
	e.Touch()
	return nil
}

func (s *Store) TransitionExecution(_ context.Context, executionID id.ExecutionID, to exec.Status, errMessage string) (*exec.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	e, ok := s.executions[executionID]
	if !ok {
		return nil, flowline.ErrExecutionNotFound
	}
	if err := e.Status.CheckTransition(to); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e.Status = to
	switch {
	case to == exec.StatusInProgress && e.StartedAt == nil:
		e.StartedAt = &now
	case to.Terminal():
		e.FinishedAt = &now
	}
	if to == exec.StatusFailed || to == exec.StatusAborted {
		e.ErrorMessage = errMessage
	}
	if to == exec.StatusInProgress {
		e.ErrorMessage = ""
	}
	e.Touch()
	return copyExecution(e), nil
}

func (s *Store) ListExecutionsByStatus(_ context.Context, status exec.Status) ([]*exec.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	var out []*exec.Execution
	for _, e := range s.executions {
		if e.Status == status {
			out = append(out, copyExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *Store) FetchOrCreateStepStatus(_ context.Context, st *exec.StepStatus) (*exec.StepStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, false, err
	}

	key := statusKey(st.ExecutionID, st.Slug)
	if existingID, exists := s.statusesByKey[key]; exists {
		return copyStepStatus(s.stepStatuses[existingID]), false, nil
	}
	s.stepStatuses[st.ID] = copyStepStatus(st)
	s.statusesByKey[key] = st.ID
	s.statusOrder[st.ExecutionID] = append(s.statusOrder[st.ExecutionID], st.ID)
	return copyStepStatus(st), true, nil
}

func (s *Store) GetStepStatus(_ context.Context, stepStatusID id.StepStatusID) (*exec.StepStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	st, ok := s.stepStatuses[stepStatusID]
	if !ok {
		return nil, flowline.ErrStepStatusNotFound
	}
	return copyStepStatus(st), nil
}

func (s *Store) TransitionStepStatus(_ context.Context, stepStatusID id.StepStatusID, to exec.Status, output map[string]any, errMessage string) (*exec.StepStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	st, ok := s.stepStatuses[stepStatusID]
	if !ok {
		return nil, flowline.ErrStepStatusNotFound
	}
	if err := st.Status.CheckTransition(to); err != nil {
		return nil, err
	}

	st.Status = to
	if to == exec.StatusCompleted {
		st.Output = maps.Clone(output)
		st.ErrorMessage = ""
	}
	if to == exec.StatusFailed || to == exec.StatusAborted {
		st.ErrorMessage = errMessage
	}
	st.Touch()
	return copyStepStatus(st), nil
}

func (s *Store) ListStepStatuses(_ context.Context, executionID id.ExecutionID) ([]*exec.StepStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	order := s.statusOrder[executionID]
	out := make([]*exec.StepStatus, 0, len(order))
	for _, statusID := range order {
		out = append(out, copyStepStatus(s.stepStatuses[statusID]))
	}
	return out, nil
}
