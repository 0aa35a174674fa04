package redis

import (
	"context"
	"fmt"
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

// CreateDefinition stores the definition and indexes it by slug.
func (s *Store) CreateDefinition(ctx context.Context, d *exec.Definition) error {
	if err := s.setJSON(ctx, definitionKey(d.ID.String()), d); err != nil {
		return err
	}
	if err := s.client.HSet(ctx, definitionBySlugKey, d.Slug, d.ID.String()).Err(); err != nil {
		return fmt.Errorf("flowline/redis: index definition slug: %w", err)
	}
	return nil
}

// GetDefinition retrieves a definition by ID.
func (s *Store) GetDefinition(ctx context.Context, defID id.DefinitionID) (*exec.Definition, error) {
	var d exec.Definition
	if err := s.getJSON(ctx, definitionKey(defID.String()), &d, flowline.ErrDefinitionNotFound); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDefinitionBySlug retrieves a definition by slug.
func (s *Store) GetDefinitionBySlug(ctx context.Context, slug string) (*exec.Definition, error) {
	defID, err := s.client.HGet(ctx, definitionBySlugKey, slug).Result()
	if err != nil {
		if isNil(err) {
			return nil, flowline.ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("flowline/redis: definition slug lookup: %w", err)
	}
	var d exec.Definition
	if err := s.getJSON(ctx, definitionKey(defID), &d, flowline.ErrDefinitionNotFound); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDefinitions returns all definitions ordered by slug.
func (s *Store) ListDefinitions(ctx context.Context) ([]*exec.Definition, error) {
	index, err := s.client.HGetAll(ctx, definitionBySlugKey).Result()
	if err != nil {
		return nil, fmt.Errorf("flowline/redis: list definitions index: %w", err)
	}

	slugs := make([]string, 0, len(index))
	for slug := range index {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	out := make([]*exec.Definition, 0, len(slugs))
	for _, slug := range slugs {
		var d exec.Definition
		if err := s.getJSON(ctx, definitionKey(index[slug]), &d, flowline.ErrDefinitionNotFound); err != nil {
			continue // skip missing
		}
		out = append(out, &d)
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// exec.ExecutionStore
// ──────────────────────────────────────────────────

// CreateExecution stores the execution and indexes it under its status.
func (s *Store) CreateExecution(ctx context.Context, e *exec.Execution) error {
	if err := s.setJSON(ctx, executionKey(e.ID.String()), e); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, executionStatusKey(string(e.Status)), e.ID.String()).Err(); err != nil {
		return fmt.Errorf("flowline/redis: index execution status: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, executionID id.ExecutionID) (*exec.Execution, error) {
	var e exec.Execution
	if err := s.getJSON(ctx, executionKey(executionID.String()), &e, flowline.ErrExecutionNotFound); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateExecutionStage records the stage index currently in flight.
func (s *Store) UpdateExecutionStage(ctx context.Context, executionID id.ExecutionID, stage int) error {
	e, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	e.Stage = stage
	e.Touch()
	return s.setJSON(ctx, executionKey(e.ID.String()), e)
}

// TransitionExecution moves an execution through the status machine and
// keeps the per-status index sets in step with it.
func (s *Store) TransitionExecution(ctx context.Context, executionID id.ExecutionID, to exec.Status, errMessage string) (*exec.Execution, error) {
	e, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if err := e.Status.CheckTransition(to); err != nil {
		return nil, err
	}

	from := e.Status
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

	if err := s.setJSON(ctx, executionKey(e.ID.String()), e); err != nil {
		return nil, err
	}
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, executionStatusKey(string(from)), e.ID.String())
	pipe.SAdd(ctx, executionStatusKey(string(to)), e.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("flowline/redis: reindex execution status: %w", err)
	}
	return e, nil
}

// ListExecutionsByStatus returns executions in the given status.
func (s *Store) ListExecutionsByStatus(ctx context.Context, status exec.Status) ([]*exec.Execution, error) {
	ids, err := s.client.SMembers(ctx, executionStatusKey(string(status))).Result()
	if err != nil {
		return nil, fmt.Errorf("flowline/redis: list executions smembers: %w", err)
	}
	sort.Strings(ids)

	out := make([]*exec.Execution, 0, len(ids))
	for _, eid := range ids {
		var e exec.Execution
		if err := s.getJSON(ctx, executionKey(eid), &e, flowline.ErrExecutionNotFound); err != nil {
			continue // skip missing
		}
		out = append(out, &e)
	}
	return out, nil
}

// FetchOrCreateStepStatus materializes the (execution, slug) row; HSETNX on
// the index settles races.
func (s *Store) FetchOrCreateStepStatus(ctx context.Context, st *exec.StepStatus) (*exec.StepStatus, bool, error) {
	indexKey := stepStatusIndexKey(st.ExecutionID.String())
	claimed, err := s.client.HSetNX(ctx, indexKey, st.Slug, st.ID.String()).Result()
	if err != nil {
		return nil, false, fmt.Errorf("flowline/redis: claim step status index: %w", err)
	}
	if !claimed {
		existingID, getErr := s.client.HGet(ctx, indexKey, st.Slug).Result()
		if getErr != nil {
			return nil, false, fmt.Errorf("flowline/redis: fetch step status index after conflict: %w", getErr)
		}
		var existing exec.StepStatus
		if err := s.getJSON(ctx, stepStatusKey(existingID), &existing, flowline.ErrStepStatusNotFound); err != nil {
			return nil, false, err
		}
		return &existing, false, nil
	}

	if err := s.setJSON(ctx, stepStatusKey(st.ID.String()), st); err != nil {
		return nil, false, err
	}
	if err := s.client.RPush(ctx, stepStatusOrderKey(st.ExecutionID.String()), st.ID.String()).Err(); err != nil {
		return nil, false, fmt.Errorf("flowline/redis: append step status order: %w", err)
	}
	return st, true, nil
}

// GetStepStatus retrieves a step status row by ID.
func (s *Store) GetStepStatus(ctx context.Context, stepStatusID id.StepStatusID) (*exec.StepStatus, error) {
	var st exec.StepStatus
	if err := s.getJSON(ctx, stepStatusKey(stepStatusID.String()), &st, flowline.ErrStepStatusNotFound); err != nil {
		return nil, err
	}
	return &st, nil
}

// TransitionStepStatus moves a step status through the status machine.
func (s *Store) TransitionStepStatus(ctx context.Context, stepStatusID id.StepStatusID, to exec.Status, output map[string]any, errMessage string) (*exec.StepStatus, error) {
	st, err := s.GetStepStatus(ctx, stepStatusID)
	if err != nil {
		return nil, err
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

	if err := s.setJSON(ctx, stepStatusKey(st.ID.String()), st); err != nil {
		return nil, err
	}
	return st, nil
}

// ListStepStatuses returns an execution's step status rows in creation
// order.
func (s *Store) ListStepStatuses(ctx context.Context, executionID id.ExecutionID) ([]*exec.StepStatus, error) {
	ids, err := s.client.LRange(ctx, stepStatusOrderKey(executionID.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("flowline/redis: list step statuses lrange: %w", err)
	}

	out := make([]*exec.StepStatus, 0, len(ids))
	for _, sid := range ids {
		var st exec.StepStatus
		if err := s.getJSON(ctx, stepStatusKey(sid), &st, flowline.ErrStepStatusNotFound); err != nil {
			continue // skip missing
		}
		out = append(out, &st)
	}
	return out, nil
}
