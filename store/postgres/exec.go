package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/exec"
	"github.com/flowline-dev/flowline/id"
)

// ──────────────────────────────────────────────────
// exec.DefinitionStore
// ──────────────────────────────────────────────────

// CreateDefinition persists a definition, its item tree encoded as JSONB.
func (s *Store) CreateDefinition(ctx context.Context, d *exec.Definition) error {
	items, err := json.Marshal(d.Items)
	if err != nil {
		return fmt.Errorf("flowline/postgres: marshal definition items: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO flowline_definitions (id, slug, name, items, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID.String(), d.Slug, d.Name, items, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("flowline/postgres: create definition: %w", err)
	}
	return nil
}

// GetDefinition retrieves a definition by ID.
func (s *Store) GetDefinition(ctx context.Context, defID id.DefinitionID) (*exec.Definition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, slug, name, items, created_at, updated_at
		 FROM flowline_definitions WHERE id = $1`,
		defID.String(),
	)
	return scanDefinition(row, "get definition")
}

// GetDefinitionBySlug retrieves a definition by slug.
func (s *Store) GetDefinitionBySlug(ctx context.Context, slug string) (*exec.Definition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, slug, name, items, created_at, updated_at
		 FROM flowline_definitions WHERE slug = $1`,
		slug,
	)
	return scanDefinition(row, "get definition by slug")
}

// ListDefinitions returns all definitions ordered by slug.
func (s *Store) ListDefinitions(ctx context.Context) ([]*exec.Definition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, slug, name, items, created_at, updated_at
		 FROM flowline_definitions ORDER BY slug ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("flowline/postgres: list definitions: %w", err)
	}
	defer rows.Close()

	var out []*exec.Definition
	for rows.Next() {
		d, scanErr := scanDefinition(rows, "scan definition row")
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flowline/postgres: iterate definition rows: %w", err)
	}
	return out, nil
}

func scanDefinition(row pgx.Row, op string) (*exec.Definition, error) {
	var (
		d          exec.Definition
		idStr      string
		itemsBytes []byte
	)
	err := row.Scan(&idStr, &d.Slug, &d.Name, &itemsBytes, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, flowline.ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("flowline/postgres: %s: %w", op, err)
	}

	parsedID, parseErr := id.ParseDefinitionID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("flowline/postgres: parse definition id %q: %w", idStr, parseErr)
	}
	d.ID = parsedID

	if err := json.Unmarshal(itemsBytes, &d.Items); err != nil {
		return nil, fmt.Errorf("flowline/postgres: unmarshal definition items: %w", err)
	}
	return &d, nil
}

// ──────────────────────────────────────────────────
// exec.ExecutionStore
// ──────────────────────────────────────────────────

const executionColumns = `
	id, definition_id, definition_slug, subject_ref, input, status, stage,
	error_message, started_at, finished_at, created_at, updated_at`

// CreateExecution persists a new execution.
func (s *Store) CreateExecution(ctx context.Context, e *exec.Execution) error {
	input, err := marshalMap(e.Input)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO flowline_executions (
			id, definition_id, definition_slug, subject_ref, input, status, stage,
			error_message, started_at, finished_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID.String(), e.DefinitionID.String(), e.DefinitionSlug, e.SubjectRef,
		input, string(e.Status), e.Stage,
		e.ErrorMessage, e.StartedAt, e.FinishedAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("flowline/postgres: create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, executionID id.ExecutionID) (*exec.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM flowline_executions WHERE id = $1`,
		executionID.String(),
	)

	e, err := scanExecution(row)
	if err != nil {
		if isNoRows(err) {
			return nil, flowline.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("flowline/postgres: get execution: %w", err)
	}
	return e, nil
}

// UpdateExecutionStage records the stage index currently in flight.
func (s *Store) UpdateExecutionStage(ctx context.Context, executionID id.ExecutionID, stage int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE flowline_executions SET stage = $2, updated_at = NOW() WHERE id = $1`,
		executionID.String(), stage,
	)
	if err != nil {
		return fmt.Errorf("flowline/postgres: update execution stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flowline.ErrExecutionNotFound
	}
	return nil
}

// TransitionExecution moves an execution through the status machine under a
// row lock, so concurrent writers serialize and an invalid move is refused
// with flowline.ErrInvalidTransition.
func (s *Store) TransitionExecution(ctx context.Context, executionID id.ExecutionID, to exec.Status, errMessage string) (*exec.Execution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("flowline/postgres: begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM flowline_executions WHERE id = $1 FOR UPDATE`,
		executionID.String(),
	)
	e, err := scanExecution(row)
	if err != nil {
		if isNoRows(err) {
			return nil, flowline.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("flowline/postgres: lock execution: %w", err)
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

	_, err = tx.Exec(ctx, `
		UPDATE flowline_executions SET
			status = $2, error_message = $3, started_at = $4, finished_at = $5,
			updated_at = NOW()
		WHERE id = $1`,
		e.ID.String(), string(e.Status), e.ErrorMessage, e.StartedAt, e.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("flowline/postgres: transition execution: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("flowline/postgres: commit transition: %w", err)
	}
	return e, nil
}

// ListExecutionsByStatus returns executions in the given status.
func (s *Store) ListExecutionsByStatus(ctx context.Context, status exec.Status) ([]*exec.Execution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM flowline_executions
		 WHERE status = $1 ORDER BY id ASC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("flowline/postgres: list executions: %w", err)
	}
	defer rows.Close()

	var out []*exec.Execution
	for rows.Next() {
		e, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("flowline/postgres: scan execution row: %w", scanErr)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flowline/postgres: iterate execution rows: %w", err)
	}
	return out, nil
}

func scanExecution(row pgx.Row) (*exec.Execution, error) {
	var (
		e          exec.Execution
		idStr      string
		defStr     string
		statusStr  string
		inputBytes []byte
	)
	err := row.Scan(
		&idStr, &defStr, &e.DefinitionSlug, &e.SubjectRef, &inputBytes, &statusStr,
		&e.Stage, &e.ErrorMessage, &e.StartedAt, &e.FinishedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = exec.Status(statusStr)

	parsedID, parseErr := id.ParseExecutionID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("flowline/postgres: parse execution id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	parsedDef, parseErr := id.ParseDefinitionID(defStr)
	if parseErr != nil {
		return nil, fmt.Errorf("flowline/postgres: parse definition id %q: %w", defStr, parseErr)
	}
	e.DefinitionID = parsedDef

	if e.Input, err = unmarshalMap(inputBytes); err != nil {
		return nil, err
	}
	return &e, nil
}

// ──────────────────────────────────────────────────
// Step statuses
// ──────────────────────────────────────────────────

const stepStatusColumns = `
	id, execution_id, slug, stage, status, output, error_message, task_id,
	created_at, updated_at`

// FetchOrCreateStepStatus materializes the (execution, slug) row; the unique
// constraint settles races and the loser reads the winner's row.
func (s *Store) FetchOrCreateStepStatus(ctx context.Context, st *exec.StepStatus) (*exec.StepStatus, bool, error) {
	output, err := marshalMap(st.Output)
	if err != nil {
		return nil, false, err
	}

	var taskID string
	if !st.TaskID.IsNil() {
		taskID = st.TaskID.String()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO flowline_step_statuses (
			id, execution_id, slug, stage, status, output, error_message, task_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (execution_id, slug) DO NOTHING`,
		st.ID.String(), st.ExecutionID.String(), st.Slug, st.Stage,
		string(st.Status), output, st.ErrorMessage, taskID,
		st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("flowline/postgres: create step status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return st, true, nil
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+stepStatusColumns+` FROM flowline_step_statuses
		 WHERE execution_id = $1 AND slug = $2`,
		st.ExecutionID.String(), st.Slug,
	)
	existing, scanErr := scanStepStatus(row)
	if scanErr != nil {
		return nil, false, fmt.Errorf("flowline/postgres: fetch step status after conflict: %w", scanErr)
	}
	return existing, false, nil
}

// GetStepStatus retrieves a step status row by ID.
func (s *Store) GetStepStatus(ctx context.Context, stepStatusID id.StepStatusID) (*exec.StepStatus, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepStatusColumns+` FROM flowline_step_statuses WHERE id = $1`,
		stepStatusID.String(),
	)

	st, err := scanStepStatus(row)
	if err != nil {
		if isNoRows(err) {
			return nil, flowline.ErrStepStatusNotFound
		}
		return nil, fmt.Errorf("flowline/postgres: get step status: %w", err)
	}
	return st, nil
}

// TransitionStepStatus moves a step status through the status machine under a
// row lock.
func (s *Store) TransitionStepStatus(ctx context.Context, stepStatusID id.StepStatusID, to exec.Status, output map[string]any, errMessage string) (*exec.StepStatus, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("flowline/postgres: begin step transition: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+stepStatusColumns+` FROM flowline_step_statuses WHERE id = $1 FOR UPDATE`,
		stepStatusID.String(),
	)
	st, err := scanStepStatus(row)
	if err != nil {
		if isNoRows(err) {
			return nil, flowline.ErrStepStatusNotFound
		}
		return nil, fmt.Errorf("flowline/postgres: lock step status: %w", err)
	}

	if err := st.Status.CheckTransition(to); err != nil {
		return nil, err
	}

	st.Status = to
	if to == exec.StatusCompleted {
		st.Output = output
		st.ErrorMessage = ""
	}
	if to == exec.StatusFailed || to == exec.StatusAborted {
		st.ErrorMessage = errMessage
	}
	st.Touch()

	outBytes, err := marshalMap(st.Output)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE flowline_step_statuses SET
			status = $2, output = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1`,
		st.ID.String(), string(st.Status), outBytes, st.ErrorMessage,
	)
	if err != nil {
		return nil, fmt.Errorf("flowline/postgres: transition step status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("flowline/postgres: commit step transition: %w", err)
	}
	return st, nil
}

// ListStepStatuses returns an execution's step status rows in creation order.
func (s *Store) ListStepStatuses(ctx context.Context, executionID id.ExecutionID) ([]*exec.StepStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepStatusColumns+` FROM flowline_step_statuses
		 WHERE execution_id = $1 ORDER BY created_at ASC, id ASC`,
		executionID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("flowline/postgres: list step statuses: %w", err)
	}
	defer rows.Close()

	var out []*exec.StepStatus
	for rows.Next() {
		st, scanErr := scanStepStatus(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("flowline/postgres: scan step status row: %w", scanErr)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flowline/postgres: iterate step status rows: %w", err)
	}
	return out, nil
}

func scanStepStatus(row pgx.Row) (*exec.StepStatus, error) {
	var (
		st          exec.StepStatus
		idStr       string
		execStr     string
		statusStr   string
		taskStr     string
		outputBytes []byte
	)
	err := row.Scan(
		&idStr, &execStr, &st.Slug, &st.Stage, &statusStr, &outputBytes,
		&st.ErrorMessage, &taskStr, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	st.Status = exec.Status(statusStr)

	parsedID, parseErr := id.ParseStepStatusID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("flowline/postgres: parse step status id %q: %w", idStr, parseErr)
	}
	st.ID = parsedID

	parsedExec, parseErr := id.ParseExecutionID(execStr)
	if parseErr != nil {
		return nil, fmt.Errorf("flowline/postgres: parse execution id %q: %w", execStr, parseErr)
	}
	st.ExecutionID = parsedExec

	if taskStr != "" {
		parsedTask, taskErr := id.ParseTaskID(taskStr)
		if taskErr == nil {
			st.TaskID = parsedTask
		}
	}

	if st.Output, err = unmarshalMap(outputBytes); err != nil {
		return nil, err
	}
	return &st, nil
}
