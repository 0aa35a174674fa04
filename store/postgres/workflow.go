package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/id"
	"github.com/flowline-dev/flowline/registry"
	"github.com/flowline-dev/flowline/step"
	"github.com/flowline-dev/flowline/workflow"
)

// ──────────────────────────────────────────────────
// workflow.Store
// ──────────────────────────────────────────────────

const workflowColumns = `
	id, definition_slug, subject_ref, input, output,
	succeeded_at, failed_at, error_message, created_at, updated_at`

// CreateWorkflow persists a new workflow run.
func (s *Store) CreateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	input, err := marshalMap(w.Input)
	if err != nil {
		return err
	}
	output, err := marshalMap(w.Output)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO flowline_workflows (
			id, definition_slug, subject_ref, input, output,
			succeeded_at, failed_at, error_message, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID.String(), w.DefinitionSlug, w.SubjectRef, input, output,
		w.SucceededAt, w.FailedAt, w.ErrorMessage, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("flowline/postgres: create workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow run by ID.
func (s *Store) GetWorkflow(ctx context.Context, workflowID id.WorkflowID) (*workflow.Workflow, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM flowline_workflows WHERE id = $1`,
		workflowID.String(),
	)

	w, err := scanWorkflow(row)
	if err != nil {
		if isNoRows(err) {
			return nil, flowline.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("flowline/postgres: get workflow: %w", err)
	}
	return w, nil
}

// UpdateWorkflow persists changes to an existing workflow run.
func (s *Store) UpdateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	input, err := marshalMap(w.Input)
	if err != nil {
		return err
	}
	output, err := marshalMap(w.Output)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE flowline_workflows SET
			definition_slug = $2, subject_ref = $3, input = $4, output = $5,
			succeeded_at = $6, failed_at = $7, error_message = $8,
			updated_at = NOW()
		WHERE id = $1`,
		w.ID.String(), w.DefinitionSlug, w.SubjectRef, input, output,
		w.SucceededAt, w.FailedAt, w.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("flowline/postgres: update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flowline.ErrWorkflowNotFound
	}
	return nil
}

// ListWorkflowsBySubject returns runs for a subject, newest first.
func (s *Store) ListWorkflowsBySubject(ctx context.Context, subjectRef string) ([]*workflow.Workflow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workflowColumns+` FROM flowline_workflows
		 WHERE subject_ref = $1 ORDER BY id DESC`,
		subjectRef,
	)
	if err != nil {
		return nil, fmt.Errorf("flowline/postgres: list workflows: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Workflow
	for rows.Next() {
		w, scanErr := scanWorkflow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("flowline/postgres: scan workflow row: %w", scanErr)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flowline/postgres: iterate workflow rows: %w", err)
	}
	return out, nil
}

func scanWorkflow(row pgx.Row) (*workflow.Workflow, error) {
	var (
		w           workflow.Workflow
		idStr       string
		inputBytes  []byte
		outputBytes []byte
	)
	err := row.Scan(
		&idStr, &w.DefinitionSlug, &w.SubjectRef, &inputBytes, &outputBytes,
		&w.SucceededAt, &w.FailedAt, &w.ErrorMessage, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseWorkflowID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("flowline/postgres: parse workflow id %q: %w", idStr, parseErr)
	}
	w.ID = parsedID

	if w.Input, err = unmarshalMap(inputBytes); err != nil {
		return nil, err
	}
	if w.Output, err = unmarshalMap(outputBytes); err != nil {
		return nil, err
	}
	return &w, nil
}

// ──────────────────────────────────────────────────
// step.Store
// ──────────────────────────────────────────────────

const stepColumns = `
	id, workflow_id, slug, preceding_step_id, input, output,
	succeeded_at, failed_at, error_message, created_at, updated_at`

// CreateStep persists a new step row. Returns flowline.ErrStepAlreadyExists
// when a row for (workflow, slug) is already present.
func (s *Store) CreateStep(ctx context.Context, st *step.Step) error {
	input, err := marshalMap(st.Input)
	if err != nil {
		return err
	}
	output, err := marshalMap(st.Output)
	if err != nil {
		return err
	}

	var preceding *string
	if st.PrecedingStepID != nil {
		v := st.PrecedingStepID.String()
		preceding = &v
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO flowline_steps (
			id, workflow_id, slug, preceding_step_id, input, output,
			succeeded_at, failed_at, error_message, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		st.ID.String(), st.WorkflowID.String(), st.Slug, preceding, input, output,
		st.SucceededAt, st.FailedAt, st.ErrorMessage, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return flowline.ErrStepAlreadyExists
		}
		return fmt.Errorf("flowline/postgres: create step: %w", err)
	}
	return nil
}

// GetStep retrieves a step row by ID.
func (s *Store) GetStep(ctx context.Context, stepID id.StepID) (*step.Step, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM flowline_steps WHERE id = $1`,
		stepID.String(),
	)

	st, err := scanStep(row)
	if err != nil {
		if isNoRows(err) {
			return nil, flowline.ErrStepNotFound
		}
		return nil, fmt.Errorf("flowline/postgres: get step: %w", err)
	}
	return st, nil
}

// FetchOrCreateStep materializes the (workflow, slug) row: the insert races
// are settled by the unique constraint and the loser reads the winner's row.
func (s *Store) FetchOrCreateStep(ctx context.Context, st *step.Step) (*step.Step, bool, error) {
	err := s.CreateStep(ctx, st)
	switch {
	case err == nil:
		return st, true, nil
	case !errors.Is(err, flowline.ErrStepAlreadyExists):
		return nil, false, err
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM flowline_steps WHERE workflow_id = $1 AND slug = $2`,
		st.WorkflowID.String(), st.Slug,
	)
	existing, scanErr := scanStep(row)
	if scanErr != nil {
		return nil, false, fmt.Errorf("flowline/postgres: fetch step after conflict: %w", scanErr)
	}
	return existing, false, nil
}

// UpdateStep persists changes to a step row. A row whose persisted state
// already records success is immutable and the update is refused.
func (s *Store) UpdateStep(ctx context.Context, st *step.Step) error {
	input, err := marshalMap(st.Input)
	if err != nil {
		return err
	}
	output, err := marshalMap(st.Output)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE flowline_steps SET
			input = $2, output = $3, succeeded_at = $4, failed_at = $5,
			error_message = $6, updated_at = NOW()
		WHERE id = $1 AND succeeded_at IS NULL`,
		st.ID.String(), input, output,
		st.SucceededAt, st.FailedAt, st.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("flowline/postgres: update step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from an immutable one.
		var exists bool
		if qErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM flowline_steps WHERE id = $1)`,
			st.ID.String(),
		).Scan(&exists); qErr != nil {
			return fmt.Errorf("flowline/postgres: check step: %w", qErr)
		}
		if exists {
			return flowline.ErrOutputImmutable
		}
		return flowline.ErrStepNotFound
	}
	return nil
}

// ListWorkflowSteps returns a workflow's step rows in creation order.
func (s *Store) ListWorkflowSteps(ctx context.Context, workflowID id.WorkflowID) ([]*step.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM flowline_steps
		 WHERE workflow_id = $1 ORDER BY created_at ASC, id ASC`,
		workflowID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("flowline/postgres: list steps: %w", err)
	}
	defer rows.Close()

	var out []*step.Step
	for rows.Next() {
		st, scanErr := scanStep(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("flowline/postgres: scan step row: %w", scanErr)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flowline/postgres: iterate step rows: %w", err)
	}
	return out, nil
}

// CountStepsBySlug reports how many step rows reference a slug.
func (s *Store) CountStepsBySlug(ctx context.Context, slug string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM flowline_steps WHERE slug = $1`, slug,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("flowline/postgres: count steps: %w", err)
	}
	return count, nil
}

func scanStep(row pgx.Row) (*step.Step, error) {
	var (
		st          step.Step
		idStr       string
		wfStr       string
		preceding   *string
		inputBytes  []byte
		outputBytes []byte
	)
	err := row.Scan(
		&idStr, &wfStr, &st.Slug, &preceding, &inputBytes, &outputBytes,
		&st.SucceededAt, &st.FailedAt, &st.ErrorMessage, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseStepID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("flowline/postgres: parse step id %q: %w", idStr, parseErr)
	}
	st.ID = parsedID

	parsedWF, parseErr := id.ParseWorkflowID(wfStr)
	if parseErr != nil {
		return nil, fmt.Errorf("flowline/postgres: parse workflow id %q: %w", wfStr, parseErr)
	}
	st.WorkflowID = parsedWF

	if preceding != nil {
		parsedPrev, prevErr := id.ParseStepID(*preceding)
		if prevErr != nil {
			return nil, fmt.Errorf("flowline/postgres: parse preceding step id %q: %w", *preceding, prevErr)
		}
		st.PrecedingStepID = &parsedPrev
	}

	if st.Input, err = unmarshalMap(inputBytes); err != nil {
		return nil, err
	}
	if st.Output, err = unmarshalMap(outputBytes); err != nil {
		return nil, err
	}
	return &st, nil
}

// ──────────────────────────────────────────────────
// registry.CatalogStore
// ──────────────────────────────────────────────────

// CreateCatalogEntry persists a new catalog row.
func (s *Store) CreateCatalogEntry(ctx context.Context, e *registry.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flowline_catalog (id, slug, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID.String(), e.Slug, e.Name, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("flowline/postgres: create catalog entry: %w", err)
	}
	return nil
}

// GetCatalogEntry retrieves a catalog row by slug.
func (s *Store) GetCatalogEntry(ctx context.Context, slug string) (*registry.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, slug, name, created_at, updated_at
		 FROM flowline_catalog WHERE slug = $1`,
		slug,
	)
	return scanCatalogEntry(row, "get catalog entry")
}

// GetCatalogEntryByName retrieves a catalog row by display name.
func (s *Store) GetCatalogEntryByName(ctx context.Context, name string) (*registry.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, slug, name, created_at, updated_at
		 FROM flowline_catalog WHERE name = $1 LIMIT 1`,
		name,
	)
	return scanCatalogEntry(row, "get catalog entry by name")
}

// UpdateCatalogEntry persists changes to a catalog row, looked up by ID.
func (s *Store) UpdateCatalogEntry(ctx context.Context, e *registry.Entry) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE flowline_catalog SET slug = $2, name = $3, updated_at = NOW()
		WHERE id = $1`,
		e.ID.String(), e.Slug, e.Name,
	)
	if err != nil {
		return fmt.Errorf("flowline/postgres: update catalog entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flowline.ErrCatalogNotFound
	}
	return nil
}

// DeleteCatalogEntry removes a catalog row by slug.
func (s *Store) DeleteCatalogEntry(ctx context.Context, slug string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM flowline_catalog WHERE slug = $1`, slug,
	)
	if err != nil {
		return fmt.Errorf("flowline/postgres: delete catalog entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flowline.ErrCatalogNotFound
	}
	return nil
}

// ListCatalogEntries returns all catalog rows ordered by slug.
func (s *Store) ListCatalogEntries(ctx context.Context) ([]*registry.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, slug, name, created_at, updated_at
		 FROM flowline_catalog ORDER BY slug ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("flowline/postgres: list catalog entries: %w", err)
	}
	defer rows.Close()

	var out []*registry.Entry
	for rows.Next() {
		e, scanErr := scanCatalogEntry(rows, "scan catalog row")
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flowline/postgres: iterate catalog rows: %w", err)
	}
	return out, nil
}

func scanCatalogEntry(row pgx.Row, op string) (*registry.Entry, error) {
	var (
		e     registry.Entry
		idStr string
	)
	err := row.Scan(&idStr, &e.Slug, &e.Name, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, flowline.ErrCatalogNotFound
		}
		return nil, fmt.Errorf("flowline/postgres: %s: %w", op, err)
	}

	parsedID, parseErr := id.ParseCatalogID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("flowline/postgres: parse catalog id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID
	return &e, nil
}
