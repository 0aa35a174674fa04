package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/dispatch"
	"github.com/flowline-dev/flowline/id"
)

// ──────────────────────────────────────────────────
// dispatch.TaskStore
// ──────────────────────────────────────────────────

const taskColumns = `
	id, execution_id, step_status_id, slug, stage, input, state,
	attempts, max_attempts, run_at, leased_by, lease_expires, error_message,
	created_at, updated_at`

// EnqueueTask inserts a task unless the step status already has a live one.
// The partial unique index on step_status_id settles concurrent enqueues;
// the loser reads and returns the winner's task.
func (s *Store) EnqueueTask(ctx context.Context, t *dispatch.Task) (*dispatch.Task, bool, error) {
	input, err := marshalMap(t.Input)
	if err != nil {
		return nil, false, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO flowline_tasks (
			id, execution_id, step_status_id, slug, stage, input, state,
			attempts, max_attempts, run_at, leased_by, lease_expires, error_message,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (step_status_id) WHERE state IN ('ready', 'running') DO NOTHING`,
		t.ID.String(), t.ExecutionID.String(), t.StepStatusID.String(), t.Slug,
		t.Stage, input, string(t.State),
		t.Attempts, t.MaxAttempts, t.RunAt, workerString(t.LeasedBy), t.LeaseExpires,
		t.ErrorMessage, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("flowline/postgres: enqueue task: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return t, true, nil
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM flowline_tasks
		 WHERE step_status_id = $1 AND state IN ('ready', 'running')`,
		t.StepStatusID.String(),
	)
	existing, scanErr := scanTask(row)
	if scanErr != nil {
		return nil, false, fmt.Errorf("flowline/postgres: fetch task after conflict: %w", scanErr)
	}
	return existing, false, nil
}

// DequeueTasks atomically leases up to limit ready tasks for the worker,
// using FOR UPDATE SKIP LOCKED so concurrent workers never double-claim.
func (s *Store) DequeueTasks(ctx context.Context, workerID id.WorkerID, limit int, lease time.Duration) ([]*dispatch.Task, error) {
	expires := time.Now().UTC().Add(lease)

	rows, err := s.pool.Query(ctx, `
		WITH leased AS (
			UPDATE flowline_tasks
			SET state = 'running', leased_by = $1, lease_expires = $2, updated_at = NOW()
			WHERE id IN (
				SELECT id FROM flowline_tasks
				WHERE state = 'ready' AND run_at <= NOW()
				ORDER BY run_at ASC, id ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $3
			)
			RETURNING `+taskColumns+`
		)
		SELECT * FROM leased ORDER BY run_at ASC, id ASC`,
		workerID.String(), expires, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("flowline/postgres: dequeue tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// CompleteTask settles a task as succeeded and releases its lease, freeing
// the step status for a future re-enqueue.
func (s *Store) CompleteTask(ctx context.Context, taskID id.TaskID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE flowline_tasks SET
			state = 'succeeded', leased_by = '', lease_expires = NULL, updated_at = NOW()
		WHERE id = $1`,
		taskID.String(),
	)
	if err != nil {
		return fmt.Errorf("flowline/postgres: complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flowline.ErrTaskNotFound
	}
	return nil
}

// FailTask records a failed attempt. With retryAt set the task returns to
// ready at that time; otherwise it settles as failed.
func (s *Store) FailTask(ctx context.Context, taskID id.TaskID, errMessage string, retryAt *time.Time) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if retryAt != nil {
		tag, err = s.pool.Exec(ctx, `
			UPDATE flowline_tasks SET
				state = 'ready', attempts = attempts + 1, error_message = $2,
				run_at = $3, leased_by = '', lease_expires = NULL, updated_at = NOW()
			WHERE id = $1`,
			taskID.String(), errMessage, retryAt.UTC(),
		)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE flowline_tasks SET
				state = 'failed', attempts = attempts + 1, error_message = $2,
				leased_by = '', lease_expires = NULL, updated_at = NOW()
			WHERE id = $1`,
			taskID.String(), errMessage,
		)
	}
	if err != nil {
		return fmt.Errorf("flowline/postgres: fail task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flowline.ErrTaskNotFound
	}
	return nil
}

// ExtendLeases renews the lease on every task the worker is running.
func (s *Store) ExtendLeases(ctx context.Context, workerID id.WorkerID, lease time.Duration) error {
	expires := time.Now().UTC().Add(lease)
	_, err := s.pool.Exec(ctx, `
		UPDATE flowline_tasks SET lease_expires = $2, updated_at = NOW()
		WHERE state = 'running' AND leased_by = $1`,
		workerID.String(), expires,
	)
	if err != nil {
		return fmt.Errorf("flowline/postgres: extend leases: %w", err)
	}
	return nil
}

// ReapExpiredTasks returns running tasks with expired leases to ready.
func (s *Store) ReapExpiredTasks(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE flowline_tasks SET
			state = 'ready', run_at = NOW(), leased_by = '', lease_expires = NULL,
			updated_at = NOW()
		WHERE state = 'running' AND lease_expires IS NOT NULL AND lease_expires < NOW()`,
	)
	if err != nil {
		return 0, fmt.Errorf("flowline/postgres: reap expired tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*dispatch.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM flowline_tasks WHERE id = $1`,
		taskID.String(),
	)

	t, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, flowline.ErrTaskNotFound
		}
		return nil, fmt.Errorf("flowline/postgres: get task: %w", err)
	}
	return t, nil
}

// ListExecutionTasks returns an execution's tasks in creation order.
func (s *Store) ListExecutionTasks(ctx context.Context, executionID id.ExecutionID) ([]*dispatch.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM flowline_tasks
		 WHERE execution_id = $1 ORDER BY created_at ASC, id ASC`,
		executionID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("flowline/postgres: list execution tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func scanTask(row pgx.Row) (*dispatch.Task, error) {
	var (
		t          dispatch.Task
		idStr      string
		execStr    string
		statusStr  string
		stateStr   string
		leasedStr  string
		inputBytes []byte
	)
	err := row.Scan(
		&idStr, &execStr, &statusStr, &t.Slug, &t.Stage, &inputBytes, &stateStr,
		&t.Attempts, &t.MaxAttempts, &t.RunAt, &leasedStr, &t.LeaseExpires,
		&t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.State = dispatch.TaskState(stateStr)

	parsedID, parseErr := id.ParseTaskID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("flowline/postgres: parse task id %q: %w", idStr, parseErr)
	}
	t.ID = parsedID

	parsedExec, parseErr := id.ParseExecutionID(execStr)
	if parseErr != nil {
		return nil, fmt.Errorf("flowline/postgres: parse execution id %q: %w", execStr, parseErr)
	}
	t.ExecutionID = parsedExec

	parsedStatus, parseErr := id.ParseStepStatusID(statusStr)
	if parseErr != nil {
		return nil, fmt.Errorf("flowline/postgres: parse step status id %q: %w", statusStr, parseErr)
	}
	t.StepStatusID = parsedStatus

	if leasedStr != "" {
		parsedWorker, workerErr := id.ParseWorkerID(leasedStr)
		if workerErr == nil {
			t.LeasedBy = parsedWorker
		}
	}

	if t.Input, err = unmarshalMap(inputBytes); err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*dispatch.Task, error) {
	var out []*dispatch.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("flowline/postgres: scan task row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flowline/postgres: iterate task rows: %w", err)
	}
	return out, nil
}

// workerString renders a worker ID as its TEXT column value, '' when unset.
func workerString(w id.WorkerID) string {
	if w.IsNil() {
		return ""
	}
	return w.String()
}
