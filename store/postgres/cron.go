package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/cron"
	"github.com/flowline-dev/flowline/id"
)

// ──────────────────────────────────────────────────
// cron.Store
// ──────────────────────────────────────────────────

const scheduleColumns = `
	id, name, expression, definition_slug, subject_ref, input, enabled,
	last_run_at, next_run_at, created_at, updated_at`

// CreateSchedule persists a new schedule. The unique constraint on name
// surfaces as flowline.ErrDuplicateSchedule.
func (s *Store) CreateSchedule(ctx context.Context, sched *cron.Schedule) error {
	input, err := marshalMap(sched.Input)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO flowline_schedules (
			id, name, expression, definition_slug, subject_ref, input, enabled,
			last_run_at, next_run_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sched.ID.String(), sched.Name, sched.Expression, sched.DefinitionSlug,
		sched.SubjectRef, input, sched.Enabled,
		sched.LastRunAt, sched.NextRunAt, sched.CreatedAt, sched.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return flowline.ErrDuplicateSchedule
		}
		return fmt.Errorf("flowline/postgres: create schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, scheduleID id.ScheduleID) (*cron.Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM flowline_schedules WHERE id = $1`,
		scheduleID.String(),
	)

	sched, err := scanSchedule(row)
	if err != nil {
		if isNoRows(err) {
			return nil, flowline.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("flowline/postgres: get schedule: %w", err)
	}
	return sched, nil
}

// UpdateSchedule persists changes to an existing schedule.
func (s *Store) UpdateSchedule(ctx context.Context, sched *cron.Schedule) error {
	input, err := marshalMap(sched.Input)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE flowline_schedules SET
			name = $2, expression = $3, definition_slug = $4, subject_ref = $5,
			input = $6, enabled = $7, last_run_at = $8, next_run_at = $9,
			updated_at = NOW()
		WHERE id = $1`,
		sched.ID.String(), sched.Name, sched.Expression, sched.DefinitionSlug,
		sched.SubjectRef, input, sched.Enabled, sched.LastRunAt, sched.NextRunAt,
	)
	if err != nil {
		return fmt.Errorf("flowline/postgres: update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flowline.ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM flowline_schedules WHERE id = $1`,
		scheduleID.String(),
	)
	if err != nil {
		return fmt.Errorf("flowline/postgres: delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flowline.ErrScheduleNotFound
	}
	return nil
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*cron.Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM flowline_schedules ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("flowline/postgres: list schedules: %w", err)
	}
	defer rows.Close()

	var out []*cron.Schedule
	for rows.Next() {
		sched, scanErr := scanSchedule(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("flowline/postgres: scan schedule row: %w", scanErr)
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flowline/postgres: iterate schedule rows: %w", err)
	}
	return out, nil
}

// AcquireScheduleLock takes the schedule's TTL lock in one conditional
// update: it succeeds when the lock is free, expired, or already held by the
// same holder.
func (s *Store) AcquireScheduleLock(ctx context.Context, scheduleID id.ScheduleID, holder id.WorkerID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)
	tag, err := s.pool.Exec(ctx, `
		UPDATE flowline_schedules SET locked_by = $2, locked_until = $3
		WHERE id = $1
		  AND (locked_until IS NULL OR locked_until < NOW() OR locked_by = $2)`,
		scheduleID.String(), holder.String(), until,
	)
	if err != nil {
		return false, fmt.Errorf("flowline/postgres: acquire schedule lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseScheduleLock drops the holder's lock; another holder's lock is left
// alone.
func (s *Store) ReleaseScheduleLock(ctx context.Context, scheduleID id.ScheduleID, holder id.WorkerID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE flowline_schedules SET locked_by = '', locked_until = NULL
		WHERE id = $1 AND locked_by = $2`,
		scheduleID.String(), holder.String(),
	)
	if err != nil {
		return fmt.Errorf("flowline/postgres: release schedule lock: %w", err)
	}
	return nil
}

func scanSchedule(row pgx.Row) (*cron.Schedule, error) {
	var (
		sched      cron.Schedule
		idStr      string
		inputBytes []byte
	)
	err := row.Scan(
		&idStr, &sched.Name, &sched.Expression, &sched.DefinitionSlug,
		&sched.SubjectRef, &inputBytes, &sched.Enabled,
		&sched.LastRunAt, &sched.NextRunAt, &sched.CreatedAt, &sched.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseScheduleID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("flowline/postgres: parse schedule id %q: %w", idStr, parseErr)
	}
	sched.ID = parsedID

	if sched.Input, err = unmarshalMap(inputBytes); err != nil {
		return nil, err
	}
	return &sched, nil
}
