// Package cron launches workflow executions on recurring schedules. A
// Schedule row names a definition and a cron expression; the Scheduler polls
// for due schedules and starts an execution for each, guarded by a
// per-schedule lock so concurrent schedulers never double-fire.
package cron

import (
	"context"
	"time"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/id"
)

// Schedule is a persisted recurring launch of one workflow definition.
type Schedule struct {
	flowline.Entity

	ID   id.ScheduleID `json:"id"`
	Name string        `json:"name"`

	// Expression is a standard 5-field cron expression or a descriptor
	// like "@every 30s".
	Expression string `json:"expression"`

	DefinitionSlug string         `json:"definition_slug"`
	SubjectRef     string         `json:"subject_ref,omitempty"`
	Input          map[string]any `json:"input,omitempty"`

	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// NewSchedule returns an enabled schedule. NextRunAt is computed from the
// expression at registration time by the Scheduler.
func NewSchedule(name, expression, definitionSlug string, input map[string]any) *Schedule {
	return &Schedule{
		Entity:         flowline.NewEntity(),
		ID:             id.NewScheduleID(),
		Name:           name,
		Expression:     expression,
		DefinitionSlug: definitionSlug,
		Input:          input,
		Enabled:        true,
	}
}

// Store defines persistence for schedules. Backends enforce uniqueness on
// schedule name.
type Store interface {
	// CreateSchedule persists a new schedule. Returns
	// flowline.ErrDuplicateSchedule when the name is taken.
	CreateSchedule(ctx context.Context, s *Schedule) error

	// GetSchedule retrieves a schedule by ID. Returns
	// flowline.ErrScheduleNotFound when absent.
	GetSchedule(ctx context.Context, scheduleID id.ScheduleID) (*Schedule, error)

	// UpdateSchedule persists changes to an existing schedule.
	UpdateSchedule(ctx context.Context, s *Schedule) error

	// DeleteSchedule removes a schedule.
	DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error

	// ListSchedules returns all schedules ordered by name.
	ListSchedules(ctx context.Context) ([]*Schedule, error)

	// AcquireScheduleLock takes a TTL lock on a schedule for one firing.
	// Returns false when another holder has it.
	AcquireScheduleLock(ctx context.Context, scheduleID id.ScheduleID, holder id.WorkerID, ttl time.Duration) (bool, error)

	// ReleaseScheduleLock drops the holder's lock.
	ReleaseScheduleLock(ctx context.Context, scheduleID id.ScheduleID, holder id.WorkerID) error
}
