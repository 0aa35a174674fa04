package flowline

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("flowline: no store configured")
	ErrStoreClosed = errors.New("flowline: store closed")

	// Not found errors.
	ErrStepNotFound       = errors.New("flowline: step not found")
	ErrWorkflowNotFound   = errors.New("flowline: workflow not found")
	ErrDefinitionNotFound = errors.New("flowline: workflow definition not found")
	ErrExecutionNotFound  = errors.New("flowline: execution not found")
	ErrStepStatusNotFound = errors.New("flowline: execution step status not found")
	ErrTaskNotFound       = errors.New("flowline: task not found")
	ErrCatalogNotFound    = errors.New("flowline: catalog entry not found")
	ErrScheduleNotFound   = errors.New("flowline: schedule not found")

	// Conflict errors.
	ErrStepAlreadyExists = errors.New("flowline: step already exists")
	ErrDuplicateSchedule = errors.New("flowline: duplicate schedule")

	// State errors.
	ErrInvalidTransition = errors.New("flowline: invalid status transition")
	ErrOutputImmutable   = errors.New("flowline: step output is immutable after success")
	ErrLaunchThrottled   = errors.New("flowline: workflow launch throttled")
)

// ValidationError reports a typed-record value that failed schema checks at
// construction. It is always immediate; values are never silently coerced.
type ValidationError struct {
	Schema string // schema name
	Field  string // offending field, empty for schema-level problems
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("flowline: record %s: %s", e.Schema, e.Reason)
	}
	return fmt.Sprintf("flowline: record %s: field %q: %s", e.Schema, e.Field, e.Reason)
}

// StepExecutionError wraps an error raised by a step's business logic.
// The wrapper carries the step slug so workflow-level failures retain the
// first failing step's identity and message.
type StepExecutionError struct {
	Slug string
	Err  error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("flowline: step %q failed: %v", e.Slug, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// RegistryError reports an unknown or stale step identifier. It is a
// programmer/configuration error: encountering one at execute time means a
// persisted row references a slug no longer present in the live registry.
type RegistryError struct {
	Slug   string
	Reason string
}

func (e *RegistryError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("flowline: registry: slug %q: %s", e.Slug, e.Reason)
	}
	return fmt.Sprintf("flowline: no step registered for slug %q", e.Slug)
}

// DispatchError reports a task-submission infrastructure failure, distinct
// from a business step failure. The dispatch layer retries these with
// backoff before escalating to a step failure.
type DispatchError struct {
	Op  string // "submit", "chain", ...
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("flowline: dispatch %s: %v", e.Op, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
