// Package exec implements the asynchronous orchestration flavor: persisted
// workflow definitions composed of steps and groups, execution records with
// an explicit status machine, and per-step status rows updated by dispatched
// tasks.
//
// Unlike the sequential flavor, nothing here runs in the caller's goroutine:
// an execution is advanced stage by stage through the dispatch layer, and
// its status rows are the only coordination point between workers.
package exec

import "github.com/flowline-dev/flowline"

// Status is the lifecycle state of an execution or one of its steps.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"

	// StatusAborted and StatusSkipped are administrative: they are only
	// ever set by an operator, never by the engine itself.
	StatusAborted Status = "aborted"
	StatusSkipped Status = "skipped"
)

// Statuses lists every valid status value.
var Statuses = []Status{
	StatusPending, StatusInProgress, StatusCompleted,
	StatusFailed, StatusAborted, StatusSkipped,
}

// transitions is the closed set of permitted moves. Completed, aborted, and
// skipped are final: once written they win against any straggler update.
// Failed permits re-entry to in_progress so an explicit retry can run, and
// is reachable straight from pending for steps that cannot start at all.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusFailed, StatusAborted, StatusSkipped},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusAborted},
	StatusFailed:     {StatusInProgress, StatusAborted, StatusSkipped},
	StatusCompleted:  {},
	StatusAborted:    {},
	StatusSkipped:    {},
}

// Valid reports whether s is one of the declared status values.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusSkipped
}

// Administrative reports whether s may only be set by an operator.
func (s Status) Administrative() bool {
	return s == StatusAborted || s == StatusSkipped
}

// CanTransition reports whether the move from s to next is permitted.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CheckTransition returns flowline.ErrInvalidTransition when the move from s
// to next is not permitted.
func (s Status) CheckTransition(next Status) error {
	if !s.CanTransition(next) {
		return flowline.ErrInvalidTransition
	}
	return nil
}
