package flowline

import "time"

// Config holds configuration for the engine and its worker pool.
type Config struct {
	// Concurrency is the maximum number of step tasks processed concurrently.
	Concurrency int

	// PollInterval is how often idle workers poll for ready tasks.
	PollInterval time.Duration

	// TaskTimeout is the default per-task execution deadline. Zero disables
	// the deadline. Individual definitions may override it.
	TaskTimeout time.Duration

	// SubmitRetries is how many times a failed task submission is retried
	// before the dispatch failure escalates to a step failure.
	SubmitRetries int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// HeartbeatInterval is how often running tasks send heartbeats.
	HeartbeatInterval time.Duration

	// StaleTaskThreshold is how long before a running task without a
	// heartbeat is considered abandoned and returned to pending.
	StaleTaskThreshold time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		PollInterval:       time.Second,
		TaskTimeout:        5 * time.Minute,
		SubmitRetries:      3,
		ShutdownTimeout:    30 * time.Second,
		HeartbeatInterval:  10 * time.Second,
		StaleTaskThreshold: 30 * time.Second,
	}
}
