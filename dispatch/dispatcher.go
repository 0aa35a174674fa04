package dispatch

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/backoff"
)

// Dispatcher submits tasks to the durable queue, absorbing transient store
// failures with bounded, backed-off retries. Submission failure is an
// infrastructure condition, kept distinct from a step failing on its own
// input.
type Dispatcher struct {
	tasks   TaskStore
	retry   backoff.Strategy
	retries int
	logger  *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRetryStrategy overrides the submission retry backoff.
func WithRetryStrategy(s backoff.Strategy) DispatcherOption {
	return func(d *Dispatcher) { d.retry = s }
}

// WithSubmitRetries sets how many times a failed submission is retried.
func WithSubmitRetries(n int) DispatcherOption {
	return func(d *Dispatcher) { d.retries = n }
}

// WithDispatcherLogger sets the dispatcher's logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher wires a Dispatcher to its task store.
func NewDispatcher(tasks TaskStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		tasks:   tasks,
		retry:   backoff.Default(),
		retries: 3,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit enqueues one task. Store errors are retried with backoff; after the
// budget is spent a *flowline.DispatchError wrapping the last cause is
// returned. Deduplication in the store makes redundant submissions cheap.
func (d *Dispatcher) Submit(ctx context.Context, t *Task) (*Task, error) {
	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			delay := d.retry.Delay(attempt)
			d.logger.Warn("retrying task submission",
				slog.String("task_id", t.ID.String()),
				slog.String("slug", t.Slug),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return nil, &flowline.DispatchError{Op: "submit", Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		stored, created, err := d.tasks.EnqueueTask(ctx, t)
		if err == nil {
			if !created {
				d.logger.Debug("task already queued for step status",
					slog.String("slug", t.Slug),
					slog.String("task_id", stored.ID.String()),
				)
			}
			return stored, nil
		}
		lastErr = err
	}
	return nil, &flowline.DispatchError{Op: "submit", Err: lastErr}
}

// SubmitAll enqueues a stage's tasks concurrently and returns the first
// unrecoverable submission failure. Store-level deduplication makes a
// partially submitted stage safe to resubmit.
func (d *Dispatcher) SubmitAll(ctx context.Context, tasks []*Task) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			_, err := d.Submit(ctx, t)
			return err
		})
	}
	return g.Wait()
}
