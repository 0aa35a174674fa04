package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowline-dev/flowline/dispatch"
	"github.com/flowline-dev/flowline/id"
)

// Pool manages concurrent worker goroutines that lease tasks from the store
// and execute them. Each pool holds one worker identity; leases it takes are
// renewed by the heartbeat loop and reclaimed by the reaper loop when
// another pool's owner died.
type Pool struct {
	tasks    dispatch.TaskStore
	executor *Executor

	concurrency  int
	pollInterval time.Duration
	lease        time.Duration
	heartbeat    time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	active   map[string]context.CancelFunc
	activeMu sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how often idle workers poll for tasks.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLease sets how long a dequeued task stays leased without a heartbeat.
func WithLease(d time.Duration) PoolOption {
	return func(p *Pool) { p.lease = d }
}

// WithHeartbeat sets the lease renewal interval. Zero disables renewal and
// reaping.
func WithHeartbeat(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeat = d }
}

// NewPool creates a worker pool.
func NewPool(tasks dispatch.TaskStore, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		tasks:        tasks,
		executor:     executor,
		concurrency:  10,
		pollInterval: time.Second,
		lease:        30 * time.Second,
		heartbeat:    10 * time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		active:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's worker identity.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines and returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	if p.heartbeat > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them. If the context
// expires first, contexts of in-flight tasks are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling in-flight tasks")
		p.cancelActive()
		p.wg.Wait()
	}

	return nil
}

func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		leased, err := p.tasks.DequeueTasks(context.Background(), p.workerID, 1, p.lease)
		if err != nil {
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}
		if len(leased) == 0 {
			p.sleep()
			continue
		}

		t := leased[0]
		ctx, cancel := context.WithCancel(context.Background())
		p.track(t.ID.String(), cancel)

		if execErr := p.executor.Execute(ctx, t); execErr != nil {
			p.logger.Debug("task execution error",
				slog.String("task_id", t.ID.String()),
				slog.String("slug", t.Slug),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrack(t.ID.String())
		cancel()
	}
}

func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.tasks.ExtendLeases(context.Background(), p.workerID, p.lease); err != nil {
				p.logger.Warn("lease renewal failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.lease)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			n, err := p.tasks.ReapExpiredTasks(context.Background())
			if err != nil {
				p.logger.Error("reap error", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				p.logger.Info("reaped expired task leases", slog.Int("count", n))
			}
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) track(taskID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[taskID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(taskID string) {
	p.activeMu.Lock()
	delete(p.active, taskID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for taskID, cancel := range p.active {
		p.logger.Warn("cancelling in-flight task", slog.String("task_id", taskID))
		cancel()
	}
}
