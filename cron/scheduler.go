package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/flowline-dev/flowline/exec"
	"github.com/flowline-dev/flowline/id"
)

// LaunchFunc starts an execution of a definition. The scheduler depends on
// this callback rather than on the dispatch runner directly, so the engine
// wires the two together.
type LaunchFunc func(ctx context.Context, definitionSlug, subjectRef string, input map[string]any) (*exec.Execution, error)

// cronParser accepts standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Parse parses a cron expression.
func Parse(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler polls the schedule store and launches due executions.
type Scheduler struct {
	store    Store
	launch   LaunchFunc
	workerID id.WorkerID
	logger   *slog.Logger

	tickInterval time.Duration
	lockTTL      time.Duration

	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due schedules.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLockTTL sets the TTL of the per-schedule firing lock.
func WithLockTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.lockTTL = d }
}

// NewScheduler creates a Scheduler.
func NewScheduler(store Store, launch LaunchFunc, workerID id.WorkerID, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:        store,
		launch:       launch,
		workerID:     workerID,
		logger:       logger,
		tickInterval: time.Second,
		lockTTL:      30 * time.Second,
		parsed:       make(map[string]cronlib.Schedule),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register validates a schedule's expression, stamps its first NextRunAt,
// and persists it.
func (s *Scheduler) Register(ctx context.Context, sched *Schedule) error {
	parsed, err := s.schedule(sched.Expression)
	if err != nil {
		return err
	}
	next := parsed.Next(time.Now().UTC())
	sched.NextRunAt = &next
	return s.store.CreateSchedule(ctx, sched)
}

// Start launches the tick goroutine and returns immediately.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("scheduler started",
		slog.String("worker_id", s.workerID.String()),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler and waits for the tick goroutine.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(context.Background())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		s.logger.Error("list schedules error", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if !sched.Enabled {
			continue
		}
		if sched.NextRunAt == nil || sched.NextRunAt.After(now) {
			continue
		}
		s.fire(ctx, sched, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) {
	acquired, err := s.store.AcquireScheduleLock(ctx, sched.ID, s.workerID, s.lockTTL)
	if err != nil {
		s.logger.Error("schedule lock error",
			slog.String("schedule", sched.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if relErr := s.store.ReleaseScheduleLock(ctx, sched.ID, s.workerID); relErr != nil {
			s.logger.Error("schedule unlock error",
				slog.String("schedule", sched.Name),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	e, launchErr := s.launch(ctx, sched.DefinitionSlug, sched.SubjectRef, sched.Input)
	if launchErr != nil {
		s.logger.Error("scheduled launch failed",
			slog.String("schedule", sched.Name),
			slog.String("definition", sched.DefinitionSlug),
			slog.String("error", launchErr.Error()),
		)
		return
	}

	sched.LastRunAt = &now
	parsed, parseErr := s.schedule(sched.Expression)
	if parseErr != nil {
		s.logger.Error("schedule expression error",
			slog.String("schedule", sched.Name),
			slog.String("expression", sched.Expression),
			slog.String("error", parseErr.Error()),
		)
	} else {
		next := parsed.Next(now)
		sched.NextRunAt = &next
	}
	sched.Touch()
	if updateErr := s.store.UpdateSchedule(ctx, sched); updateErr != nil {
		s.logger.Error("schedule update error",
			slog.String("schedule", sched.Name),
			slog.String("error", updateErr.Error()),
		)
	}

	s.logger.Info("schedule fired",
		slog.String("schedule", sched.Name),
		slog.String("definition", sched.DefinitionSlug),
		slog.String("execution_id", e.ID.String()),
	)
}

func (s *Scheduler) schedule(expr string) (cronlib.Schedule, error) {
	s.parsedMu.RLock()
	parsed, ok := s.parsed[expr]
	s.parsedMu.RUnlock()
	if ok {
		return parsed, nil
	}

	parsed, err := Parse(expr)
	if err != nil {
		return nil, err
	}

	s.parsedMu.Lock()
	s.parsed[expr] = parsed
	s.parsedMu.Unlock()
	return parsed, nil
}
