// Package engine wires the flowline subsystems together: the action
// registry, both orchestration flavors, the dispatcher, the worker pool,
// and the cron scheduler, all over one store.
//
// This package exists to break the import cycle: the root flowline package
// defines Entity (imported by step, exec, dispatch, etc.) and so cannot
// import those packages back. The engine package sits above all subsystem
// packages and below the application layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/backoff"
	"github.com/flowline-dev/flowline/cron"
	"github.com/flowline-dev/flowline/dispatch"
	"github.com/flowline-dev/flowline/exec"
	mw "github.com/flowline-dev/flowline/middleware"
	"github.com/flowline-dev/flowline/queue"
	"github.com/flowline-dev/flowline/registry"
	"github.com/flowline-dev/flowline/store"
	"github.com/flowline-dev/flowline/worker"
	"github.com/flowline-dev/flowline/workflow"
)

// Engine is the assembled system. Construct one with New, register actions
// and definitions, then Start it.
type Engine struct {
	cfg      flowline.Config
	store    store.Store
	registry *registry.Registry
	limiter  *queue.Limiter
	bo       backoff.Strategy
	mws      []mw.Middleware
	logger   *slog.Logger

	// Sequential flavor.
	sequential *workflow.Runner

	// Dispatched flavor.
	dispatcher *dispatch.Dispatcher
	runner     *dispatch.Runner
	pool       *worker.Pool
	scheduler  *cron.Scheduler

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg flowline.Config) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithBackoff sets the retry backoff strategy shared by task submission and
// task-level retries. If not set, backoff.Default() is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithMiddleware appends middleware to the default execution chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithLimiter sets the launch rate limiter. Without one every launch is
// allowed.
func WithLimiter(lim *queue.Limiter) Option {
	return func(eng *Engine) { eng.limiter = lim }
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, the metrics
// middleware uses this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New assembles an Engine over one store backend.
func New(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, flowline.ErrNoStore
	}

	eng := &Engine{
		cfg:    flowline.DefaultConfig(),
		store:  st,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.bo == nil {
		eng.bo = backoff.Default()
	}
	if eng.limiter == nil {
		eng.limiter = queue.NewLimiter()
	}

	eng.registry = registry.New(registry.WithLogger(eng.logger))
	eng.sequential = workflow.NewRunner(st, st, eng.registry, workflow.WithLogger(eng.logger))

	eng.dispatcher = dispatch.NewDispatcher(st,
		dispatch.WithRetryStrategy(eng.bo),
		dispatch.WithSubmitRetries(eng.cfg.SubmitRetries),
		dispatch.WithDispatcherLogger(eng.logger),
	)
	eng.runner = dispatch.NewRunner(st, st, eng.dispatcher, eng.registry,
		dispatch.WithRunnerLogger(eng.logger),
	)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/flowline-dev/flowline"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/flowline-dev/flowline"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default stack: recover → tracing → metrics → logging → timeout.
	allMws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
	}
	if eng.cfg.TaskTimeout > 0 {
		allMws = append(allMws, mw.Timeout(eng.cfg.TaskTimeout))
	}
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(eng.registry, eng.runner, st, eng.bo, eng.logger, allMws...)
	eng.pool = worker.NewPool(st, executor, eng.logger,
		worker.WithConcurrency(eng.cfg.Concurrency),
		worker.WithPollInterval(eng.cfg.PollInterval),
		worker.WithLease(eng.cfg.StaleTaskThreshold),
		worker.WithHeartbeat(eng.cfg.HeartbeatInterval),
	)

	eng.scheduler = cron.NewScheduler(st, eng.StartExecution, eng.pool.WorkerID(), eng.logger)

	return eng, nil
}

// RegisterAction registers a step action with the engine's registry.
func (eng *Engine) RegisterAction(a registry.Action) error {
	return eng.registry.Register(a)
}

// RegisterDefinition persists a dispatched-flavor definition. Every leaf
// slug must already be registered as an action.
func (eng *Engine) RegisterDefinition(ctx context.Context, d *exec.Definition) error {
	for _, stage := range d.Stages() {
		for _, slug := range stage.Slugs {
			if _, err := eng.registry.Get(slug); err != nil {
				return err
			}
		}
	}
	return eng.store.CreateDefinition(ctx, d)
}

// RegisterSchedule validates and persists a cron schedule for a definition.
// Re-registration of the same name is idempotent.
func (eng *Engine) RegisterSchedule(ctx context.Context, sched *cron.Schedule) error {
	err := eng.scheduler.Register(ctx, sched)
	if errors.Is(err, flowline.ErrDuplicateSchedule) {
		return nil
	}
	return err
}

// StartExecution launches a dispatched-flavor execution, subject to the
// launch limiter.
func (eng *Engine) StartExecution(ctx context.Context, definitionSlug, subjectRef string, input map[string]any) (*exec.Execution, error) {
	if !eng.limiter.Allow(definitionSlug) {
		return nil, fmt.Errorf("%w: %s", flowline.ErrLaunchThrottled, definitionSlug)
	}
	return eng.runner.Start(ctx, definitionSlug, subjectRef, input)
}

// LaunchWorkflow runs a sequential-flavor workflow to completion in the
// caller's goroutine, subject to the launch limiter.
func (eng *Engine) LaunchWorkflow(ctx context.Context, def *workflow.Definition, subjectRef string, input map[string]any) (*workflow.Workflow, map[string]any, error) {
	if !eng.limiter.Allow(def.Slug()) {
		return nil, nil, fmt.Errorf("%w: %s", flowline.ErrLaunchThrottled, def.Slug())
	}
	return eng.sequential.Launch(ctx, def, subjectRef, input)
}

// Start verifies the store, syncs the action catalog, resumes interrupted
// executions, and starts the scheduler and worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.store.Ping(ctx); err != nil {
		return fmt.Errorf("engine: store ping: %w", err)
	}

	if err := eng.registry.Sync(ctx, eng.store); err != nil {
		return fmt.Errorf("engine: catalog sync: %w", err)
	}
	// Orphan cleanup is best-effort; a failure shouldn't block startup.
	if err := eng.registry.Cleanup(ctx, eng.store, eng.store); err != nil {
		eng.logger.Warn("catalog cleanup failed", slog.String("error", err.Error()))
	}

	// Re-dispatch whatever was in flight when the previous process died.
	if err := eng.runner.Resume(ctx); err != nil {
		eng.logger.Warn("failed to resume executions", slog.String("error", err.Error()))
	}

	if err := eng.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("engine: start scheduler: %w", err)
	}
	return eng.pool.Start(ctx)
}

// Stop shuts the scheduler and pool down. The store is the caller's to
// close.
func (eng *Engine) Stop(ctx context.Context) error {
	if err := eng.scheduler.Stop(ctx); err != nil {
		eng.logger.Error("scheduler stop error", slog.String("error", err.Error()))
	}
	return eng.pool.Stop(ctx)
}

// Store returns the engine's store.
func (eng *Engine) Store() store.Store { return eng.store }

// Registry returns the action registry.
func (eng *Engine) Registry() *registry.Registry { return eng.registry }

// Runner returns the dispatched-flavor orchestrator.
func (eng *Engine) Runner() *dispatch.Runner { return eng.runner }

// SequentialRunner returns the sequential-flavor runner.
func (eng *Engine) SequentialRunner() *workflow.Runner { return eng.sequential }

// Scheduler returns the cron scheduler.
func (eng *Engine) Scheduler() *cron.Scheduler { return eng.scheduler }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Limiter returns the launch rate limiter.
func (eng *Engine) Limiter() *queue.Limiter { return eng.limiter }
