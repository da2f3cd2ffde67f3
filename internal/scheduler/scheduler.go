// Package scheduler drives phase-by-phase workflow execution: it applies
// the concurrency ceiling, runs each task's retry loop, propagates
// failures (cascading skips, critical aborts), and assembles the
// execution report.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/skaldworks/weft"
	"github.com/skaldworks/weft/internal/eventbus"
	"github.com/skaldworks/weft/internal/planner"
	"github.com/sourcegraph/conc/pool"
)

// SleepFunc waits for d or until ctx is done. Injectable so backoff
// tests don't wait on the wall clock.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Scheduler implements weft.Scheduler.
type Scheduler struct {
	handlers       map[string]weft.TaskHandler
	defaultHandler weft.TaskHandler
	bus            eventbus.Bus
	guard          Guard
	sleep          SleepFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBus attaches an event bus; the scheduler publishes task lifecycle
// events to it.
func WithBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithGuard replaces the resource guard consulted before each attempt.
func WithGuard(guard Guard) Option {
	return func(s *Scheduler) { s.guard = guard }
}

// WithDefaultHandler sets the handler used by tasks that name none.
func WithDefaultHandler(h weft.TaskHandler) Option {
	return func(s *Scheduler) { s.defaultHandler = h }
}

// WithSleep replaces the backoff sleep function.
func WithSleep(sleep SleepFunc) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

// New creates a Scheduler over the given handler registry.
func New(handlers map[string]weft.TaskHandler, options ...Option) *Scheduler {
	s := &Scheduler{
		handlers: make(map[string]weft.TaskHandler, len(handlers)),
		guard:    NewMemoryGuard(),
		sleep:    defaultSleep,
	}
	for name, h := range handlers {
		s.handlers[name] = h
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// publish emits an event without tying its delivery to the run context,
// so events queued near the end of a run still reach subscribers.
func (s *Scheduler) publish(ctx context.Context, event eventbus.Event) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(context.WithoutCancel(ctx), event)
}

// runState is the mutable per-run bookkeeping shared across task
// goroutines within a phase.
type runState struct {
	mu      sync.Mutex
	outputs map[string]interface{}
	done    map[string]bool
	skip    map[string]string // task id -> upstream task whose failure caused the skip
	abort   error
	cancel  error
}

func newRunState() *runState {
	return &runState{
		outputs: make(map[string]interface{}),
		done:    make(map[string]bool),
		skip:    make(map[string]string),
	}
}

func (st *runState) lookup() outputLookup {
	return func(taskID string) (interface{}, bool) {
		st.mu.Lock()
		defer st.mu.Unlock()
		v, ok := st.outputs[taskID]
		return v, ok
	}
}

func (st *runState) complete(taskID string, output interface{}) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.outputs[taskID] = output
	st.done[taskID] = true
}

func (st *runState) depsSatisfied(task *weft.Task) bool {
	if task == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, dep := range task.Dependencies {
		if !st.done[dep] {
			return false
		}
	}
	return true
}

func (st *runState) markSkip(taskID, upstream string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.skip[taskID]; !exists {
		st.skip[taskID] = upstream
	}
}

func (st *runState) skipReason(taskID string) (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	upstream, ok := st.skip[taskID]
	return upstream, ok
}

func (st *runState) setAbort(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.abort == nil {
		st.abort = err
	}
}

func (st *runState) aborted() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.abort
}

// Run executes the planned workflow phase by phase. The report is always
// returned, even when the run aborts or is cancelled.
func (s *Scheduler) Run(ctx context.Context, req weft.RunRequest) (*weft.ExecutionReport, error) {
	if req.Plan == nil {
		return nil, weft.NewInternalError("execution", "run request carries no execution plan", nil)
	}

	builder := newReportBuilder(req)
	st := newRunState()
	dependents := planner.Dependents(req.Workflow)

	if req.Context != nil {
		req.Context.SetProgressFunc(func(taskID string, percent float64, message string) {
			s.publish(ctx, eventbus.NewTaskEvent(eventbus.EventTaskProgress, "scheduler", req.RunID, taskID, message).
				WithMetadata("percent", percent))
		})
	}

phases:
	for _, phase := range req.Plan.Phases {
		if err := s.gate(ctx, req); err != nil {
			st.cancel = weft.NewCancelledError("execution", err)
			break
		}

		runnable := make([]weft.Task, 0, len(phase))
		for _, id := range phase {
			if upstream, skipped := st.skipReason(id); skipped {
				res := skippedResult(id, upstream)
				builder.record(res)
				s.publish(ctx, eventbus.NewTaskEvent(eventbus.EventTaskSkipped, "scheduler", req.RunID, id, nil).
					WithMetadata("upstream", upstream))
				continue
			}
			task := req.Workflow.TaskByID(id)
			if task == nil {
				return builder.finish(false), weft.NewInternalError("execution",
					fmt.Sprintf("plan references unknown task '%s'", id), nil)
			}
			runnable = append(runnable, *task)
		}
		if len(runnable) == 0 {
			continue
		}

		if s.shouldParallelize(req, runnable) {
			builder.markParallelPhase()

			// The first batch, capped by the concurrency ceiling, runs
			// concurrently; the remainder runs strictly one at a time.
			// Finished batch slots are not refilled.
			limit := req.Strategy.MaxConcurrency
			if limit <= 0 {
				limit = 1
			}
			batch := runnable
			if len(batch) > limit {
				batch = runnable[:limit]
			}
			p := pool.New().WithContext(ctx)
			for _, task := range batch {
				task := task
				p.Go(func(ctx context.Context) error {
					s.runTask(ctx, task, req, st, builder, dependents)
					return nil
				})
			}
			_ = p.Wait()

			for _, task := range runnable[len(batch):] {
				if st.aborted() != nil {
					break
				}
				if ctx.Err() != nil {
					st.cancel = weft.NewCancelledError("execution", ctx.Err())
					break phases
				}
				s.runTask(ctx, task, req, st, builder, dependents)
			}
		} else {
			for _, task := range runnable {
				if st.aborted() != nil {
					break
				}
				if ctx.Err() != nil {
					st.cancel = weft.NewCancelledError("execution", ctx.Err())
					break phases
				}
				s.runTask(ctx, task, req, st, builder, dependents)
			}
		}

		if st.aborted() != nil {
			break
		}
		if ctx.Err() != nil {
			st.cancel = weft.NewCancelledError("execution", ctx.Err())
			break
		}
	}

	abortErr := st.aborted()
	if abortErr != nil {
		builder.markAborted()
	}
	report := builder.finish(st.cancel != nil)
	switch {
	case st.cancel != nil:
		return report, st.cancel
	case abortErr != nil:
		return report, abortErr
	default:
		return report, nil
	}
}

func (s *Scheduler) gate(ctx context.Context, req weft.RunRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.PhaseGate != nil {
		return req.PhaseGate(ctx)
	}
	return nil
}

// shouldParallelize decides whether a phase fans out. Adaptive modes
// only parallelize phases with more than one task and no intra-phase
// dependency; resource_aware additionally requires headroom from the
// guard.
func (s *Scheduler) shouldParallelize(req weft.RunRequest, phase []weft.Task) bool {
	switch req.Strategy.Mode {
	case weft.ModeSequential:
		return false
	case weft.ModeParallel:
		return len(phase) > 1
	case weft.ModeResourceAware:
		if s.guard != nil && s.guard.Check(req.Strategy.Resources) != nil {
			return false
		}
	}
	return len(phase) > 1 && !hasIntraPhaseDependency(phase)
}

func hasIntraPhaseDependency(phase []weft.Task) bool {
	ids := make(map[string]bool, len(phase))
	for _, task := range phase {
		ids[task.ID] = true
	}
	for _, task := range phase {
		for _, dep := range task.Dependencies {
			if ids[dep] {
				return true
			}
		}
	}
	return false
}

func (s *Scheduler) runTask(ctx context.Context, task weft.Task, req weft.RunRequest, st *runState, builder *reportBuilder, dependents map[string][]string) {
	res := s.executeWithRetry(ctx, task, req, st.lookup())
	builder.record(res)

	if res.Success {
		st.complete(task.ID, res.Output)
		s.publish(ctx, eventbus.NewTaskEvent(eventbus.EventTaskCompleted, "scheduler", req.RunID, task.ID, res.Output).
			WithMetadata("duration_ms", res.Metrics.Duration.Milliseconds()).
			WithMetadata("retries", res.Metrics.RetryCount))
		for _, depID := range dependents[task.ID] {
			if st.depsSatisfied(req.Workflow.TaskByID(depID)) {
				s.publish(ctx, eventbus.NewTaskEvent(eventbus.EventDependencyResolved, "scheduler", req.RunID, depID, task.ID))
			}
		}
		return
	}

	s.publish(ctx, eventbus.NewTaskEvent(eventbus.EventTaskFailed, "scheduler", req.RunID, task.ID, res.Error).
		WithMetadata("retries", res.Metrics.RetryCount).
		WithMetadata("critical", task.Critical))

	if req.Strategy.FailureHandling.SkipDependentTasks {
		for _, id := range planner.TransitiveDependents(req.Workflow, task.ID) {
			st.markSkip(id, task.ID)
		}
	}
	if task.Critical && req.Strategy.FailureHandling.StopOnCriticalFailure {
		var cause error
		if res.Error != "" {
			cause = errors.New(res.Error)
		}
		st.setAbort(weft.NewCriticalTaskFailure(task.ID, cause))
	}
}

func skippedResult(taskID, upstream string) *weft.TaskExecutionResult {
	now := time.Now()
	return &weft.TaskExecutionResult{
		TaskID: taskID,
		Status: weft.TaskStatusSkipped,
		Error:  fmt.Sprintf("skipped: upstream task '%s' failed", upstream),
		Metrics: weft.TaskMetrics{
			StartTime: now,
			EndTime:   now,
		},
	}
}
