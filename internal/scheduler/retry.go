package scheduler

import (
	"context"
	"math"
	"time"

	"github.com/skaldworks/weft"
	"github.com/skaldworks/weft/internal/eventbus"
)

// attemptState tracks the retry controller's position for one task.
type attemptState string

const (
	statePending       attemptState = "pending"
	stateAttempting    attemptState = "attempting"
	stateBackoff       attemptState = "backoff"
	stateAttemptFailed attemptState = "attempt_failed"
	stateSucceeded     attemptState = "succeeded"
	stateFailed        attemptState = "failed"
)

// backoffDelay returns the pause before retry n (1-based):
// min(initialDelay * multiplier^(n-1), maxDelay). No jitter.
func backoffDelay(cfg weft.RetryConfig, retry int) time.Duration {
	multiplier := cfg.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(retry-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// executeWithRetry drives one task through the bounded retry loop:
// pending -> attempting -> succeeded, or attempting -> attempt_failed ->
// backoff -> attempting while attempts remain, else failed. The task
// executes at most MaxAttempts+1 times.
func (s *Scheduler) executeWithRetry(ctx context.Context, task weft.Task, req weft.RunRequest, outputs outputLookup) *weft.TaskExecutionResult {
	cfg := req.Strategy.Retry
	start := time.Now()

	s.publish(ctx, eventbus.NewTaskEvent(eventbus.EventTaskStarted, "scheduler", req.RunID, task.ID, task.Name).
		WithMetadata("critical", task.Critical).
		WithMetadata("max_attempts", cfg.MaxAttempts))

	state := statePending
	var hres *weft.HandlerResult
	var lastErr error
	retries := 0

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			state = stateBackoff
			delay := backoffDelay(cfg, attempt)
			s.publish(ctx, eventbus.NewTaskEvent(eventbus.EventTaskRetrying, "scheduler", req.RunID, task.ID, nil).
				WithMetadata("attempt", attempt).
				WithMetadata("delay_ms", delay.Milliseconds()))
			if err := s.sleep(ctx, delay); err != nil {
				lastErr = weft.NewCancelledError("execution", err)
				state = stateFailed
				break
			}
			retries = attempt
		}

		state = stateAttempting
		hres, lastErr = s.attempt(ctx, task, req, outputs)
		if lastErr == nil {
			state = stateSucceeded
			break
		}
		state = stateAttemptFailed

		// Cancellation and a missing handler are not retryable.
		if ctx.Err() != nil || weft.CodeOf(lastErr) == weft.ErrCodeHandlerNotFound {
			state = stateFailed
			break
		}
		if attempt >= cfg.MaxAttempts {
			state = stateFailed
			break
		}
	}

	end := time.Now()
	res := &weft.TaskExecutionResult{
		TaskID: task.ID,
		Metrics: weft.TaskMetrics{
			StartTime:  start,
			EndTime:    end,
			Duration:   end.Sub(start),
			RetryCount: retries,
		},
	}
	if state == stateSucceeded {
		res.Status = weft.TaskStatusCompleted
		res.Success = true
		res.Output = hres.Output
		res.Artifacts = hres.Artifacts
		res.Metrics.MemoryUsedMB = hres.MemoryMB
		res.Metrics.CPUPercent = hres.CPUPercent
	} else {
		res.Status = weft.TaskStatusFailed
		if lastErr != nil {
			res.Error = lastErr.Error()
		}
	}
	if res.Metrics.MemoryUsedMB == 0 && s.guard != nil {
		res.Metrics.MemoryUsedMB = s.guard.Snapshot().MemoryMB
	}
	return res
}

// attempt performs a single execution attempt: resource admission check,
// argument resolution, then the handler call bounded by the per-attempt
// timeout.
func (s *Scheduler) attempt(ctx context.Context, task weft.Task, req weft.RunRequest, outputs outputLookup) (*weft.HandlerResult, error) {
	if s.guard != nil {
		if err := s.guard.Check(req.Strategy.Resources); err != nil {
			s.publish(ctx, eventbus.NewTaskEvent(eventbus.EventResourceConstraint, "scheduler", req.RunID, task.ID, err.Error()))
			return nil, weft.NewResourceConstraintError(task.ID, err.Error())
		}
	}

	args, err := resolveArgs(task, outputs)
	if err != nil {
		return nil, err
	}

	handler, err := s.handlerFor(task)
	if err != nil {
		return nil, err
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = req.Strategy.DefaultTimeout
	}
	actx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	hres, err := handler.Execute(actx, task, args, req.Context)
	if err != nil {
		if actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, weft.NewTimeoutError(task.ID, context.DeadlineExceeded)
		}
		if weft.IsEngineError(err) {
			return nil, err
		}
		return nil, weft.NewTaskAttemptError(task.ID, err)
	}
	if hres == nil {
		hres = &weft.HandlerResult{}
	}
	return hres, nil
}

func (s *Scheduler) handlerFor(task weft.Task) (weft.TaskHandler, error) {
	name := task.Handler
	if name == "" {
		if s.defaultHandler == nil {
			return nil, weft.NewHandlerNotFoundError("(default)")
		}
		return s.defaultHandler, nil
	}
	handler, ok := s.handlers[name]
	if !ok {
		return nil, weft.NewHandlerNotFoundError(name)
	}
	return handler, nil
}
