package weft

import (
	"context"
	"fmt"
	"time"

	"github.com/skaldworks/weft/internal/eventbus"
)

// RunStatus represents the status information for a workflow run.
type RunStatus struct {
	RunID        string        `json:"runId"`
	WorkflowID   string        `json:"workflowId"`
	WorkflowName string        `json:"workflowName"`
	State        RunState      `json:"state"`
	Paused       bool          `json:"paused"`
	StartTime    time.Time     `json:"startTime"`
	Duration     time.Duration `json:"duration"`
	IsComplete   bool          `json:"isComplete"`
	HasError     bool          `json:"hasError"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	ErrorStage   string        `json:"errorStage,omitempty"`
}

// ExecuteAsync starts a workflow run in the background and returns its
// run id. The run detaches from the caller: it is stopped via CancelRun,
// not by a caller context.
func (e *Engine) ExecuteAsync(wf Workflow, execCtx *ExecutionContext) (string, error) {
	handle := e.startRun(context.Background(), wf, execCtx)
	return handle.rc.RunID, nil
}

// WaitRun blocks until the run finishes or ctx is done, returning the
// run's report and terminal error.
func (e *Engine) WaitRun(ctx context.Context, runID string) (*ExecutionReport, error) {
	handle, err := e.handleFor(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-handle.done:
		return handle.report, handle.err
	}
}

// GetRunStatus retrieves the current status of a run.
func (e *Engine) GetRunStatus(runID string) (*RunStatus, error) {
	handle, err := e.handleFor(runID)
	if err != nil {
		return nil, err
	}

	rc := handle.rc
	handle.mu.Lock()
	paused := handle.paused
	handle.mu.Unlock()

	// One read lock so the state, duration and error fields are a
	// consistent snapshot.
	rc.mu.RLock()
	state := rc.currentState
	duration := rc.totalDurationLocked()
	lastErr := rc.lastError
	errStage := rc.errorStage
	rc.mu.RUnlock()

	status := &RunStatus{
		RunID:        runID,
		WorkflowID:   rc.Workflow.ID,
		WorkflowName: rc.Workflow.Name,
		State:        state,
		Paused:       paused,
		StartTime:    rc.StartTime,
		Duration:     duration,
		IsComplete:   state == StateComplete,
		HasError:     state == StateFailed,
	}
	if lastErr != nil {
		status.ErrorMessage = lastErr.Error()
		status.ErrorStage = errStage
	}
	return status, nil
}

// PauseRun pauses a running workflow at the next phase boundary. Tasks
// already in flight finish; no new phase starts until ResumeRun. Returns
// false if the run was already paused or finished.
func (e *Engine) PauseRun(runID string) (bool, error) {
	handle, err := e.handleFor(runID)
	if err != nil {
		return false, err
	}
	if handle.finished() {
		return false, nil
	}
	if !handle.pause() {
		return false, nil
	}
	e.publishRunEvent(eventbus.EventWorkflowPaused, "Engine.PauseRun", handle)
	return true, nil
}

// ResumeRun releases a paused run. Returns false if the run was not
// paused.
func (e *Engine) ResumeRun(runID string) (bool, error) {
	handle, err := e.handleFor(runID)
	if err != nil {
		return false, err
	}
	if !handle.unpause() {
		return false, nil
	}
	e.publishRunEvent(eventbus.EventWorkflowResumed, "Engine.ResumeRun", handle)
	return true, nil
}

// CancelRun cancels an in-flight run. In-flight task attempts see their
// context cancelled; the partial report is still produced. Returns false
// if the run had already finished.
func (e *Engine) CancelRun(runID string) (bool, error) {
	handle, err := e.handleFor(runID)
	if err != nil {
		return false, err
	}
	if handle.finished() {
		return false, nil
	}

	// Release the pause gate so status readers see a consistent state.
	handle.unpause()
	handle.cancel()
	e.publishRunEvent(eventbus.EventWorkflowCancelled, "Engine.CancelRun", handle)
	return true, nil
}

// GetReport returns the report for a finished run: from the live run
// table when it is still held there, else from the report store.
func (e *Engine) GetReport(ctx context.Context, runID string) (*ExecutionReport, error) {
	e.runsMu.RLock()
	handle, exists := e.runs[runID]
	e.runsMu.RUnlock()

	if exists {
		select {
		case <-handle.done:
			if handle.report != nil {
				return handle.report, nil
			}
			return nil, handle.err
		default:
			return nil, fmt.Errorf("run '%s' is still in progress (current state: %s)", runID, handle.rc.CurrentState())
		}
	}
	return e.store.Get(ctx, runID)
}

// ListRuns returns all tracked run ids and their current states.
func (e *Engine) ListRuns() map[string]string {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()

	result := make(map[string]string, len(e.runs))
	for id, handle := range e.runs {
		result[id] = string(handle.rc.CurrentState())
	}
	return result
}

// CleanupFinishedRuns drops finished runs older than the given duration
// from the live run table. Their reports remain in the report store.
func (e *Engine) CleanupFinishedRuns(olderThan time.Duration) int {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()

	now := time.Now()
	count := 0
	for id, handle := range e.runs {
		if !handle.finished() {
			continue
		}
		endedAt := handle.rc.CurrentStateStart()
		if now.Sub(endedAt) > olderThan {
			delete(e.runs, id)
			count++
		}
	}
	return count
}

func (e *Engine) handleFor(runID string) (*runHandle, error) {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()

	handle, exists := e.runs[runID]
	if !exists {
		return nil, fmt.Errorf("run with ID '%s' not found", runID)
	}
	return handle, nil
}

func (e *Engine) publishRunEvent(eventType eventbus.EventType, source string, handle *runHandle) {
	if !e.config.EnableEventBus || e.eventBus == nil {
		return
	}
	event := eventbus.NewEvent(eventType, source, handle.rc.RunID, handle.rc.Workflow.Name).
		WithMetadata("duration_ms", handle.rc.TotalDuration().Milliseconds())
	_ = e.eventBus.Publish(context.Background(), event)
}
