package weft

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/skaldworks/weft/internal/eventbus"
)

// RunState represents the lifecycle state of one workflow run.
type RunState string

const (
	// StateValidating is the initial state, checking workflow integrity.
	StateValidating RunState = "validating"
	// StatePlanning is the phase-layering state.
	StatePlanning RunState = "planning"
	// StateExecuting is the scheduler-driven execution state.
	StateExecuting RunState = "executing"
	// StateAnalyzing is the post-execution insight generation state.
	StateAnalyzing RunState = "analyzing"
	// StateComplete is the successful terminal state.
	StateComplete RunState = "complete"
	// StateFailed is the error terminal state.
	StateFailed RunState = "failed"
	// StateCancelled is the cancellation terminal state.
	StateCancelled RunState = "cancelled"
)

func isTerminalState(state RunState) bool {
	return state == StateComplete || state == StateFailed || state == StateCancelled
}

// RunContext carries one run's inputs and intermediate artifacts through
// the state machine. It acts as the machine's tape: each transition reads
// what earlier transitions produced and writes its own output.
type RunContext struct {
	RunID    string
	Workflow Workflow
	ExecCtx  *ExecutionContext

	// Intermediate results, written only by the machine goroutine and
	// read by others once the run handle's done channel closes.
	Plan   *ExecutionPlan
	Report *ExecutionReport

	// StartTime is stamped once at creation.
	StartTime time.Time

	// The state fields below are written by the machine goroutine while
	// the async status surface reads them, so all access holds mu.
	mu              sync.RWMutex
	currentState    RunState
	stateStack      []RunState
	stateStartTimes map[RunState]time.Time
	endTime         time.Time
	lastError       error
	errorStage      string
}

// NewRunContext creates a run context in the validating state.
func NewRunContext(runID string, wf Workflow, execCtx *ExecutionContext) *RunContext {
	now := time.Now()
	return &RunContext{
		RunID:           runID,
		Workflow:        wf,
		ExecCtx:         execCtx,
		StartTime:       now,
		currentState:    StateValidating,
		stateStack:      []RunState{},
		stateStartTimes: map[RunState]time.Time{StateValidating: now},
	}
}

// enterLocked moves the run into state, stamping the state's start time
// and, on the first terminal state, the run end time. Callers hold mu.
func (rc *RunContext) enterLocked(state RunState) {
	now := time.Now()
	rc.currentState = state
	rc.stateStartTimes[state] = now
	if isTerminalState(state) && rc.endTime.IsZero() {
		rc.endTime = now
	}
}

// CurrentState returns the run's current lifecycle state.
func (rc *RunContext) CurrentState() RunState {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.currentState
}

// CurrentStateStart returns when the run entered its current state.
func (rc *RunContext) CurrentStateStart() time.Time {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.stateStartTimes[rc.currentState]
}

// PushState pushes the current state onto the stack and enters a new one.
func (rc *RunContext) PushState(state RunState) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.stateStack = append(rc.stateStack, rc.currentState)
	rc.enterLocked(state)
}

// PopState restores the most recently pushed state. Returns false if the
// stack is empty.
func (rc *RunContext) PopState() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.stateStack) == 0 {
		return false
	}
	last := len(rc.stateStack) - 1
	state := rc.stateStack[last]
	rc.stateStack = rc.stateStack[:last]
	rc.enterLocked(state)
	return true
}

// IsTerminal reports whether the run has reached a terminal state.
func (rc *RunContext) IsTerminal() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return isTerminalState(rc.currentState)
}

// SetError records err and moves the run to the failed state.
func (rc *RunContext) SetError(err error, stage string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.lastError = err
	rc.errorStage = stage
	rc.enterLocked(StateFailed)
}

// SetCancelled records the cancellation and moves to the cancelled state.
func (rc *RunContext) SetCancelled(err error, stage string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.lastError = err
	rc.errorStage = stage
	rc.enterLocked(StateCancelled)
}

// LastError returns the run's terminal error and the stage it occurred in.
func (rc *RunContext) LastError() (error, string) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.lastError, rc.errorStage
}

// advance moves to the next non-error state during normal progression.
func (rc *RunContext) advance(state RunState) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.enterLocked(state)
}

// TotalDuration returns the run duration so far, or the final duration for
// a finished run.
func (rc *RunContext) TotalDuration() time.Duration {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.totalDurationLocked()
}

func (rc *RunContext) totalDurationLocked() time.Duration {
	if !rc.endTime.IsZero() {
		return rc.endTime.Sub(rc.StartTime)
	}
	return time.Since(rc.StartTime)
}

// StateTransition advances a run from its current state, returning the
// next state.
type StateTransition func(ctx context.Context, bus eventbus.Bus, rc *RunContext) (RunState, error)

// StateMachine drives a run through its lifecycle states.
type StateMachine struct {
	transitions map[RunState]StateTransition
	bus         eventbus.Bus
}

// NewStateMachine creates an empty state machine publishing to bus.
func NewStateMachine(bus eventbus.Bus) *StateMachine {
	return &StateMachine{
		transitions: make(map[RunState]StateTransition),
		bus:         bus,
	}
}

// RegisterTransition registers the transition function for a state.
func (sm *StateMachine) RegisterTransition(state RunState, transition StateTransition) {
	sm.transitions[state] = transition
}

// Execute runs the state machine until a terminal state is reached. The
// run's report (which may be nil when validation or planning failed) and
// the terminal error are returned.
func (sm *StateMachine) Execute(ctx context.Context, rc *RunContext) (*ExecutionReport, error) {
	for !rc.IsTerminal() {
		state := rc.CurrentState()

		select {
		case <-ctx.Done():
			rc.SetCancelled(ctx.Err(), string(state))
			return rc.Report, NewCancelledError(string(state), ctx.Err())
		default:
		}

		transition, exists := sm.transitions[state]
		if !exists {
			err := NewInternalError(string(state), fmt.Sprintf("no transition defined for state %s", state), nil)
			rc.SetError(err, string(state))
			return rc.Report, err
		}

		nextState, err := transition(ctx, sm.bus, rc)
		if err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded || CodeOf(err) == ErrCodeCancelled {
				rc.SetCancelled(err, string(state))
			} else if !rc.IsTerminal() {
				rc.SetError(err, string(state))
			}
			continue
		}

		if !rc.IsTerminal() {
			rc.advance(nextState)
		}
	}

	lastErr, _ := rc.LastError()
	return rc.Report, lastErr
}
