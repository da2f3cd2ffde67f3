// Package weft provides a dependency-aware workflow execution engine:
// workflows are validated, layered into phases, executed under a
// concurrency ceiling with retries and resource guarding, then analyzed
// into an execution report.
package weft

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/skaldworks/weft/internal/eventbus"
)

// Engine is the main entry point into the weft runtime. It wires the
// planner, scheduler, analyzer, and report store together and drives
// each run through a pushdown state machine.
type Engine struct {
	// Core components
	planner   Planner
	scheduler Scheduler
	analyzer  Analyzer
	store     ReportStore
	eventBus  eventbus.Bus

	// Configuration
	config     Config
	strategy   ExecutionStrategy
	strategyMu sync.RWMutex

	// Live and finished runs
	runs    map[string]*runHandle
	runsMu  sync.RWMutex
}

// Config holds the engine's non-strategy configuration.
type Config struct {
	// Event bus configuration
	EnableEventBus      bool
	EventBusBufferSize  int
	EventBusWorkerCount int
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		EnableEventBus:      true,
		EventBusBufferSize:  100,
		EventBusWorkerCount: 5,
	}
}

// Option is a function that configures an Engine instance.
type Option func(*Engine)

// WithConfig sets the engine configuration.
func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}

// WithPlanner sets the planner component.
func WithPlanner(planner Planner) Option {
	return func(e *Engine) {
		e.planner = planner
	}
}

// WithScheduler sets the scheduler component.
func WithScheduler(scheduler Scheduler) Option {
	return func(e *Engine) {
		e.scheduler = scheduler
	}
}

// WithAnalyzer sets the analytics component.
func WithAnalyzer(analyzer Analyzer) Option {
	return func(e *Engine) {
		e.analyzer = analyzer
	}
}

// WithReportStore sets the report store component.
func WithReportStore(store ReportStore) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithEventBus sets the event bus. When omitted and EnableEventBus is
// true, a default channel bus is created.
func WithEventBus(bus eventbus.Bus) Option {
	return func(e *Engine) {
		e.eventBus = bus
	}
}

// WithStrategy sets the initial execution strategy.
func WithStrategy(strategy ExecutionStrategy) Option {
	return func(e *Engine) {
		e.strategy = strategy
	}
}

// New creates a new Engine instance with the provided options.
func New(options ...Option) (*Engine, error) {
	e := &Engine{
		config:   DefaultConfig(),
		strategy: DefaultStrategy(),
		runs:     make(map[string]*runHandle),
	}

	for _, option := range options {
		option(e)
	}

	// Validate required components
	if e.planner == nil {
		return nil, fmt.Errorf("planner is required")
	}
	if e.scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if e.analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	if e.store == nil {
		return nil, fmt.Errorf("report store is required")
	}

	if e.config.EnableEventBus && e.eventBus == nil {
		e.eventBus = eventbus.NewChannelBus(
			eventbus.WithBufferSize(e.config.EventBusBufferSize),
			eventbus.WithWorkerCount(e.config.EventBusWorkerCount),
		)
		log.Printf("Initialized default channel event bus")
	}

	return e, nil
}

// CurrentStrategy returns the engine's active execution strategy.
func (e *Engine) CurrentStrategy() ExecutionStrategy {
	e.strategyMu.RLock()
	defer e.strategyMu.RUnlock()
	return e.strategy
}

// UpdateStrategy replaces the execution strategy. Runs started after the
// update use the new strategy; phases already planned keep the old one.
func (e *Engine) UpdateStrategy(strategy ExecutionStrategy) {
	e.strategyMu.Lock()
	defer e.strategyMu.Unlock()
	e.strategy = strategy
}

// Close shuts down the engine's event bus.
func (e *Engine) Close() error {
	if e.eventBus != nil {
		return e.eventBus.Close()
	}
	return nil
}

// ExecuteWorkflow runs a workflow to completion and returns its report.
// The report is returned even when err reports a critical abort or
// cancellation; it is nil only when validation or planning failed.
func (e *Engine) ExecuteWorkflow(ctx context.Context, wf Workflow, execCtx *ExecutionContext) (*ExecutionReport, error) {
	handle := e.startRun(ctx, wf, execCtx)
	<-handle.done
	return handle.report, handle.err
}

// startRun registers a run handle and launches the state machine in its
// own goroutine.
func (e *Engine) startRun(parent context.Context, wf Workflow, execCtx *ExecutionContext) *runHandle {
	runID := uuid.New().String()
	if execCtx == nil {
		execCtx = NewExecutionContext("", nil)
	}
	rc := NewRunContext(runID, wf, execCtx)
	runCtx, cancel := context.WithCancel(parent)

	handle := newRunHandle(rc, cancel)
	e.runsMu.Lock()
	e.runs[runID] = handle
	e.runsMu.Unlock()

	machine := e.createRunMachine(handle)
	go func() {
		defer cancel()
		report, err := machine.Execute(runCtx, rc)
		handle.finish(report, err)
	}()
	return handle
}

// createRunMachine builds a state machine with all transitions for one
// workflow run.
func (e *Engine) createRunMachine(handle *runHandle) *StateMachine {
	var bus eventbus.Bus
	if e.config.EnableEventBus {
		bus = e.eventBus
	}

	components := engineComponents{
		Planner:   e.planner,
		Scheduler: e.scheduler,
		Analyzer:  e.analyzer,
		Store:     e.store,
		Strategy:  e.CurrentStrategy,
		Gate:      handle.gate,
	}
	return createRunStateMachine(components, bus)
}

// runHandle tracks one run: its context, pause gate, cancellation, and
// final outcome.
type runHandle struct {
	rc     *RunContext
	cancel context.CancelFunc

	mu     sync.Mutex
	paused bool
	resume chan struct{}

	done   chan struct{}
	report *ExecutionReport
	err    error
}

func newRunHandle(rc *RunContext, cancel context.CancelFunc) *runHandle {
	return &runHandle{
		rc:     rc,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (h *runHandle) finish(report *ExecutionReport, err error) {
	h.mu.Lock()
	h.report = report
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// gate is the scheduler's phase gate: it blocks between phases while the
// run is paused and returns the context error on cancellation.
func (h *runHandle) gate(ctx context.Context) error {
	for {
		h.mu.Lock()
		if !h.paused {
			h.mu.Unlock()
			return nil
		}
		resume := h.resume
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
		}
	}
}

// pause marks the run paused. Returns false if it was already paused.
func (h *runHandle) pause() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused {
		return false
	}
	h.paused = true
	h.resume = make(chan struct{})
	return true
}

// unpause releases a paused run. Returns false if it was not paused.
func (h *runHandle) unpause() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.paused {
		return false
	}
	h.paused = false
	close(h.resume)
	return true
}

func (h *runHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
