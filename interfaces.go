package weft

import "context"

// TaskHandler is the injected contract for the actual unit of work. The
// engine treats it as opaque: it resolves the task's arguments, invokes
// Execute under the per-attempt timeout, and observes the outcome.
// Handlers are expected to observe ctx cancellation and return promptly.
type TaskHandler interface {
	// Name returns the handler's registry name.
	Name() string

	// Execute performs the task's work. args contains the resolved
	// argument values; execCtx carries the working directory, environment,
	// and the shared-state bag handlers may use to pass data forward.
	Execute(ctx context.Context, task Task, args map[string]interface{}, execCtx *ExecutionContext) (*HandlerResult, error)
}

// HandlerFunc adapts a plain function into a TaskHandler.
type HandlerFunc struct {
	name string
	fn   func(ctx context.Context, task Task, args map[string]interface{}, execCtx *ExecutionContext) (*HandlerResult, error)
}

// NewHandlerFunc wraps fn as a named TaskHandler.
func NewHandlerFunc(name string, fn func(ctx context.Context, task Task, args map[string]interface{}, execCtx *ExecutionContext) (*HandlerResult, error)) *HandlerFunc {
	return &HandlerFunc{name: name, fn: fn}
}

func (h *HandlerFunc) Name() string { return h.name }

func (h *HandlerFunc) Execute(ctx context.Context, task Task, args map[string]interface{}, execCtx *ExecutionContext) (*HandlerResult, error) {
	return h.fn(ctx, task, args, execCtx)
}

// Planner validates a workflow and converts its dependency graph into an
// ordered sequence of phases.
type Planner interface {
	// Validate checks structural integrity: non-empty task list, unique
	// ids, resolvable dependency references, cycle freedom.
	Validate(wf Workflow) error

	// Plan produces the phase layering for a validated workflow. The
	// strategy informs in-phase ordering (priority_first).
	Plan(wf Workflow, strategy ExecutionStrategy) (*ExecutionPlan, error)
}

// RunRequest carries everything a scheduler needs for one workflow run.
type RunRequest struct {
	RunID    string
	Workflow Workflow
	Plan     *ExecutionPlan
	Strategy ExecutionStrategy
	Context  *ExecutionContext

	// PhaseGate, when set, is awaited between phases; it blocks while the
	// run is paused and returns an error when the run is cancelled.
	PhaseGate func(ctx context.Context) error
}

// Scheduler drives phase-by-phase execution of a planned workflow and
// returns the (not yet analyzed) execution report. The report is always
// returned, even when err reports a critical abort or cancellation.
type Scheduler interface {
	Run(ctx context.Context, req RunRequest) (*ExecutionReport, error)
}

// Analyzer computes post-execution insights for a finished report.
type Analyzer interface {
	Analyze(report *ExecutionReport) []Insight
}

// ReportStore retains finished execution reports by run id.
type ReportStore interface {
	Get(ctx context.Context, runID string) (*ExecutionReport, error)
	Set(ctx context.Context, runID string, report *ExecutionReport) error
}
