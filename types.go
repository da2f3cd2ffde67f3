package weft

import (
	"sync"
	"time"
)

// TaskPriority orders tasks within a phase when the concurrency ceiling
// forces partial serialization.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityNormal   TaskPriority = "normal"
	PriorityLow      TaskPriority = "low"
)

// Rank returns the numeric priority rank, higher values run first.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// ArgumentSourceType defines the type of source for a task argument.
type ArgumentSourceType string

const (
	// ArgumentSourceLiteral indicates the argument value is a literal value.
	ArgumentSourceLiteral ArgumentSourceType = "literal"

	// ArgumentSourceDependencyOutput indicates the argument value comes from
	// the output of a dependency task.
	ArgumentSourceDependencyOutput ArgumentSourceType = "dependencyOutput"

	// ArgumentSourceExpression indicates the argument value is computed from
	// an expression over dependency outputs.
	ArgumentSourceExpression ArgumentSourceType = "expression"
)

// ArgumentSource defines where a task argument's value comes from.
type ArgumentSource struct {
	Type             ArgumentSourceType `json:"type"`
	Value            interface{}        `json:"value,omitempty"`
	DependencyTaskID string             `json:"dependencyTaskId,omitempty"`
	OutputField      string             `json:"outputField,omitempty"`
	Expression       string             `json:"expression,omitempty"`
	Required         bool               `json:"required,omitempty"`
	Default          interface{}        `json:"default,omitempty"`
}

// Task is a single unit of work in a workflow. Tasks are immutable inputs:
// the engine reads them but never mutates them.
type Task struct {
	ID           string                    `json:"id"`
	Name         string                    `json:"name"`
	Dependencies []string                  `json:"dependencies,omitempty"`
	Priority     TaskPriority              `json:"priority,omitempty"`
	Critical     bool                      `json:"critical,omitempty"`
	Handler      string                    `json:"handler,omitempty"`
	Args         map[string]ArgumentSource `json:"args,omitempty"`

	// Timeout overrides the strategy default when non-zero.
	Timeout time.Duration `json:"timeout,omitempty"`

	// EstimatedDuration weights critical-path estimation before real
	// timings exist.
	EstimatedDuration time.Duration `json:"estimatedDuration,omitempty"`
}

// Workflow is a named graph of tasks submitted as one unit of planning
// and execution. Task ids must be unique, every dependency must reference
// a task in the same workflow, and the dependency relation must be acyclic.
type Workflow struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Tasks []Task `json:"tasks"`
}

// TaskByID returns the task with the given id, or nil.
func (w *Workflow) TaskByID(id string) *Task {
	for i := range w.Tasks {
		if w.Tasks[i].ID == id {
			return &w.Tasks[i]
		}
	}
	return nil
}

// ExecutionPlan is an ordered list of phases. Each phase is a set of task
// ids whose dependencies are fully contained in earlier phases. Every task
// appears in exactly one phase.
type ExecutionPlan struct {
	Phases [][]string `json:"phases"`
}

// TaskCount returns the number of tasks across all phases.
func (p *ExecutionPlan) TaskCount() int {
	n := 0
	for _, phase := range p.Phases {
		n += len(phase)
	}
	return n
}

// ExecutionMode selects how the scheduler drives each phase.
type ExecutionMode string

const (
	ModeSequential    ExecutionMode = "sequential"
	ModeParallel      ExecutionMode = "parallel"
	ModeAdaptive      ExecutionMode = "adaptive"
	ModePriorityFirst ExecutionMode = "priority_first"
	ModeResourceAware ExecutionMode = "resource_aware"
)

// RetryConfig bounds the per-task retry loop.
type RetryConfig struct {
	// MaxAttempts is the number of retries after the first try, so a task
	// executes at most MaxAttempts+1 times.
	MaxAttempts       int           `json:"maxAttempts"`
	BackoffMultiplier float64       `json:"backoffMultiplier"`
	InitialDelay      time.Duration `json:"initialDelay"`
	MaxDelay          time.Duration `json:"maxDelay"`
}

// ResourceLimits caps process resource consumption. Memory is enforced by
// the resource guard before each attempt; CPU and disk are declared but
// advisory.
type ResourceLimits struct {
	MaxMemoryMB    int `json:"maxMemoryMB"`
	MaxCPUPercent  int `json:"maxCpuPercent"`
	MaxDiskSpaceMB int `json:"maxDiskSpaceMB"`
}

// FailureHandling controls what a terminal task failure does to the rest
// of the run.
type FailureHandling struct {
	StopOnCriticalFailure bool `json:"stopOnCriticalFailure"`
	SkipDependentTasks    bool `json:"skipDependentTasks"`
	GenerateFailureReport bool `json:"generateFailureReport"`
}

// ExecutionStrategy is configuration, not state. It lives for the engine
// instance's lifetime and may be replaced wholesale between runs.
type ExecutionStrategy struct {
	Mode            ExecutionMode   `json:"mode"`
	MaxConcurrency  int             `json:"maxConcurrency"`
	DefaultTimeout  time.Duration   `json:"defaultTimeout"`
	Retry           RetryConfig     `json:"retryConfig"`
	Resources       ResourceLimits  `json:"resourceLimits"`
	FailureHandling FailureHandling `json:"failureHandling"`
}

// DefaultStrategy returns a strategy with sensible defaults.
func DefaultStrategy() ExecutionStrategy {
	return ExecutionStrategy{
		Mode:           ModeAdaptive,
		MaxConcurrency: 4,
		DefaultTimeout: 5 * time.Minute,
		Retry: RetryConfig{
			MaxAttempts:       3,
			BackoffMultiplier: 2.0,
			InitialDelay:      500 * time.Millisecond,
			MaxDelay:          30 * time.Second,
		},
		Resources: ResourceLimits{
			MaxMemoryMB:    2048,
			MaxCPUPercent:  80,
			MaxDiskSpaceMB: 1024,
		},
		FailureHandling: FailureHandling{
			StopOnCriticalFailure: true,
			SkipDependentTasks:    true,
			GenerateFailureReport: true,
		},
	}
}

// TaskStatus is the terminal disposition of a task within a run.
type TaskStatus string

const (
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// TaskMetrics carries the measured cost of one task's retry loop.
type TaskMetrics struct {
	StartTime    time.Time     `json:"startTime"`
	EndTime      time.Time     `json:"endTime"`
	Duration     time.Duration `json:"duration"`
	MemoryUsedMB float64       `json:"memoryUsedMB"`
	CPUPercent   float64       `json:"cpuPercent"`
	RetryCount   int           `json:"retryCount"`
}

// TaskExecutionResult is produced once per task per run, when the task's
// retry loop terminates. It is never mutated afterward.
type TaskExecutionResult struct {
	TaskID    string      `json:"taskId"`
	Status    TaskStatus  `json:"status"`
	Success   bool        `json:"success"`
	Output    interface{} `json:"output,omitempty"`
	Error     string      `json:"error,omitempty"`
	Artifacts []string    `json:"artifacts,omitempty"`
	Metrics   TaskMetrics `json:"metrics"`
}

// ExecutionStatistics aggregates per-task results for a run.
type ExecutionStatistics struct {
	TotalTasks          int           `json:"totalTasks"`
	CompletedTasks      int           `json:"completedTasks"`
	FailedTasks         int           `json:"failedTasks"`
	SkippedTasks        int           `json:"skippedTasks"`
	RetriedTasks        int           `json:"retriedTasks"`
	ParallelPhases      int           `json:"parallelPhases"`
	AverageTaskDuration time.Duration `json:"averageTaskDuration"`
	DurationP50         time.Duration `json:"durationP50"`
	DurationP95         time.Duration `json:"durationP95"`
	DurationP99         time.Duration `json:"durationP99"`
	PeakMemoryMB        float64       `json:"peakMemoryMB"`
	PeakCPUPercent      float64       `json:"peakCpuPercent"`
}

// ExecutionError records one task-level failure in arrival order.
type ExecutionError struct {
	TaskID    string    `json:"taskId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// InsightType classifies a generated diagnostic observation.
type InsightType string

const (
	InsightPerformance  InsightType = "performance"
	InsightOptimization InsightType = "optimization"
	InsightWarning      InsightType = "warning"
	InsightError        InsightType = "error"
)

// InsightImpact rates how much an insight matters.
type InsightImpact string

const (
	ImpactLow    InsightImpact = "low"
	ImpactMedium InsightImpact = "medium"
	ImpactHigh   InsightImpact = "high"
)

// Insight is a diagnostic observation about a completed run.
type Insight struct {
	Type       InsightType   `json:"type"`
	Message    string        `json:"message"`
	Impact     InsightImpact `json:"impact"`
	Suggestion string        `json:"suggestion,omitempty"`
}

// ExecutionReport is the single immutable artifact of a workflow run.
// It is built incrementally during execution and frozen once the run
// finishes, whether by success, failure, or abort.
type ExecutionReport struct {
	RunID      string                          `json:"runId"`
	Workflow   Workflow                        `json:"workflow"`
	Strategy   ExecutionStrategy               `json:"strategy"`
	Success    bool                            `json:"success"`
	Aborted    bool                            `json:"aborted,omitempty"`
	StartTime  time.Time                       `json:"startTime"`
	EndTime    time.Time                       `json:"endTime"`
	Duration   time.Duration                   `json:"duration"`
	Results    map[string]*TaskExecutionResult `json:"results"`
	Statistics ExecutionStatistics             `json:"statistics"`
	Errors     []ExecutionError                `json:"errors"`
	Insights   []Insight                       `json:"insights"`
}

// HandlerResult is the payload a task handler returns on success.
type HandlerResult struct {
	Output    interface{} `json:"output,omitempty"`
	Artifacts []string    `json:"artifacts,omitempty"`

	// Optional resource-usage estimates reported by the handler.
	MemoryMB   float64 `json:"memoryMB,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`
}

// ExecutionContext is supplied by the caller per run. The engine treats it
// as read-only except for the shared-state bag, which task handlers may use
// to pass data forward; the engine does not validate or type that data.
type ExecutionContext struct {
	WorkDir string
	Env     map[string]string

	shared   map[string]interface{}
	progress ProgressFunc
	sharedMu sync.RWMutex
}

// ProgressFunc receives mid-task progress reports from handlers. percent
// is in [0, 1].
type ProgressFunc func(taskID string, percent float64, message string)

// NewExecutionContext creates an execution context with an empty shared
// state bag.
func NewExecutionContext(workDir string, env map[string]string) *ExecutionContext {
	return &ExecutionContext{
		WorkDir: workDir,
		Env:     env,
		shared:  make(map[string]interface{}),
	}
}

// SetProgressFunc installs the sink for handler progress reports. The
// scheduler installs an event-publishing sink before the first phase.
func (ec *ExecutionContext) SetProgressFunc(fn ProgressFunc) {
	ec.sharedMu.Lock()
	defer ec.sharedMu.Unlock()
	ec.progress = fn
}

// ReportProgress lets a handler surface mid-task progress. Safe to call
// from handler goroutines; reports are dropped when no sink is installed.
func (ec *ExecutionContext) ReportProgress(taskID string, percent float64, message string) {
	ec.sharedMu.RLock()
	fn := ec.progress
	ec.sharedMu.RUnlock()
	if fn != nil {
		fn(taskID, percent, message)
	}
}

// Shared retrieves a value from the shared-state bag.
func (ec *ExecutionContext) Shared(key string) (interface{}, bool) {
	ec.sharedMu.RLock()
	defer ec.sharedMu.RUnlock()
	v, ok := ec.shared[key]
	return v, ok
}

// SetShared stores a value in the shared-state bag.
func (ec *ExecutionContext) SetShared(key string, value interface{}) {
	ec.sharedMu.Lock()
	defer ec.sharedMu.Unlock()
	if ec.shared == nil {
		ec.shared = make(map[string]interface{})
	}
	ec.shared[key] = value
}

// SharedSnapshot returns a copy of the shared-state bag.
func (ec *ExecutionContext) SharedSnapshot() map[string]interface{} {
	ec.sharedMu.RLock()
	defer ec.sharedMu.RUnlock()
	out := make(map[string]interface{}, len(ec.shared))
	for k, v := range ec.shared {
		out[k] = v
	}
	return out
}
