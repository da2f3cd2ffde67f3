package weft

import (
	"context"
	"log"
	"time"

	"github.com/skaldworks/weft/internal/eventbus"
)

// engineComponents holds references to the core components needed for
// state transitions.
type engineComponents struct {
	Planner   Planner
	Scheduler Scheduler
	Analyzer  Analyzer
	Store     ReportStore

	// Strategy returns the engine's current execution strategy.
	Strategy func() ExecutionStrategy

	// Gate is awaited by the scheduler between phases (pause support).
	Gate func(ctx context.Context) error
}

// createRunStateMachine builds a complete state machine for one workflow
// run: validating -> planning -> executing -> analyzing -> complete.
func createRunStateMachine(components engineComponents, bus eventbus.Bus) *StateMachine {
	sm := NewStateMachine(bus)

	sm.RegisterTransition(StateValidating, createValidatingTransition(components))
	sm.RegisterTransition(StatePlanning, createPlanningTransition(components))
	sm.RegisterTransition(StateExecuting, createExecutingTransition(components))
	sm.RegisterTransition(StateAnalyzing, createAnalyzingTransition(components))

	return sm
}

// createValidatingTransition checks workflow integrity before any task
// runs.
func createValidatingTransition(components engineComponents) StateTransition {
	return func(ctx context.Context, bus eventbus.Bus, rc *RunContext) (RunState, error) {
		if bus != nil {
			event := eventbus.NewEvent(eventbus.EventWorkflowStarted, "Engine.Validating", rc.RunID, rc.Workflow.Name).
				WithMetadata("workflow_id", rc.Workflow.ID).
				WithMetadata("task_count", len(rc.Workflow.Tasks))
			event.WorkflowID = rc.Workflow.ID
			_ = bus.Publish(context.WithoutCancel(ctx), event)
		}

		if err := components.Planner.Validate(rc.Workflow); err != nil {
			publishWorkflowFailed(ctx, bus, rc, err, StateValidating)
			return StateFailed, err
		}
		return StatePlanning, nil
	}
}

// createPlanningTransition layers the dependency graph into phases.
func createPlanningTransition(components engineComponents) StateTransition {
	return func(ctx context.Context, bus eventbus.Bus, rc *RunContext) (RunState, error) {
		plan, err := components.Planner.Plan(rc.Workflow, components.Strategy())
		if err != nil {
			publishWorkflowFailed(ctx, bus, rc, err, StatePlanning)
			return StateFailed, err
		}
		rc.Plan = plan
		return StateExecuting, nil
	}
}

// createExecutingTransition hands the planned run to the scheduler. The
// scheduler always returns a report, so a failed or cancelled run still
// carries its partial results forward.
func createExecutingTransition(components engineComponents) StateTransition {
	return func(ctx context.Context, bus eventbus.Bus, rc *RunContext) (RunState, error) {
		strategy := components.Strategy()
		req := RunRequest{
			RunID:     rc.RunID,
			Workflow:  rc.Workflow,
			Plan:      rc.Plan,
			Strategy:  strategy,
			Context:   rc.ExecCtx,
			PhaseGate: components.Gate,
		}

		report, err := components.Scheduler.Run(ctx, req)
		rc.Report = report
		if err == nil {
			return StateAnalyzing, nil
		}

		if CodeOf(err) == ErrCodeCancelled {
			if bus != nil {
				event := eventbus.NewEvent(eventbus.EventWorkflowCancelled, "Engine.Executing", rc.RunID, rc.Workflow.Name).
					WithMetadata("duration_ms", rc.TotalDuration().Milliseconds())
				_ = bus.Publish(context.WithoutCancel(ctx), event)
			}
			storeReport(components.Store, rc)
			return StateCancelled, err
		}

		// Critical abort: still analyze and persist the failure report
		// when configured to.
		if report != nil && strategy.FailureHandling.GenerateFailureReport {
			report.Insights = append(report.Insights, components.Analyzer.Analyze(report)...)
			storeReport(components.Store, rc)
			publishPerformanceWarnings(ctx, bus, rc)
		}
		publishWorkflowFailed(ctx, bus, rc, err, StateExecuting)
		return StateFailed, err
	}
}

// createAnalyzingTransition generates insights and persists the report.
func createAnalyzingTransition(components engineComponents) StateTransition {
	return func(ctx context.Context, bus eventbus.Bus, rc *RunContext) (RunState, error) {
		rc.Report.Insights = append(rc.Report.Insights, components.Analyzer.Analyze(rc.Report)...)
		storeReport(components.Store, rc)
		publishPerformanceWarnings(ctx, bus, rc)

		if bus != nil {
			event := eventbus.NewEvent(eventbus.EventWorkflowCompleted, "Engine.Analyzing", rc.RunID, rc.Workflow.Name).
				WithMetadata("duration_ms", rc.Report.Duration.Milliseconds()).
				WithMetadata("success", rc.Report.Success).
				WithMetadata("insight_count", len(rc.Report.Insights))
			_ = bus.Publish(context.WithoutCancel(ctx), event)
		}
		return StateComplete, nil
	}
}

// publishPerformanceWarnings surfaces high-impact performance insights
// as events, so stream subscribers see them without fetching the report.
func publishPerformanceWarnings(ctx context.Context, bus eventbus.Bus, rc *RunContext) {
	if bus == nil || rc.Report == nil {
		return
	}
	for _, insight := range rc.Report.Insights {
		if insight.Type != InsightPerformance || insight.Impact != ImpactHigh {
			continue
		}
		event := eventbus.NewEvent(eventbus.EventPerformanceWarning, "Engine.Analyzing", rc.RunID, insight.Message).
			WithMetadata("suggestion", insight.Suggestion)
		_ = bus.Publish(context.WithoutCancel(ctx), event)
	}
}

func publishWorkflowFailed(ctx context.Context, bus eventbus.Bus, rc *RunContext, err error, stage RunState) {
	if bus == nil {
		return
	}
	event := eventbus.NewEvent(eventbus.EventWorkflowFailed, "Engine."+string(stage), rc.RunID, rc.Workflow.Name).
		WithMetadata("error", err.Error()).
		WithMetadata("stage", string(stage)).
		WithMetadata("timestamp", time.Now().Format(time.RFC3339))
	_ = bus.Publish(context.WithoutCancel(ctx), event)
}

func storeReport(store ReportStore, rc *RunContext) {
	if store == nil || rc.Report == nil {
		return
	}
	if err := store.Set(context.Background(), rc.RunID, rc.Report); err != nil {
		log.Printf("Failed to persist execution report (run: %s): %v", rc.RunID, err)
	}
}
