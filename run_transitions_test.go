package weft

import (
	"context"
	"testing"
	"time"

	"github.com/skaldworks/weft/internal/eventbus"
)

type stubAnalyzer struct {
	insights []Insight
}

func (a stubAnalyzer) Analyze(report *ExecutionReport) []Insight { return a.insights }

type stubStore struct {
	reports map[string]*ExecutionReport
}

func (s *stubStore) Get(ctx context.Context, runID string) (*ExecutionReport, error) {
	report, ok := s.reports[runID]
	if !ok {
		return nil, NewStoreError("get", nil)
	}
	return report, nil
}

func (s *stubStore) Set(ctx context.Context, runID string, report *ExecutionReport) error {
	s.reports[runID] = report
	return nil
}

func nextEvent(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event delivery")
		return eventbus.Event{}
	}
}

func TestAnalyzingTransition_EmitsPerformanceWarnings(t *testing.T) {
	bus := eventbus.NewChannelBus(eventbus.WithWorkerCount(1))
	defer bus.Close()

	got := make(chan eventbus.Event, 8)
	if _, err := bus.SubscribeAll(func(_ context.Context, e eventbus.Event) error {
		got <- e
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	warning := Insight{
		Type:       InsightPerformance,
		Impact:     ImpactHigh,
		Message:    "task 'slow' dominates the run",
		Suggestion: "split the task",
	}
	quiet := Insight{Type: InsightOptimization, Impact: ImpactLow, Message: "memory headroom"}

	store := &stubStore{reports: map[string]*ExecutionReport{}}
	components := engineComponents{
		Analyzer: stubAnalyzer{insights: []Insight{warning, quiet}},
		Store:    store,
		Strategy: DefaultStrategy,
	}

	rc := NewRunContext("r1", Workflow{ID: "wf"}, NewExecutionContext("", nil))
	rc.Report = &ExecutionReport{
		RunID:    "r1",
		Success:  true,
		Results:  map[string]*TaskExecutionResult{},
		Insights: []Insight{},
	}

	next, err := createAnalyzingTransition(components)(context.Background(), bus, rc)
	if err != nil {
		t.Fatal(err)
	}
	if next != StateComplete {
		t.Errorf("next state = %s, want %s", next, StateComplete)
	}
	if _, ok := store.reports["r1"]; !ok {
		t.Error("report not persisted")
	}

	// High-impact performance insights reach the stream ahead of the
	// completion event; other insights stay report-only.
	e := nextEvent(t, got)
	if e.Type != eventbus.EventPerformanceWarning {
		t.Fatalf("first event = %s, want %s", e.Type, eventbus.EventPerformanceWarning)
	}
	if e.Payload != warning.Message {
		t.Errorf("payload = %v, want %q", e.Payload, warning.Message)
	}
	if e.Metadata["suggestion"] != warning.Suggestion {
		t.Errorf("suggestion = %v, want %q", e.Metadata["suggestion"], warning.Suggestion)
	}

	e = nextEvent(t, got)
	if e.Type != eventbus.EventWorkflowCompleted {
		t.Errorf("second event = %s, want %s", e.Type, eventbus.EventWorkflowCompleted)
	}
}
