package analytics

import (
	"strings"
	"testing"
	"time"

	"github.com/skaldworks/weft"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func reportFor(wf weft.Workflow, durations map[string]time.Duration) *weft.ExecutionReport {
	rep := &weft.ExecutionReport{
		Workflow: wf,
		Strategy: weft.DefaultStrategy(),
		Results:  make(map[string]*weft.TaskExecutionResult, len(durations)),
	}
	for id, dur := range durations {
		rep.Results[id] = &weft.TaskExecutionResult{
			TaskID:  id,
			Status:  weft.TaskStatusCompleted,
			Success: true,
			Metrics: weft.TaskMetrics{Duration: dur},
		}
	}
	return rep
}

func TestCriticalPath_PicksHeaviestChain(t *testing.T) {
	wf := weft.Workflow{ID: "wf", Tasks: []weft.Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"a"}},
	}}
	rep := reportFor(wf, map[string]time.Duration{
		"a": ms(1000),
		"b": ms(3000),
		"c": ms(500),
	})

	path, weight := CriticalPath(rep)
	if got, want := strings.Join(path, ","), "a,b"; got != want {
		t.Errorf("path = %s, want %s", got, want)
	}
	if weight != ms(4000) {
		t.Errorf("weight = %v, want 4s", weight)
	}
}

func TestCriticalPath_WeightFallbacks(t *testing.T) {
	wf := weft.Workflow{ID: "wf", Tasks: []weft.Task{
		{ID: "a", EstimatedDuration: ms(5000)},
		{ID: "b", Dependencies: []string{"a"}},
	}}
	// Neither task ran: a falls back to its estimate, b to the one
	// second default.
	rep := reportFor(wf, nil)

	path, weight := CriticalPath(rep)
	if got := strings.Join(path, ","); got != "a,b" {
		t.Errorf("path = %s, want a,b", got)
	}
	if weight != ms(6000) {
		t.Errorf("weight = %v, want 6s", weight)
	}
}

func TestCriticalPath_SkippedResultUsesEstimate(t *testing.T) {
	wf := weft.Workflow{ID: "wf", Tasks: []weft.Task{
		{ID: "a", EstimatedDuration: ms(2000)},
	}}
	rep := reportFor(wf, nil)
	rep.Results["a"] = &weft.TaskExecutionResult{
		TaskID:  "a",
		Status:  weft.TaskStatusSkipped,
		Metrics: weft.TaskMetrics{Duration: ms(1)},
	}

	_, weight := CriticalPath(rep)
	if weight != ms(2000) {
		t.Errorf("weight = %v, want 2s", weight)
	}
}

func TestCriticalPath_EmptyWorkflow(t *testing.T) {
	path, weight := CriticalPath(reportFor(weft.Workflow{}, nil))
	if path != nil || weight != 0 {
		t.Errorf("got path=%v weight=%v, want nil/0", path, weight)
	}
}

func TestParallelizationScore(t *testing.T) {
	tests := []struct {
		name  string
		tasks []weft.Task
		want  float64
	}{
		{
			name:  "all independent",
			tasks: []weft.Task{{ID: "a"}, {ID: "b"}, {ID: "c"}},
			want:  1.0,
		},
		{
			name: "single chain",
			tasks: []weft.Task{
				{ID: "a"},
				{ID: "b", Dependencies: []string{"a"}},
				{ID: "c", Dependencies: []string{"b"}},
				{ID: "d", Dependencies: []string{"c"}},
			},
			want: 0.25,
		},
		{
			name: "two groups",
			tasks: []weft.Task{
				{ID: "a"},
				{ID: "b", Dependencies: []string{"a"}},
				{ID: "c"},
				{ID: "d", Dependencies: []string{"c"}},
			},
			want: 0.5,
		},
		{
			name:  "empty",
			tasks: nil,
			want:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParallelizationScore(weft.Workflow{Tasks: tt.tasks})
			if got != tt.want {
				t.Errorf("score = %v, want %v", got, tt.want)
			}
		})
	}
}

func hasInsight(insights []weft.Insight, substr string) bool {
	for _, ins := range insights {
		if strings.Contains(ins.Message, substr) {
			return true
		}
	}
	return false
}

func TestAnalyze_CriticalPathDominance(t *testing.T) {
	wf := weft.Workflow{ID: "wf", Tasks: []weft.Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
	}}
	rep := reportFor(wf, map[string]time.Duration{"a": ms(400), "b": ms(500)})
	rep.Duration = ms(1000)

	insights := New().Analyze(rep)
	if !hasInsight(insights, "critical path") {
		t.Errorf("expected a critical path insight, got %v", insights)
	}

	// Drop the path under the 80% threshold.
	rep.Duration = ms(2000)
	insights = New().Analyze(rep)
	if hasInsight(insights, "critical path") {
		t.Errorf("path at 45%% of the run should not trigger an insight, got %v", insights)
	}
}

func TestAnalyze_FailureRateThreshold(t *testing.T) {
	tasks := make([]weft.Task, 10)
	for i := range tasks {
		tasks[i] = weft.Task{ID: string(rune('a' + i))}
	}
	rep := reportFor(weft.Workflow{ID: "wf", Tasks: tasks}, nil)

	rep.Statistics.FailedTasks = 4
	insights := New().Analyze(rep)
	if !hasInsight(insights, "failed") {
		t.Errorf("4/10 failures should trigger a warning, got %v", insights)
	}

	rep.Statistics.FailedTasks = 1
	insights = New().Analyze(rep)
	if hasInsight(insights, "failed") {
		t.Errorf("1/10 failures should stay quiet, got %v", insights)
	}
}

func TestAnalyze_RetryRateThreshold(t *testing.T) {
	tasks := []weft.Task{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	rep := reportFor(weft.Workflow{ID: "wf", Tasks: tasks}, nil)
	rep.Statistics.RetriedTasks = 2

	insights := New().Analyze(rep)
	if !hasInsight(insights, "retries") {
		t.Errorf("2/3 retried should trigger a warning, got %v", insights)
	}
}

func TestAnalyze_SlowOutlierTask(t *testing.T) {
	wf := weft.Workflow{ID: "wf", Tasks: []weft.Task{
		{ID: "a", Dependencies: nil},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"a"}},
	}}
	rep := reportFor(wf, map[string]time.Duration{
		"a": ms(100),
		"b": ms(100),
		"c": ms(1000),
	})

	insights := New().Analyze(rep)
	if !hasInsight(insights, "more than twice") {
		t.Errorf("expected a slow-task insight for c, got %v", insights)
	}
}

func TestAnalyze_MemoryHeadroom(t *testing.T) {
	wf := weft.Workflow{ID: "wf", Tasks: []weft.Task{{ID: "a"}}}
	rep := reportFor(wf, map[string]time.Duration{"a": ms(100)})
	rep.Results["a"].Metrics.MemoryUsedMB = 100
	rep.Strategy.Resources.MaxMemoryMB = 2048

	insights := New().Analyze(rep)
	if !hasInsight(insights, "memory") {
		t.Errorf("100MB average under a 2048MB limit should suggest headroom, got %v", insights)
	}
}

func TestAnalyze_QuietOnHealthyRun(t *testing.T) {
	wf := weft.Workflow{ID: "wf", Tasks: []weft.Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
	}}
	rep := reportFor(wf, map[string]time.Duration{"a": ms(100), "b": ms(100)})
	rep.Duration = ms(400)
	rep.Strategy.Resources.MaxMemoryMB = 0

	if insights := New().Analyze(rep); len(insights) != 0 {
		t.Errorf("healthy run produced insights: %v", insights)
	}
}
