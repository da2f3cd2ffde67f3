package scheduler

import (
	"testing"
	"time"

	"github.com/skaldworks/weft"
)

func builderFor(tasks ...weft.Task) *reportBuilder {
	return newReportBuilder(weft.RunRequest{
		RunID:    "run-1",
		Workflow: weft.Workflow{ID: "wf", Tasks: tasks},
		Strategy: weft.DefaultStrategy(),
	})
}

func result(id string, status weft.TaskStatus, dur time.Duration) *weft.TaskExecutionResult {
	now := time.Now()
	res := &weft.TaskExecutionResult{
		TaskID:  id,
		Status:  status,
		Success: status == weft.TaskStatusCompleted,
		Metrics: weft.TaskMetrics{StartTime: now.Add(-dur), EndTime: now, Duration: dur},
	}
	if status == weft.TaskStatusFailed {
		res.Error = "boom"
	}
	return res
}

func TestReportBuilder_SlotsAreWriteOnce(t *testing.T) {
	b := builderFor(weft.Task{ID: "a"})
	b.record(result("a", weft.TaskStatusCompleted, 10*time.Millisecond))
	b.record(result("a", weft.TaskStatusFailed, 99*time.Millisecond))

	rep := b.finish(false)
	if rep.Results["a"].Status != weft.TaskStatusCompleted {
		t.Error("second write overwrote the task's result slot")
	}
	if len(rep.Errors) != 0 {
		t.Errorf("ignored duplicate still appended an error: %v", rep.Errors)
	}
}

func TestReportBuilder_ErrorsPreserveArrivalOrder(t *testing.T) {
	b := builderFor(weft.Task{ID: "a"}, weft.Task{ID: "b"}, weft.Task{ID: "c"})
	b.record(result("b", weft.TaskStatusFailed, time.Millisecond))
	b.record(result("a", weft.TaskStatusFailed, time.Millisecond))
	b.record(result("c", weft.TaskStatusCompleted, time.Millisecond))

	rep := b.finish(false)
	if len(rep.Errors) != 2 || rep.Errors[0].TaskID != "b" || rep.Errors[1].TaskID != "a" {
		t.Errorf("error order = %v, want [b a]", rep.Errors)
	}
}

func TestReportBuilder_Statistics(t *testing.T) {
	b := builderFor(weft.Task{ID: "a"}, weft.Task{ID: "b"}, weft.Task{ID: "c"}, weft.Task{ID: "d"})

	fast := result("a", weft.TaskStatusCompleted, 10*time.Millisecond)
	fast.Metrics.RetryCount = 1
	fast.Metrics.MemoryUsedMB = 128
	b.record(fast)
	b.record(result("b", weft.TaskStatusCompleted, 30*time.Millisecond))
	b.record(result("c", weft.TaskStatusFailed, 20*time.Millisecond))
	b.record(result("d", weft.TaskStatusSkipped, 0))
	b.markParallelPhase()

	rep := b.finish(false)
	stats := rep.Statistics

	if stats.TotalTasks != 4 || stats.CompletedTasks != 2 || stats.FailedTasks != 1 || stats.SkippedTasks != 1 {
		t.Errorf("counts = %+v", stats)
	}
	if stats.RetriedTasks != 1 {
		t.Errorf("RetriedTasks = %d, want 1", stats.RetriedTasks)
	}
	if stats.ParallelPhases != 1 {
		t.Errorf("ParallelPhases = %d, want 1", stats.ParallelPhases)
	}
	if want := 20 * time.Millisecond; stats.AverageTaskDuration != want {
		t.Errorf("AverageTaskDuration = %v, want %v", stats.AverageTaskDuration, want)
	}
	if stats.PeakMemoryMB != 128 {
		t.Errorf("PeakMemoryMB = %v, want 128", stats.PeakMemoryMB)
	}
	// Skipped tasks do not enter the duration distribution.
	if stats.DurationP50 < 10*time.Millisecond || stats.DurationP99 > 31*time.Millisecond {
		t.Errorf("percentiles out of range: p50=%v p99=%v", stats.DurationP50, stats.DurationP99)
	}
	if !rep.Success {
		t.Error("non-critical failure must keep the run successful")
	}
}

func TestReportBuilder_SuccessSemantics(t *testing.T) {
	tests := []struct {
		name      string
		critical  bool
		aborted   bool
		cancelled bool
		want      bool
	}{
		{"clean run", false, false, false, true},
		{"critical failure", true, false, false, false},
		{"aborted", false, true, false, false},
		{"cancelled", false, false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := builderFor(weft.Task{ID: "a", Critical: tt.critical})
			b.record(result("a", weft.TaskStatusFailed, time.Millisecond))
			if tt.aborted {
				b.markAborted()
			}
			rep := b.finish(tt.cancelled)
			if rep.Success != tt.want {
				t.Errorf("Success = %v, want %v", rep.Success, tt.want)
			}
		})
	}
}
