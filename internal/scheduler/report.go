package scheduler

import (
	"sync"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"

	"github.com/skaldworks/weft"
)

// reportBuilder accumulates per-task results into an ExecutionReport. It
// is the single writer for the report during a run: per-task slots are
// write-once and all mutation goes through the builder's lock.
type reportBuilder struct {
	mu   sync.Mutex
	rep  *weft.ExecutionReport
	hist *hdrhistogram.Histogram
}

func newReportBuilder(req weft.RunRequest) *reportBuilder {
	return &reportBuilder{
		rep: &weft.ExecutionReport{
			RunID:     req.RunID,
			Workflow:  req.Workflow,
			Strategy:  req.Strategy,
			StartTime: time.Now(),
			Results:   make(map[string]*weft.TaskExecutionResult, len(req.Workflow.Tasks)),
			Errors:    []weft.ExecutionError{},
			Insights:  []weft.Insight{},
		},
		// Task durations in milliseconds, up to one hour.
		hist: hdrhistogram.New(1, 3_600_000, 3),
	}
}

// record stores a terminal task result. A second write for the same task
// id is ignored, keeping slots write-once.
func (b *reportBuilder) record(res *weft.TaskExecutionResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.rep.Results[res.TaskID]; exists {
		return
	}
	b.rep.Results[res.TaskID] = res

	if res.Status == weft.TaskStatusFailed {
		b.rep.Errors = append(b.rep.Errors, weft.ExecutionError{
			TaskID:    res.TaskID,
			Message:   res.Error,
			Timestamp: res.Metrics.EndTime,
		})
	}
	if res.Status != weft.TaskStatusSkipped {
		ms := res.Metrics.Duration.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		_ = b.hist.RecordValue(ms)
	}
}

// markParallelPhase counts one phase that ran in parallel mode. Counted
// per phase, not per task.
func (b *reportBuilder) markParallelPhase() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rep.Statistics.ParallelPhases++
}

// markAborted flags the critical-failure abort on the report.
func (b *reportBuilder) markAborted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rep.Aborted = true
}

// finish freezes the report: stamps timing, derives the aggregate
// statistics from the recorded results, and settles overall success.
// Success stays true through non-critical failures; a failed critical
// task, an abort, or a cancellation makes it false.
func (b *reportBuilder) finish(cancelled bool) *weft.ExecutionReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	rep := b.rep
	rep.EndTime = time.Now()
	rep.Duration = rep.EndTime.Sub(rep.StartTime)

	stats := &rep.Statistics
	stats.TotalTasks = len(rep.Workflow.Tasks)

	var totalDur time.Duration
	executed := 0
	criticalFailed := false
	for _, res := range rep.Results {
		switch res.Status {
		case weft.TaskStatusCompleted:
			stats.CompletedTasks++
		case weft.TaskStatusFailed:
			stats.FailedTasks++
			if t := rep.Workflow.TaskByID(res.TaskID); t != nil && t.Critical {
				criticalFailed = true
			}
		case weft.TaskStatusSkipped:
			stats.SkippedTasks++
			continue
		}
		executed++
		totalDur += res.Metrics.Duration
		if res.Metrics.RetryCount > 0 {
			stats.RetriedTasks++
		}
		if res.Metrics.MemoryUsedMB > stats.PeakMemoryMB {
			stats.PeakMemoryMB = res.Metrics.MemoryUsedMB
		}
		if res.Metrics.CPUPercent > stats.PeakCPUPercent {
			stats.PeakCPUPercent = res.Metrics.CPUPercent
		}
	}

	if executed > 0 {
		stats.AverageTaskDuration = totalDur / time.Duration(executed)
	}
	if b.hist.TotalCount() > 0 {
		stats.DurationP50 = time.Duration(b.hist.ValueAtQuantile(50)) * time.Millisecond
		stats.DurationP95 = time.Duration(b.hist.ValueAtQuantile(95)) * time.Millisecond
		stats.DurationP99 = time.Duration(b.hist.ValueAtQuantile(99)) * time.Millisecond
	}

	rep.Success = !criticalFailed && !rep.Aborted && !cancelled
	return rep
}
