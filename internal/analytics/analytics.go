// Package analytics computes post-execution diagnostics for a finished
// run: the critical path through the dependency graph, a parallelization
// score, and a set of human-readable insights with impact ratings.
package analytics

import (
	"fmt"
	"strings"
	"time"

	"github.com/skaldworks/weft"
)

// defaultTaskWeight stands in for tasks with neither a measured duration
// nor an estimate.
const defaultTaskWeight = time.Second

// Engine implements weft.Analyzer.
type Engine struct{}

// New creates an analytics engine.
func New() *Engine {
	return &Engine{}
}

// Analyze inspects a finished report and returns generated insights in a
// stable order: critical path, parallelization, retry rate, failure
// rate, slowest task, memory utilization.
func (e *Engine) Analyze(report *weft.ExecutionReport) []weft.Insight {
	insights := make([]weft.Insight, 0, 6)

	path, pathWeight := CriticalPath(report)
	if len(path) > 0 && report.Duration > 0 && float64(pathWeight) > 0.8*float64(report.Duration) {
		insights = append(insights, weft.Insight{
			Type:    weft.InsightPerformance,
			Impact:  weft.ImpactHigh,
			Message: fmt.Sprintf("critical path %s dominates the run (%v of %v total)", strings.Join(path, " -> "), pathWeight, report.Duration),
			Suggestion: fmt.Sprintf("shorten or split the tasks on the critical path, starting with '%s'",
				slowestOnPath(report, path)),
		})
	}

	total := len(report.Workflow.Tasks)
	if score := ParallelizationScore(report.Workflow); total > 1 && score > 0.7 {
		insights = append(insights, weft.Insight{
			Type:       weft.InsightOptimization,
			Impact:     weft.ImpactMedium,
			Message:    fmt.Sprintf("workflow splits into largely independent task groups (parallelization score %.2f)", score),
			Suggestion: "raise maxConcurrency to exploit the independent groups",
		})
	}

	stats := report.Statistics
	if total > 0 && float64(stats.RetriedTasks) > 0.3*float64(total) {
		insights = append(insights, weft.Insight{
			Type:       weft.InsightWarning,
			Impact:     weft.ImpactMedium,
			Message:    fmt.Sprintf("%d of %d tasks needed retries", stats.RetriedTasks, total),
			Suggestion: "investigate flaky handlers or raise per-task timeouts",
		})
	}

	if total > 0 && float64(stats.FailedTasks) > 0.2*float64(total) {
		insights = append(insights, weft.Insight{
			Type:       weft.InsightWarning,
			Impact:     weft.ImpactHigh,
			Message:    fmt.Sprintf("%d of %d tasks failed", stats.FailedTasks, total),
			Suggestion: "inspect the error list; a shared upstream cause is likely at this rate",
		})
	}

	if id, dur, avg := slowestExecuted(report); id != "" && avg > 0 && dur > 2*avg {
		insights = append(insights, weft.Insight{
			Type:       weft.InsightPerformance,
			Impact:     weft.ImpactHigh,
			Message:    fmt.Sprintf("task '%s' took %v, more than twice the %v average", id, dur, avg),
			Suggestion: fmt.Sprintf("profile '%s' or move it onto its own phase", id),
		})
	}

	if limit := report.Strategy.Resources.MaxMemoryMB; limit > 0 {
		if avg, ok := averageMemoryMB(report); ok && avg < 0.3*float64(limit) {
			insights = append(insights, weft.Insight{
				Type:       weft.InsightOptimization,
				Impact:     weft.ImpactLow,
				Message:    fmt.Sprintf("average task memory %.0fMB is well under the %dMB limit", avg, limit),
				Suggestion: "memory headroom allows higher concurrency",
			})
		}
	}

	return insights
}

// CriticalPath returns the heaviest dependency chain ending at a leaf
// task (one no other task depends on) and its cumulative weight. Weights
// are measured durations where the task ran, the task's estimate
// otherwise, and a one second default failing both.
func CriticalPath(report *weft.ExecutionReport) ([]string, time.Duration) {
	wf := report.Workflow
	if len(wf.Tasks) == 0 {
		return nil, 0
	}

	weights := make(map[string]time.Duration, len(wf.Tasks))
	for _, task := range wf.Tasks {
		weights[task.ID] = taskWeight(report, task)
	}

	hasDependent := make(map[string]bool)
	for _, task := range wf.Tasks {
		for _, dep := range task.Dependencies {
			hasDependent[dep] = true
		}
	}

	memo := make(map[string]time.Duration, len(wf.Tasks))
	choice := make(map[string]string, len(wf.Tasks))
	visiting := make(map[string]bool)

	var heaviest func(id string) time.Duration
	heaviest = func(id string) time.Duration {
		if w, ok := memo[id]; ok {
			return w
		}
		if visiting[id] {
			return 0
		}
		visiting[id] = true
		defer delete(visiting, id)

		task := wf.TaskByID(id)
		if task == nil {
			return 0
		}
		var best time.Duration
		for _, dep := range task.Dependencies {
			if w := heaviest(dep); w > best {
				best = w
				choice[id] = dep
			}
		}
		total := best + weights[id]
		memo[id] = total
		return total
	}

	var leaf string
	var leafWeight time.Duration
	for _, task := range wf.Tasks {
		if hasDependent[task.ID] {
			continue
		}
		if w := heaviest(task.ID); leaf == "" || w > leafWeight {
			leaf = task.ID
			leafWeight = w
		}
	}
	if leaf == "" {
		return nil, 0
	}

	var path []string
	for id := leaf; id != ""; id = choice[id] {
		path = append(path, id)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, leafWeight
}

// ParallelizationScore is the ratio of weakly-connected components to
// tasks, treating dependency edges as undirected. 1.0 means every task
// is independent.
func ParallelizationScore(wf weft.Workflow) float64 {
	if len(wf.Tasks) == 0 {
		return 0
	}

	adjacent := make(map[string][]string, len(wf.Tasks))
	for _, task := range wf.Tasks {
		for _, dep := range task.Dependencies {
			adjacent[task.ID] = append(adjacent[task.ID], dep)
			adjacent[dep] = append(adjacent[dep], task.ID)
		}
	}

	seen := make(map[string]bool, len(wf.Tasks))
	components := 0
	for _, task := range wf.Tasks {
		if seen[task.ID] {
			continue
		}
		components++
		stack := []string{task.ID}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[id] {
				continue
			}
			seen[id] = true
			stack = append(stack, adjacent[id]...)
		}
	}
	return float64(components) / float64(len(wf.Tasks))
}

func taskWeight(report *weft.ExecutionReport, task weft.Task) time.Duration {
	if res, ok := report.Results[task.ID]; ok && res != nil &&
		res.Status != weft.TaskStatusSkipped && res.Metrics.Duration > 0 {
		return res.Metrics.Duration
	}
	if task.EstimatedDuration > 0 {
		return task.EstimatedDuration
	}
	return defaultTaskWeight
}

func slowestOnPath(report *weft.ExecutionReport, path []string) string {
	slowest := path[0]
	var max time.Duration
	for _, id := range path {
		task := report.Workflow.TaskByID(id)
		if task == nil {
			continue
		}
		if w := taskWeight(report, *task); w > max {
			max = w
			slowest = id
		}
	}
	return slowest
}

func slowestExecuted(report *weft.ExecutionReport) (string, time.Duration, time.Duration) {
	var slowest string
	var max, sum time.Duration
	n := 0
	for _, task := range report.Workflow.Tasks {
		res, ok := report.Results[task.ID]
		if !ok || res == nil || res.Status == weft.TaskStatusSkipped || res.Metrics.Duration <= 0 {
			continue
		}
		n++
		sum += res.Metrics.Duration
		if res.Metrics.Duration > max {
			max = res.Metrics.Duration
			slowest = task.ID
		}
	}
	if n == 0 {
		return "", 0, 0
	}
	return slowest, max, sum / time.Duration(n)
}

func averageMemoryMB(report *weft.ExecutionReport) (float64, bool) {
	var sum float64
	n := 0
	for _, res := range report.Results {
		if res == nil || res.Metrics.MemoryUsedMB <= 0 {
			continue
		}
		n++
		sum += res.Metrics.MemoryUsedMB
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
