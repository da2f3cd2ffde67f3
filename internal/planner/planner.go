// Package planner validates workflow graphs and layers them into phases.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/skaldworks/weft"
)

// GraphPlanner implements weft.Planner with topological phase layering.
type GraphPlanner struct{}

// New creates a GraphPlanner.
func New() *GraphPlanner {
	return &GraphPlanner{}
}

// Validate checks the workflow's structural integrity: a non-empty task
// list, unique task ids, dependency references that resolve within the
// workflow, and cycle freedom.
func (p *GraphPlanner) Validate(wf weft.Workflow) error {
	if len(wf.Tasks) == 0 {
		return weft.NewValidationError("workflow has no tasks", nil)
	}

	ids := make(map[string]struct{}, len(wf.Tasks))
	for _, t := range wf.Tasks {
		if t.ID == "" {
			return weft.NewValidationError("task with empty id", nil)
		}
		if _, exists := ids[t.ID]; exists {
			return weft.NewValidationError(fmt.Sprintf("duplicate task id '%s'", t.ID), nil)
		}
		ids[t.ID] = struct{}{}
	}

	for _, t := range wf.Tasks {
		for _, dep := range t.Dependencies {
			if _, exists := ids[dep]; !exists {
				return weft.NewValidationError(fmt.Sprintf("task '%s' depends on unknown task '%s'", t.ID, dep), nil)
			}
		}
	}

	if cycle := FindCycle(wf); cycle != nil {
		return weft.NewCycleError(fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")), nil)
	}
	return nil
}

// FindCycle runs a depth-first search over the dependency edges tracking
// the recursion stack. It returns the explicit cycle path (closing back on
// its first node, e.g. [a b c a]), or nil when the graph is acyclic.
func FindCycle(wf weft.Workflow) []string {
	deps := make(map[string][]string, len(wf.Tasks))
	order := make([]string, 0, len(wf.Tasks))
	for _, t := range wf.Tasks {
		deps[t.ID] = t.Dependencies
		order = append(order, t.ID)
	}

	visited := make(map[string]bool, len(wf.Tasks))
	onStack := make(map[string]bool, len(wf.Tasks))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		if onStack[id] {
			// Close the loop: everything on the path from the first
			// occurrence of id is part of the cycle.
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			cycle = append(append(cycle, path[start:]...), id)
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		onStack[id] = true
		path = append(path, id)
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue
			}
			if visit(dep) {
				return true
			}
		}
		path = path[:len(path)-1]
		onStack[id] = false
		return false
	}

	for _, id := range order {
		if visit(id) {
			return cycle
		}
	}
	return nil
}

// Plan layers the workflow into phases: repeatedly collect every not-yet
// placed task whose dependencies are all satisfied by earlier phases. A
// scan that yields nothing while tasks remain means the leftovers form or
// depend on a cycle.
//
// Under priority_first, each phase is stable-sorted by priority rank
// descending so higher-priority tasks are dispatched first when the
// concurrency ceiling partially serializes the phase.
func (p *GraphPlanner) Plan(wf weft.Workflow, strategy weft.ExecutionStrategy) (*weft.ExecutionPlan, error) {
	if err := p.Validate(wf); err != nil {
		return nil, err
	}

	completed := make(map[string]struct{}, len(wf.Tasks))
	placed := make(map[string]struct{}, len(wf.Tasks))
	plan := &weft.ExecutionPlan{}

	for len(placed) < len(wf.Tasks) {
		var phase []string
		for _, t := range wf.Tasks {
			if _, done := placed[t.ID]; done {
				continue
			}
			ready := true
			for _, dep := range t.Dependencies {
				if _, ok := completed[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				phase = append(phase, t.ID)
			}
		}

		if len(phase) == 0 {
			var stuck []string
			for _, t := range wf.Tasks {
				if _, done := placed[t.ID]; !done {
					stuck = append(stuck, t.ID)
				}
			}
			return nil, weft.NewCycleError(fmt.Sprintf("unresolvable dependencies for tasks: %s", strings.Join(stuck, ", ")), nil)
		}

		if strategy.Mode == weft.ModePriorityFirst {
			sortByPriority(phase, wf)
		}

		for _, id := range phase {
			placed[id] = struct{}{}
		}
		// Planning-time completion only; execution happens later.
		for _, id := range phase {
			completed[id] = struct{}{}
		}
		plan.Phases = append(plan.Phases, phase)
	}

	return plan, nil
}

// sortByPriority stable-sorts task ids by priority rank descending.
func sortByPriority(phase []string, wf weft.Workflow) {
	rank := make(map[string]int, len(phase))
	for _, id := range phase {
		if t := wf.TaskByID(id); t != nil {
			rank[id] = t.Priority.Rank()
		}
	}
	sort.SliceStable(phase, func(i, j int) bool {
		return rank[phase[i]] > rank[phase[j]]
	})
}

// Dependents builds the reverse adjacency of a workflow: task id to the
// ids of tasks that depend on it.
func Dependents(wf weft.Workflow) map[string][]string {
	dependents := make(map[string][]string, len(wf.Tasks))
	for _, t := range wf.Tasks {
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}
	return dependents
}

// TransitiveDependents returns every task reachable from id along
// dependent edges.
func TransitiveDependents(wf weft.Workflow, id string) []string {
	dependents := Dependents(wf)
	seen := make(map[string]struct{})
	var out []string
	var walk func(cur string)
	walk = func(cur string) {
		for _, next := range dependents[cur] {
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			out = append(out, next)
			walk(next)
		}
	}
	walk(id)
	sort.Strings(out)
	return out
}
