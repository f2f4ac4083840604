package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/agentplane/agentplane/pkg/model"
)

// Graph errors.
var (
	// ErrCycle indicates the dependency map is not a DAG.
	ErrCycle = errors.New("dependency cycle detected")

	// ErrUnknownTask indicates a dependency references a task not in the plan.
	ErrUnknownTask = errors.New("dependency references unknown task")
)

// DependencyGraph tracks prerequisite edges between plan tasks and which
// tasks have completed. Not safe for concurrent use; callers serialize.
type DependencyGraph struct {
	deps      map[string]map[string]bool // task -> prerequisites
	succ      map[string]map[string]bool // task -> dependents
	completed map[string]bool
}

// NewGraph builds and validates the graph: every referenced task must exist
// and the edges must form a DAG.
func NewGraph(tasks []*model.Task, deps map[string][]string) (*DependencyGraph, error) {
	g := &DependencyGraph{
		deps:      make(map[string]map[string]bool, len(tasks)),
		succ:      make(map[string]map[string]bool, len(tasks)),
		completed: make(map[string]bool),
	}
	for _, t := range tasks {
		g.deps[t.ID] = make(map[string]bool)
	}

	for id, prereqs := range deps {
		if _, ok := g.deps[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
		}
		for _, p := range prereqs {
			if _, ok := g.deps[p]; !ok {
				return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownTask, id, p)
			}
			g.deps[id][p] = true
			if g.succ[p] == nil {
				g.succ[p] = make(map[string]bool)
			}
			g.succ[p][id] = true
		}
	}

	// Also honor dependencies declared inline on the tasks.
	for _, t := range tasks {
		for _, p := range t.Dependencies {
			if _, ok := g.deps[p]; !ok {
				return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownTask, t.ID, p)
			}
			g.deps[t.ID][p] = true
			if g.succ[p] == nil {
				g.succ[p] = make(map[string]bool)
			}
			g.succ[p][t.ID] = true
		}
	}

	if g.hasCycle() {
		return nil, ErrCycle
	}
	return g, nil
}

// Ready returns tasks whose prerequisites have all completed, sorted for
// deterministic scheduling.
func (g *DependencyGraph) Ready() []string {
	var out []string
	for id, prereqs := range g.deps {
		if g.completed[id] {
			continue
		}
		ready := true
		for p := range prereqs {
			if !g.completed[p] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// MarkCompleted records a completion and returns the dependents that just
// became ready.
func (g *DependencyGraph) MarkCompleted(id string) []string {
	if g.completed[id] {
		return nil
	}
	g.completed[id] = true

	var newlyReady []string
	for dep := range g.succ[id] {
		if g.completed[dep] {
			continue
		}
		ready := true
		for p := range g.deps[dep] {
			if !g.completed[p] {
				ready = false
				break
			}
		}
		if ready {
			newlyReady = append(newlyReady, dep)
		}
	}
	sort.Strings(newlyReady)
	return newlyReady
}

// Completed reports whether the task has been marked completed.
func (g *DependencyGraph) Completed(id string) bool {
	return g.completed[id]
}

// Blocked returns tasks that can never run because a prerequisite is in
// failed, where failed holds terminally unsuccessful task ids.
func (g *DependencyGraph) Blocked(failed map[string]bool) []string {
	blocked := make(map[string]bool)
	changed := true
	for changed {
		changed = false
		for id, prereqs := range g.deps {
			if blocked[id] || g.completed[id] {
				continue
			}
			for p := range prereqs {
				if failed[p] || blocked[p] {
					blocked[id] = true
					changed = true
					break
				}
			}
		}
	}
	out := make([]string, 0, len(blocked))
	for id := range blocked {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// hasCycle runs an iterative three-color DFS. Recursion is avoided so plans
// with thousands of tasks cannot blow the stack.
func (g *DependencyGraph) hasCycle() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.deps))

	type frame struct {
		id    string
		nexts []string
	}

	for start := range g.deps {
		if color[start] != white {
			continue
		}
		stack := []frame{{id: start, nexts: keys(g.deps[start])}}
		color[start] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if len(top.nexts) == 0 {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			next := top.nexts[0]
			top.nexts = top.nexts[1:]
			switch color[next] {
			case gray:
				return true
			case white:
				color[next] = gray
				stack = append(stack, frame{id: next, nexts: keys(g.deps[next])})
			}
		}
	}
	return false
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
