// Package graph holds the per-step dependency graph and the queries the
// scheduler asks of it.
package graph

import (
	"fmt"
	"sort"

	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// StatusFunc reports the current status of the task at an index.
type StatusFunc func(index int) compute.TaskStatus

// Check is the answer to CanExecute.
type Check struct {
	// CanRun is true when every dependency has completed.
	CanRun bool
	// Blocked lists dependencies that reached an error status.
	Blocked []int
}

// Graph maps each task index to the indices it depends on.
type Graph struct {
	deps       [][]int
	dependents [][]int
}

// New builds a graph from adjacency lists. Dependency indices must be in
// range; cycles are accepted here and detected while scheduling.
func New(deps [][]int) (*Graph, error) {
	n := len(deps)
	g := &Graph{
		deps:       make([][]int, n),
		dependents: make([][]int, n),
	}
	for i, list := range deps {
		seen := make(map[int]struct{}, len(list))
		for _, d := range list {
			if d < 0 || d >= n {
				return nil, compute.NewValidationError(compute.StageValidation,
					fmt.Sprintf("task %d depends on unknown task %d", i, d), nil)
			}
			if _, dup := seen[d]; dup {
				continue
			}
			seen[d] = struct{}{}
			g.deps[i] = append(g.deps[i], d)
			g.dependents[d] = append(g.dependents[d], i)
		}
	}
	return g, nil
}

// FromTasks builds the graph of a step and rejects duplicate unique IDs.
func FromTasks(tasks []*compute.Task) (*Graph, error) {
	ids := make(map[string]int, len(tasks))
	deps := make([][]int, len(tasks))
	for i, t := range tasks {
		if t.Index != i {
			return nil, compute.NewValidationError(compute.StageValidation,
				fmt.Sprintf("task at position %d has index %d", i, t.Index), nil)
		}
		if prev, dup := ids[t.UniqueID]; dup {
			return nil, compute.NewValidationError(compute.StageValidation,
				fmt.Sprintf("tasks %d and %d share unique id %q", prev, i, t.UniqueID), nil)
		}
		ids[t.UniqueID] = i
		deps[i] = t.Dependencies
	}
	return New(deps)
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.deps) }

// Dependencies returns the dependency indices of task i.
func (g *Graph) Dependencies(i int) []int { return g.deps[i] }

// Dependents returns the tasks that depend on task i.
func (g *Graph) Dependents(i int) []int { return g.dependents[i] }

// HasEdges reports whether any task declares a dependency.
func (g *Graph) HasEdges() bool {
	for _, d := range g.deps {
		if len(d) > 0 {
			return true
		}
	}
	return false
}

// CanExecute reports whether task i can be dispatched now. A dependency in
// error status makes the task blocked; it will never run.
func (g *Graph) CanExecute(i int, status StatusFunc) Check {
	check := Check{CanRun: true}
	for _, d := range g.deps[i] {
		switch status(d) {
		case compute.TaskStatusCompleted:
		case compute.TaskStatusError:
			check.Blocked = append(check.Blocked, d)
			check.CanRun = false
		default:
			check.CanRun = false
		}
	}
	return check
}

// Unresolved counts the dependencies of task i that have not completed.
func (g *Graph) Unresolved(i int, status StatusFunc) int {
	n := 0
	for _, d := range g.deps[i] {
		if status(d) != compute.TaskStatusCompleted {
			n++
		}
	}
	return n
}

// FindCycles returns the cycles formed by the candidate tasks, looking only at
// edges between candidates. Each cycle is listed in ascending index order and
// cycles are ordered by their smallest member.
func (g *Graph) FindCycles(candidates []int) [][]int {
	in := make(map[int]bool, len(candidates))
	for _, c := range candidates {
		in[c] = true
	}

	// Tarjan's strongly connected components over the candidate subgraph.
	index := 0
	indices := make(map[int]int, len(candidates))
	lowlink := make(map[int]int, len(candidates))
	onStack := make(map[int]bool, len(candidates))
	var stack []int
	var cycles [][]int

	var connect func(v int)
	connect = func(v int) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.deps[v] {
			if !in[w] {
				continue
			}
			if _, seen := indices[w]; !seen {
				connect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] != indices[v] {
			return
		}
		var scc []int
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		if len(scc) > 1 || g.selfLoop(v) {
			sort.Ints(scc)
			cycles = append(cycles, scc)
		}
	}

	sorted := append([]int(nil), candidates...)
	sort.Ints(sorted)
	for _, v := range sorted {
		if _, seen := indices[v]; !seen {
			connect(v)
		}
	}
	sort.Slice(cycles, func(a, b int) bool { return cycles[a][0] < cycles[b][0] })
	return cycles
}

func (g *Graph) selfLoop(v int) bool {
	for _, d := range g.deps[v] {
		if d == v {
			return true
		}
	}
	return false
}

// TopologicalOrder returns the task indices in dependency order, lowest
// index first among ready tasks, or a CircularDependencyError.
func (g *Graph) TopologicalOrder() ([]int, error) {
	n := len(g.deps)
	remaining := make([]int, n)
	for i := range g.deps {
		remaining[i] = len(g.deps[i])
	}
	var ready []int
	for i, r := range remaining {
		if r == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]int, 0, n)
	for len(ready) > 0 {
		sort.Ints(ready)
		v := ready[0]
		ready = ready[1:]
		order = append(order, v)
		for _, w := range g.dependents[v] {
			remaining[w]--
			if remaining[w] == 0 {
				ready = append(ready, w)
			}
		}
	}
	if len(order) != n {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		cycles := g.FindCycles(all)
		if len(cycles) > 0 {
			return nil, compute.NewCircularDependencyError(compute.StageValidation, cycles[0])
		}
		return nil, compute.NewInternalError(compute.StageValidation, "graph could not be ordered", nil)
	}
	return order, nil
}
