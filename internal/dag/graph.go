// Package dag builds the job dependency graph: validates that every Needs
// reference resolves to a known job, that no job name repeats, and that the
// graph is acyclic, then computes topological levels via Kahn's algorithm
// (spec.md §4.6).
package dag

import (
	"sort"

	"github.com/ratchet-ci/ratchet/internal/enginerr"
	"github.com/ratchet-ci/ratchet/internal/workflow"
)

// Graph is a validated, acyclic job dependency graph.
type Graph struct {
	jobs     map[string]workflow.Job
	order    []string            // declaration order, for deterministic dispatch within a level
	children map[string][]string // job -> jobs that need it
	needs    map[string][]string // job -> jobs it needs
}

// Build validates wf.Jobs and returns a Graph, or a typed error
// (DuplicateJobError, UnknownNeedError, CycleError) if validation fails.
func Build(wf *workflow.Workflow) (*Graph, error) {
	g := &Graph{
		jobs:     make(map[string]workflow.Job, len(wf.Jobs)),
		order:    make([]string, 0, len(wf.Jobs)),
		children: make(map[string][]string, len(wf.Jobs)),
		needs:    make(map[string][]string, len(wf.Jobs)),
	}

	for _, job := range wf.Jobs {
		if _, exists := g.jobs[job.Name]; exists {
			return nil, &enginerr.DuplicateJobError{Name: job.Name}
		}
		g.jobs[job.Name] = job
		g.order = append(g.order, job.Name)
	}

	for _, job := range wf.Jobs {
		for _, need := range job.Needs {
			if _, ok := g.jobs[need]; !ok {
				return nil, &enginerr.UnknownNeedError{Job: job.Name, Missing: need}
			}
			g.needs[job.Name] = append(g.needs[job.Name], need)
			g.children[need] = append(g.children[need], job.Name)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &enginerr.CycleError{Path: cycle}
	}

	return g, nil
}

// Jobs returns all job names in declaration order.
func (g *Graph) Jobs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Job returns the job definition for name.
func (g *Graph) Job(name string) (workflow.Job, bool) {
	j, ok := g.jobs[name]
	return j, ok
}

// Needs returns the jobs that name directly depends on.
func (g *Graph) Needs(name string) []string {
	return g.needs[name]
}

// Children returns the jobs that directly depend on name.
func (g *Graph) Children(name string) []string {
	return g.children[name]
}

// Levels computes topological levels via Kahn's algorithm: level 0 contains
// every job with no unresolved needs, level 1 contains jobs whose needs are
// all satisfied by level 0, and so on. Jobs within a level are returned in
// declaration order.
func (g *Graph) Levels() [][]string {
	inDegree := make(map[string]int, len(g.order))
	for _, name := range g.order {
		inDegree[name] = len(g.needs[name])
	}

	var levels [][]string
	remaining := len(g.order)

	for remaining > 0 {
		var ready []string
		for _, name := range g.order {
			if inDegree[name] == 0 {
				ready = append(ready, name)
			}
		}
		// Build() already rejects cycles, so ready is always non-empty here.
		sort.SliceStable(ready, func(i, j int) bool {
			return g.indexOf(ready[i]) < g.indexOf(ready[j])
		})

		levels = append(levels, ready)
		for _, name := range ready {
			inDegree[name] = -1 // mark consumed
			remaining--
			for _, child := range g.children[name] {
				if inDegree[child] > 0 {
					inDegree[child]--
				}
			}
		}
	}

	return levels
}

func (g *Graph) indexOf(name string) int {
	for i, n := range g.order {
		if n == name {
			return i
		}
	}
	return -1
}

// findCycle returns the cycle path if the needs graph has one, or nil if
// acyclic. Uses a standard white/gray/black DFS.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.order))
	var path []string

	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = gray
		path = append(path, name)

		for _, need := range g.needs[name] {
			switch color[need] {
			case gray:
				// Found the back edge; trim path to start at the cycle root.
				start := 0
				for i, n := range path {
					if n == need {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), need)
				return cycle
			case white:
				if c := visit(need); c != nil {
					return c
				}
			}
		}

		color[name] = black
		path = path[:len(path)-1]
		return nil
	}

	for _, name := range g.order {
		if color[name] == white {
			if c := visit(name); c != nil {
				return c
			}
		}
	}
	return nil
}
