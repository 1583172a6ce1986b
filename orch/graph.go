package orch

import (
	"strings"
)

// ExecutionGraph is the requisite graph derived from a workflow: nodes are
// steps, edges are require declarations. The graph is validated acyclic at
// build time; a cycle is a build error, never a runtime condition.
type ExecutionGraph struct {
	wf         *Workflow
	requires   map[string][]string
	dependents map[string][]string
}

// BuildGraph resolves requisite references and checks acyclicity.
//
// Errors:
//   - GraphError(UNKNOWN_REQUISITE) when a require entry names a step not in
//     the workflow. Requisites may reference steps in the same workflow only.
//   - GraphError(CYCLIC_DEPENDENCY) when the require edges form a cycle; the
//     message spells out the cycle path.
func BuildGraph(wf *Workflow) (*ExecutionGraph, error) {
	g := &ExecutionGraph{
		wf:         wf,
		requires:   make(map[string][]string, wf.Len()),
		dependents: make(map[string][]string, wf.Len()),
	}

	for _, s := range wf.Steps() {
		for _, req := range s.Require {
			if _, ok := wf.Step(req); !ok {
				return nil, &GraphError{
					Code:    CodeUnknownRequisite,
					Step:    s.Name,
					Message: "requisite " + req + " does not exist in workflow " + wf.Name,
				}
			}
			g.requires[s.Name] = append(g.requires[s.Name], req)
			g.dependents[req] = append(g.dependents[req], s.Name)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &GraphError{
			Code:    CodeCyclicDependency,
			Message: "requisite cycle: " + strings.Join(cycle, " -> "),
		}
	}
	return g, nil
}

// visit markers for cycle detection.
const (
	unvisited = iota
	visiting
	visited
)

// findCycle runs a depth-first traversal with a "visiting" marker. Returns
// the cycle path (closed: first name repeated at the end) or nil.
func (g *ExecutionGraph) findCycle() []string {
	marks := make(map[string]int, g.wf.Len())
	var stack []string
	var cycle []string

	var dfs func(name string) bool
	dfs = func(name string) bool {
		marks[name] = visiting
		stack = append(stack, name)
		for _, req := range g.requires[name] {
			switch marks[req] {
			case visiting:
				// Found the back edge. Slice the stack from the first
				// occurrence of req to close the loop.
				for i, n := range stack {
					if n == req {
						cycle = append(append([]string{}, stack[i:]...), req)
						return true
					}
				}
			case unvisited:
				if dfs(req) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		marks[name] = visited
		return false
	}

	for _, s := range g.wf.Steps() {
		if marks[s.Name] == unvisited && dfs(s.Name) {
			return cycle
		}
	}
	return nil
}

// Workflow returns the workflow this graph was built from.
func (g *ExecutionGraph) Workflow() *Workflow { return g.wf }

// Requires returns the requisite step names for the given step.
func (g *ExecutionGraph) Requires(name string) []string { return g.requires[name] }

// Dependents returns the steps that require the given step.
func (g *ExecutionGraph) Dependents(name string) []string { return g.dependents[name] }
