// Package orch provides the orchestration execution engine: a scheduler that
// walks a declarative workflow of steps, dispatching each against remote
// agents or the master itself, tracking requisites, parallelism, and partial
// failure, and reporting a structured result tree plus live progress events.
package orch

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Kind identifies the backend used to execute a step.
//
// The set is closed: dispatch is selected by tagged variant, never by
// open-ended reflection. Each kind maps to one dispatch path:
//   - KindState: apply a state file set against a target group
//   - KindFunction / KindModuleRun: invoke a callable on a target group
//   - KindRunner / KindWheel: invoke a master-side operation (no targets)
//   - KindOrchestrate: run a named sub-workflow as a nested orchestration
type Kind string

const (
	KindState       Kind = "state"
	KindFunction    Kind = "function"
	KindRunner      Kind = "runner"
	KindWheel       Kind = "wheel"
	KindModuleRun   Kind = "module-run"
	KindOrchestrate Kind = "orchestrate"
)

// valid reports whether k is a member of the closed kind set.
func (k Kind) valid() bool {
	switch k {
	case KindState, KindFunction, KindRunner, KindWheel, KindModuleRun, KindOrchestrate:
		return true
	}
	return false
}

// targeted reports whether this kind resolves a target group before dispatch.
// Runner, wheel, and nested orchestrations execute on the master only.
func (k Kind) targeted() bool {
	switch k {
	case KindState, KindFunction, KindModuleRun:
		return true
	}
	return false
}

// Step is a single declared unit of work within a workflow.
type Step struct {
	// Name is the step identifier, unique within the workflow.
	Name string `yaml:"name"`

	// Kind selects the dispatch backend.
	Kind Kind `yaml:"kind"`

	// Func is the callable, state file set, or sub-workflow name, depending
	// on Kind. Empty means "same as Name" (common for state steps whose step
	// name is the sls name).
	Func string `yaml:"func"`

	// Target is the target group specifier for targeted kinds. Resolution to
	// a concrete agent set is delegated to the transport's matcher; an empty
	// match is a valid outcome handled at dispatch time.
	Target string `yaml:"target"`

	// Subset bounds a targeted dispatch to a random sample of this many
	// matched agents. Zero runs on every match.
	Subset int `yaml:"subset"`

	// Args are backend arguments passed through to the dispatch call.
	Args map[string]any `yaml:"args"`

	// Require lists step names that must complete successfully before this
	// step may start.
	Require []string `yaml:"require"`

	// Parallel marks the step eligible to run concurrently with any other
	// ready step. It still waits for its own requisites.
	Parallel bool `yaml:"parallel"`

	// FailHard overrides the fail-hard policy for this step. When nil the
	// default applies: true for nested orchestrations, false otherwise.
	FailHard *bool `yaml:"fail_hard"`
}

// FuncName returns the effective callable name, falling back to the step name.
func (s Step) FuncName() string {
	if s.Func != "" {
		return s.Func
	}
	return s.Name
}

// failHard resolves the fail-hard policy for this step.
func (s Step) failHard() bool {
	if s.FailHard != nil {
		return *s.FailHard
	}
	return s.Kind == KindOrchestrate
}

// Workflow is an ordered set of step declarations. The engine consumes it
// post-templating: loop constructs and renderer syntax are an external
// preprocessing concern, and never appear here.
type Workflow struct {
	// Name is the workflow identifier, used as the sls namespace on results.
	Name string

	steps []Step
	index map[string]int
}

// NewWorkflow builds a Workflow from ordered step declarations.
//
// Returns an error if a step name is empty or duplicated, or if a step
// declares an unknown backend kind. Requisite references are not resolved
// here; that is the graph builder's job.
func NewWorkflow(name string, steps []Step) (*Workflow, error) {
	wf := &Workflow{
		Name:  name,
		steps: make([]Step, 0, len(steps)),
		index: make(map[string]int, len(steps)),
	}
	for _, s := range steps {
		if s.Name == "" {
			return nil, fmt.Errorf("workflow %q: step with empty name", name)
		}
		if !s.Kind.valid() {
			return nil, fmt.Errorf("workflow %q: step %q: unknown kind %q", name, s.Name, s.Kind)
		}
		if _, dup := wf.index[s.Name]; dup {
			return nil, fmt.Errorf("workflow %q: duplicate step name %q", name, s.Name)
		}
		wf.index[s.Name] = len(wf.steps)
		wf.steps = append(wf.steps, s)
	}
	return wf, nil
}

// Steps returns the step declarations in declaration order.
func (w *Workflow) Steps() []Step {
	out := make([]Step, len(w.steps))
	copy(out, w.steps)
	return out
}

// Step returns the declaration for the named step.
func (w *Workflow) Step(name string) (Step, bool) {
	i, ok := w.index[name]
	if !ok {
		return Step{}, false
	}
	return w.steps[i], true
}

// Len returns the number of declared steps.
func (w *Workflow) Len() int { return len(w.steps) }

// workflowDoc is the YAML wire form of a flat, post-templated workflow.
type workflowDoc struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// ParseWorkflow decodes a flat workflow document.
//
// The document is the post-templating form: a name plus an ordered steps
// list. Declaration order is significant (serial steps run in this order)
// and is preserved by the list encoding.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var doc workflowDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("parse workflow: missing name")
	}
	return NewWorkflow(doc.Name, doc.Steps)
}
