package orch

import (
	"time"
)

// StepResult is the per-step result envelope appended to a JobRecord as the
// step completes. Once appended it is never mutated; the record is append-only
// and entries are individually immutable.
type StepResult struct {
	// ID is the declared step name.
	ID string `json:"__id__"`

	// Name is the effective callable / state / sub-workflow name.
	Name string `json:"name"`

	// SLS is the workflow namespace the step was declared in.
	SLS string `json:"__sls__"`

	// RunNum is the completion-order sequence number within the run.
	RunNum int `json:"__run_num__"`

	// Kind is the backend kind that executed the step. Persisted with the
	// record: rendering and structured tags need it after a store reload.
	Kind Kind `json:"kind"`

	// Result is the tri-state outcome: true, false, or nil for "dry run,
	// would change". A nil result is excluded from both success and failure
	// tallies.
	Result *bool `json:"result"`

	// Comment is the human-readable explanation of the outcome.
	Comment string `json:"comment"`

	// Changes nests the backend's return data: per-target result maps for
	// targeted kinds, the raw return for master-side kinds.
	Changes map[string]any `json:"changes"`

	// JID is the job identifier of work spawned by this step (the remote
	// job, or the nested sub-orchestration's run).
	JID string `json:"__jid__,omitempty"`

	// StartTime is when dispatch began.
	StartTime time.Time `json:"start_time"`

	// Duration is elapsed dispatch time in milliseconds.
	Duration float64 `json:"duration"`
}

// tagSuffix maps a backend kind to the function suffix used in fully
// qualified result tags and the rendered Function line.
func tagSuffix(k Kind) string {
	switch k {
	case KindState:
		return "state"
	case KindFunction, KindModuleRun:
		return "function"
	case KindRunner:
		return "runner"
	case KindWheel:
		return "wheel"
	case KindOrchestrate:
		return "orchestrate"
	}
	return string(k)
}

// Tag returns the fully qualified step identifier used as the key in the
// structured return: salt_|-<id>_|-<name>_|-<function>.
func (r *StepResult) Tag() string {
	return "salt_|-" + r.ID + "_|-" + r.Name + "_|-" + tagSuffix(r.Kind)
}

// Succeeded reports a definite success (a nil result is neither).
func (r *StepResult) Succeeded() bool { return r.Result != nil && *r.Result }

// Failed reports a definite failure regardless of changes.
func (r *StepResult) Failed() bool { return r.Result != nil && !*r.Result }

// Changed reports whether the step recorded any changes.
func (r *StepResult) Changed() bool { return len(r.Changes) > 0 }

// JobRecord is the record of one orchestration run. It is created once per
// invocation (nested sub-orchestrations get their own), mutated only by the
// scheduler appending completed step results, and immutable once the run
// terminates. Ownership then transfers to the aggregator and the caller,
// read-only.
type JobRecord struct {
	// JID is the run's job identifier.
	JID string `json:"jid"`

	// Fun is the invoking operation, e.g. "runner.state.orchestrate".
	Fun string `json:"fun"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// Steps holds completed step results in completion order, not
	// declaration order.
	Steps []*StepResult `json:"steps"`

	// Retcode is nonzero when the orchestration failed overall: any step
	// with a false result, or a fail-hard abort.
	Retcode int `json:"retcode"`
}

// append adds a completed result, assigning its completion-order run number.
// Called only from the scheduler's collection loop.
func (j *JobRecord) append(r *StepResult) {
	r.RunNum = len(j.Steps)
	j.Steps = append(j.Steps, r)
}

// StepByID returns the result for the named step, if it completed.
func (j *JobRecord) StepByID(id string) (*StepResult, bool) {
	for _, r := range j.Steps {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// Failed reports whether the orchestration failed overall.
func (j *JobRecord) Failed() bool {
	if j.Retcode != 0 {
		return true
	}
	for _, r := range j.Steps {
		if r.Failed() {
			return true
		}
	}
	return false
}
