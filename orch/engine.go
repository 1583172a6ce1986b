package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/orchlab/orchestrate-go/orch/emit"
	"github.com/orchlab/orchestrate-go/orch/store"
)

// defaultMaxNesting bounds nested orchestration depth. A sub-workflow that
// orchestrates its own parent would otherwise recurse forever; the graph
// builder cannot see across workflow boundaries.
const defaultMaxNesting = 32

// WorkflowSource resolves a workflow name into its flat, post-templated
// declaration. Templating and file-format concerns live behind this
// boundary; the engine never sees renderer syntax.
type WorkflowSource interface {
	Load(ctx context.Context, name string) (*Workflow, error)
}

// Engine runs orchestrations: it builds the requisite graph for a named
// workflow, mints a JID, schedules steps (serial in declaration order,
// parallel-marked concurrently), consults the soft-kill registry before
// every dispatch, publishes progress events, and hands back the job record.
//
// One Engine serves many concurrent runs; each run gets its own JID and job
// record. The soft-kill registry and the event bus are the only state shared
// across runs.
type Engine struct {
	source     WorkflowSource
	dispatcher *Dispatcher
	kills      *SoftKillRegistry
	emitter    emit.Emitter
	jids       *JIDService
	jobs       store.JobStore[*JobRecord]
	metrics    *Metrics
	namespace  string
	masterID   string
	maxNesting int
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter sets the event backend progress events are published to.
func WithEmitter(em emit.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithSoftKill injects a shared soft-kill registry. Server processes
// construct one registry and hand it to every engine so kills registered
// through one surface are honored by all runs.
func WithSoftKill(r *SoftKillRegistry) Option {
	return func(e *Engine) { e.kills = r }
}

// WithJobStore persists finished job records, enough to answer "did job J
// finish" and "what did it return".
func WithJobStore(s store.JobStore[*JobRecord]) Option {
	return func(e *Engine) { e.jobs = s }
}

// WithMetrics attaches a Prometheus metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNamespace sets the event tag namespace (default "salt").
func WithNamespace(ns string) Option {
	return func(e *Engine) { e.namespace = ns }
}

// WithMasterID sets the master identifier used as the key under the
// aggregated return's data mapping (default "master").
func WithMasterID(id string) Option {
	return func(e *Engine) { e.masterID = id }
}

// WithJIDService substitutes the JID mint, letting callers share one mint
// across engines or fix JIDs in tests.
func WithJIDService(s *JIDService) Option {
	return func(e *Engine) { e.jids = s }
}

// WithMaxNesting bounds nested orchestration depth.
func WithMaxNesting(n int) Option {
	return func(e *Engine) { e.maxNesting = n }
}

// New creates an Engine over a workflow source and a dispatcher.
func New(source WorkflowSource, dispatcher *Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		source:     source,
		dispatcher: dispatcher,
		kills:      NewSoftKillRegistry(),
		emitter:    emit.NewNullEmitter(),
		jids:       NewJIDService(),
		namespace:  "salt",
		masterID:   "master",
		maxNesting: defaultMaxNesting,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dispatcher != nil {
		e.dispatcher.setMetrics(e.metrics)
	}
	return e
}

// SoftKills returns the engine's soft-kill registry.
func (e *Engine) SoftKills() *SoftKillRegistry { return e.kills }

// Run executes the named workflow to completion and returns its job record.
//
// An error is returned only for faults that occur before any step is
// dispatched: the workflow cannot be resolved, or the requisite graph fails
// to build (GraphError). Step failures, fail-hard aborts, and transport
// faults are all encoded in the record; the record's Retcode is nonzero when
// the orchestration failed overall.
func (e *Engine) Run(ctx context.Context, name string) (*JobRecord, error) {
	wf, err := e.source.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load workflow %q: %w", name, err)
	}
	return e.RunWorkflow(ctx, wf)
}

// RunWorkflow is Run for an already-resolved workflow.
func (e *Engine) RunWorkflow(ctx context.Context, wf *Workflow) (*JobRecord, error) {
	graph, err := BuildGraph(wf)
	if err != nil {
		return nil, err
	}
	return e.runGraph(ctx, graph, e.jids.Next(), 0), nil
}

// SoftKill records an intent to skip a not-yet-dispatched step of the given
// run. Best effort and race tolerant: a step already in flight runs to
// completion. Idempotent with respect to repeated identical calls.
func (e *Engine) SoftKill(jid, step string) {
	e.kills.Mark(jid, step)
}

// runGraph executes one validated graph under the given JID: the single
// logical run for that JID. Also used for nested sub-orchestrations, which
// arrive with their own freshly minted JIDs and depth+1.
func (e *Engine) runGraph(ctx context.Context, graph *ExecutionGraph, jid string, depth int) *JobRecord {
	job := &JobRecord{
		JID:       jid,
		Fun:       "runner.state.orchestrate",
		StartedAt: time.Now(),
	}
	if e.jobs != nil {
		if err := e.jobs.Begin(ctx, jid, job.StartedAt); err != nil {
			e.emitError(jid, "job store begin failed", err)
		}
	}

	sched := newScheduler(e, graph, job, depth)
	sched.run(ctx)

	if job.Failed() {
		job.Retcode = 1
	}

	if e.jobs != nil {
		if err := e.jobs.Complete(ctx, jid, job); err != nil {
			e.emitError(jid, "job store complete failed", err)
		}
	}
	e.metrics.IncRun(runOutcome(job, sched.aborted))

	e.emitter.Emit(emit.Event{
		Tag: emit.RetTag(e.namespace, jid),
		JID: jid,
		Msg: "run completed",
		Data: map[string]any{
			"jid":     jid,
			"fun":     job.Fun,
			"retcode": job.Retcode,
			"return": map[string]any{
				"data": map[string]any{e.masterID: Structured(job)},
			},
		},
	})
	return job
}

// runNested treats an entire sub-workflow as this step's backend: it invokes
// the whole engine recursively under a fresh JID and folds the sub-run's
// aggregated success or failure back as the step's result.
func (e *Engine) runNested(ctx context.Context, sls string, step Step, depth int) *StepResult {
	res := &StepResult{
		ID:        step.Name,
		Name:      step.FuncName(),
		SLS:       sls,
		Kind:      KindOrchestrate,
		StartTime: time.Now(),
	}
	defer func() {
		res.Duration = float64(time.Since(res.StartTime).Microseconds()) / 1000.0
	}()

	if depth >= e.maxNesting {
		fail(res, fmt.Sprintf("nested orchestration depth exceeds %d", e.maxNesting))
		return res
	}

	wf, err := e.source.Load(ctx, step.FuncName())
	if err != nil {
		fail(res, fmt.Sprintf("load sub-workflow %q: %v", step.FuncName(), err))
		return res
	}
	graph, err := BuildGraph(wf)
	if err != nil {
		fail(res, fmt.Sprintf("build sub-workflow %q: %v", step.FuncName(), err))
		return res
	}

	subJob := e.runGraph(ctx, graph, e.jids.Next(), depth+1)

	success := !subJob.Failed()
	res.Result = &success
	res.JID = subJob.JID
	res.Changes = map[string]any{
		"out": "highstate",
		"ret": map[string]any{e.masterID: Structured(subJob)},
	}
	if success {
		res.Comment = fmt.Sprintf("Orchestration %q completed.", step.FuncName())
	} else {
		res.Comment = fmt.Sprintf("Orchestration %q failed.", step.FuncName())
	}
	return res
}

func (e *Engine) emitError(jid, msg string, err error) {
	e.emitter.Emit(emit.Event{
		Tag:  e.namespace + "/run/" + jid + "/error",
		JID:  jid,
		Msg:  msg,
		Data: map[string]any{"error": err.Error()},
	})
}

func runOutcome(job *JobRecord, aborted bool) string {
	switch {
	case aborted:
		return "aborted"
	case job.Failed():
		return "failed"
	default:
		return "success"
	}
}
