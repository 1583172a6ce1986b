package orch

import (
	"context"
	"strings"
	"time"

	"github.com/orchlab/orchestrate-go/orch/emit"
)

// Step lifecycle states tracked by the scheduler. A step leaves pending by
// being dispatched, skipped via soft-kill, or blocked by a requisite that
// did not succeed.
type stepState int

const (
	statePending stepState = iota
	stateRunning
	stateSucceeded
	stateFailed
	stateSkipped
	stateBlocked
)

// completion carries a finished step back to the collection loop.
type completion struct {
	step Step
	res  *StepResult
}

// scheduler walks one execution graph for one JID. Serial steps run one at a
// time in declaration order and never overlap each other; parallel-marked
// steps all launch as soon as ready, with no bound on fan-out. The main loop
// blocks only while waiting for the next completion among in-flight steps.
//
// The scheduler exclusively owns job record mutation during the run: results
// are appended from the collection loop in completion order, never from
// worker goroutines.
type scheduler struct {
	eng   *Engine
	graph *ExecutionGraph
	job   *JobRecord
	depth int

	states     map[string]stepState
	results    chan completion
	inflight   int
	serialBusy bool
	aborted    bool
}

func newScheduler(eng *Engine, graph *ExecutionGraph, job *JobRecord, depth int) *scheduler {
	states := make(map[string]stepState, graph.Workflow().Len())
	for _, s := range graph.Workflow().Steps() {
		states[s.Name] = statePending
	}
	return &scheduler{
		eng:     eng,
		graph:   graph,
		job:     job,
		depth:   depth,
		states:  states,
		results: make(chan completion, graph.Workflow().Len()),
	}
}

// run drives the graph to termination: every step completed, skipped, or
// permanently blocked by a failed requisite. On fail-hard abort no new steps
// are dispatched, but in-flight steps always drain.
func (s *scheduler) run(ctx context.Context) {
	for {
		var launched bool
		if !s.aborted {
			launched = s.launchReady(ctx)
		}
		s.eng.metrics.SetInflight(s.inflight)
		s.eng.metrics.SetPending(s.pendingCount())

		if s.inflight == 0 {
			if s.aborted || !launched {
				break
			}
			continue
		}

		c := <-s.results
		s.complete(c)
	}
	s.eng.metrics.SetInflight(0)
	s.eng.metrics.SetPending(0)
}

// launchReady sweeps pending steps in declaration order, dispatching every
// step whose requisites have all succeeded. Steps with a requisite that
// failed, was skipped, or was itself blocked are recorded as blocked
// immediately; blocking cascades, so the sweep repeats until stable.
// Reports whether any step changed state.
func (s *scheduler) launchReady(ctx context.Context) bool {
	anyChange := false
	for changed := true; changed; {
		changed = false
		for _, step := range s.graph.Workflow().Steps() {
			if s.states[step.Name] != statePending {
				continue
			}

			ready := true
			var unmet []string
			for _, req := range s.graph.Requires(step.Name) {
				switch s.states[req] {
				case stateSucceeded:
				case stateFailed, stateSkipped, stateBlocked:
					unmet = append(unmet, req)
				default:
					ready = false
				}
			}

			if len(unmet) > 0 {
				s.block(step, unmet)
				changed = true
				continue
			}
			if !ready || s.aborted {
				continue
			}

			if s.eng.kills.IsMarked(s.job.JID, step.Name) {
				s.skip(step)
				changed = true
				continue
			}

			if step.Parallel {
				s.start(ctx, step)
				changed = true
			} else if !s.serialBusy {
				s.serialBusy = true
				s.start(ctx, step)
				changed = true
			}
		}
		anyChange = anyChange || changed
	}
	return anyChange
}

// start dispatches one step on its own goroutine. Nested orchestrations go
// through the engine; everything else through the dispatcher.
func (s *scheduler) start(ctx context.Context, step Step) {
	s.states[step.Name] = stateRunning
	s.inflight++
	sls := s.graph.Workflow().Name
	go func() {
		var res *StepResult
		if step.Kind == KindOrchestrate {
			res = s.eng.runNested(ctx, sls, step, s.depth)
		} else {
			res = s.eng.dispatcher.Dispatch(ctx, sls, step)
		}
		s.results <- completion{step: step, res: res}
	}()
}

// complete folds one finished step into the job record, publishes its
// progress event, and triggers a fail-hard abort when warranted.
func (s *scheduler) complete(c completion) {
	s.inflight--
	if !c.step.Parallel {
		s.serialBusy = false
	}

	if c.res.Failed() {
		s.states[c.step.Name] = stateFailed
	} else {
		s.states[c.step.Name] = stateSucceeded
	}

	s.append(c.res, "step completed")
	s.eng.metrics.ObserveStep(c.res.Kind, time.Duration(c.res.Duration*float64(time.Millisecond)), stepStatus(c.res))

	if c.res.Failed() && c.step.failHard() {
		s.aborted = true
	}
}

// block records a dependent of a non-succeeded requisite as a failed result.
// The step is never dispatched; the entry explains which requisites let it
// down.
func (s *scheduler) block(step Step, unmet []string) {
	s.states[step.Name] = stateBlocked

	sls := s.graph.Workflow().Name
	qualified := make([]string, len(unmet))
	for i, name := range unmet {
		qualified[i] = sls + "." + name
	}
	failed := false
	s.append(&StepResult{
		ID:        step.Name,
		Name:      step.FuncName(),
		SLS:       sls,
		Kind:      step.Kind,
		Result:    &failed,
		Comment:   "One or more requisite failed: " + strings.Join(qualified, ", "),
		Changes:   map[string]any{},
		StartTime: time.Now(),
	}, "step blocked")
}

// skip honors a soft-kill mark: no dispatch, no result entry. The step
// counts as completed without success for dependency resolution, so its
// dependents block.
func (s *scheduler) skip(step Step) {
	s.states[step.Name] = stateSkipped
	s.eng.metrics.IncSoftKillSkip()
	s.eng.emitter.Emit(emit.Event{
		Tag:  emit.ProgTag(s.eng.namespace, s.job.JID, step.Name),
		JID:  s.job.JID,
		Step: step.Name,
		Msg:  "step skipped (soft kill)",
	})
}

func (s *scheduler) append(res *StepResult, msg string) {
	s.job.append(res)
	s.eng.emitter.Emit(emit.Event{
		Tag:  emit.ProgTag(s.eng.namespace, s.job.JID, res.ID),
		JID:  s.job.JID,
		Step: res.ID,
		Msg:  msg,
		Data: structuredStep(res),
	})
}

func (s *scheduler) pendingCount() int {
	n := 0
	for _, st := range s.states {
		if st == statePending {
			n++
		}
	}
	return n
}

func stepStatus(res *StepResult) string {
	switch {
	case res.Result == nil:
		return "none"
	case *res.Result:
		return "success"
	default:
		return "failed"
	}
}
