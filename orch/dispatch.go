package orch

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// noMinionsComment is recorded when a target specifier resolves to an empty
// agent set. A valid outcome, not an error: the step fails but siblings with
// real targets proceed.
const noMinionsComment = "No minions matched the target. No command was sent, no jid was assigned."

// StateEntry is one per-resource result from a state apply on a single
// target agent.
type StateEntry struct {
	ID      string         `json:"__id__"`
	RunNum  int            `json:"__run_num__"`
	SLS     string         `json:"__sls__"`
	Name    string         `json:"name"`
	Result  *bool          `json:"result"`
	Comment string         `json:"comment"`
	Changes map[string]any `json:"changes"`
}

// StateApplyReturn is the transport's answer from a state apply: the remote
// job identifier and per-target, per-resource result maps.
type StateApplyReturn struct {
	JID string
	Ret map[string]map[string]StateEntry
}

// CallReturn is the transport's answer from a remote function call: the
// remote job identifier and the raw per-target return values.
type CallReturn struct {
	JID string
	Ret map[string]any
}

// MinionClient is the transport used to reach remote agents. The wire
// encoding, authentication, and the state modules themselves are external
// collaborators; the engine consumes this contract only.
//
// Transport-level faults (target unreachable with no partial data) are
// reported as *TransportError so the dispatcher can retry them within its
// bounded budget.
type MinionClient interface {
	// Match resolves a target group specifier into concrete reachable agent
	// IDs. An empty result is a valid outcome.
	Match(ctx context.Context, target string) ([]string, error)

	// ApplyState applies the named state file set on the given agents.
	ApplyState(ctx context.Context, minions []string, sls string, args map[string]any) (StateApplyReturn, error)

	// Call invokes a named callable on the given agents with arguments.
	Call(ctx context.Context, minions []string, fun string, args map[string]any) (CallReturn, error)
}

// MasterClient invokes server-side operations: runner and wheel calls run
// once on the master, with no target group. A nonzero retcode signaled
// through the operation's execution context marks the step failed even when
// no error value is returned.
type MasterClient interface {
	Runner(ctx context.Context, fun string, args map[string]any) (ret any, retcode int, err error)
	Wheel(ctx context.Context, fun string, args map[string]any) (ret any, retcode int, err error)
}

// Dispatcher invokes the correct backend for a ready step and returns a
// per-step result envelope. Dispatch never returns an error for step
// failure: failure is always encoded in the StepResult. Transport faults are
// retried per the policy, then downgraded to a failed result.
type Dispatcher struct {
	minions MinionClient
	master  MasterClient
	retry   *RetryPolicy
	metrics *Metrics
}

// NewDispatcher builds a dispatcher over the given transports. A nil retry
// policy selects DefaultRetryPolicy.
func NewDispatcher(minions MinionClient, master MasterClient, retry *RetryPolicy) *Dispatcher {
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	return &Dispatcher{minions: minions, master: master, retry: retry}
}

// setMetrics lets the engine share its metrics collector for retry counts.
func (d *Dispatcher) setMetrics(m *Metrics) { d.metrics = m }

// Dispatch executes one step against its backend. sls is the workflow
// namespace recorded on the result. Nested orchestrations are the engine's
// business, not the dispatcher's.
func (d *Dispatcher) Dispatch(ctx context.Context, sls string, step Step) *StepResult {
	res := &StepResult{
		ID:        step.Name,
		Name:      step.FuncName(),
		SLS:       sls,
		Kind:      step.Kind,
		StartTime: time.Now(),
	}
	defer func() {
		res.Duration = float64(time.Since(res.StartTime).Microseconds()) / 1000.0
	}()

	switch step.Kind {
	case KindState:
		d.dispatchState(ctx, step, res)
	case KindFunction, KindModuleRun:
		d.dispatchFunction(ctx, step, res)
	case KindRunner:
		d.dispatchMaster(ctx, step, res, "Runner", d.master.Runner)
	case KindWheel:
		d.dispatchMaster(ctx, step, res, "Wheel", d.master.Wheel)
	default:
		fail(res, fmt.Sprintf("no dispatch backend for kind %q", step.Kind))
	}
	return res
}

func (d *Dispatcher) dispatchState(ctx context.Context, step Step, res *StepResult) {
	minions, ok := d.resolveTarget(ctx, step, res)
	if !ok {
		return
	}

	var ret StateApplyReturn
	err := d.withRetry(ctx, step.Kind, func() error {
		var applyErr error
		ret, applyErr = d.minions.ApplyState(ctx, minions, step.FuncName(), step.Args)
		return applyErr
	})
	if err != nil {
		fail(res, fmt.Sprintf("state apply failed after %d attempts: %v", d.retry.MaxAttempts, err))
		return
	}

	res.JID = ret.JID
	success := true
	var failedMinions []string
	retMap := make(map[string]any, len(ret.Ret))
	for minion, entries := range ret.Ret {
		minionOK := true
		for _, entry := range entries {
			if entry.Result != nil && !*entry.Result {
				minionOK = false
			}
		}
		if !minionOK {
			success = false
			failedMinions = append(failedMinions, minion)
		}
		retMap[minion] = entries
	}
	res.Changes = highstateChanges(retMap)
	res.Result = &success
	if success {
		res.Comment = fmt.Sprintf("States ran successfully on %s.", strings.Join(minions, ", "))
	} else {
		res.Comment = "Run failed on minions: " + strings.Join(failedMinions, ", ")
	}
}

func (d *Dispatcher) dispatchFunction(ctx context.Context, step Step, res *StepResult) {
	minions, ok := d.resolveTarget(ctx, step, res)
	if !ok {
		return
	}

	var ret CallReturn
	err := d.withRetry(ctx, step.Kind, func() error {
		var callErr error
		ret, callErr = d.minions.Call(ctx, minions, step.FuncName(), step.Args)
		return callErr
	})
	if err != nil {
		fail(res, fmt.Sprintf("function call failed after %d attempts: %v", d.retry.MaxAttempts, err))
		return
	}

	res.JID = ret.JID
	// A callable whose return value is boolean false is a failure even
	// though no exception occurred.
	success := true
	var failedMinions []string
	for minion, value := range ret.Ret {
		if b, isBool := value.(bool); isBool && !b {
			success = false
			failedMinions = append(failedMinions, minion)
		}
	}
	res.Changes = highstateChanges(ret.Ret)
	res.Result = &success
	if success {
		res.Comment = fmt.Sprintf("Function ran successfully. Function %s ran on %s.",
			step.FuncName(), strings.Join(minions, ", "))
	} else {
		res.Comment = failedFunctionComment(step.FuncName(), failedMinions)
	}
}

func failedFunctionComment(fun string, minions []string) string {
	return fmt.Sprintf("Running function %s failed on minions: %s", fun, strings.Join(minions, ", "))
}

// dispatchMaster handles runner and wheel calls: one server-side invocation,
// no target group.
func (d *Dispatcher) dispatchMaster(ctx context.Context, step Step, res *StepResult, label string,
	call func(context.Context, string, map[string]any) (any, int, error)) {

	var ret any
	var retcode int
	err := d.withRetry(ctx, step.Kind, func() error {
		var callErr error
		ret, retcode, callErr = call(ctx, step.FuncName(), step.Args)
		return callErr
	})
	if err != nil {
		fail(res, fmt.Sprintf("%s function %q failed after %d attempts: %v",
			strings.ToLower(label), step.FuncName(), d.retry.MaxAttempts, err))
		return
	}

	res.Changes = map[string]any{"return": ret}
	success := retcode == 0
	res.Result = &success
	if success {
		res.Comment = fmt.Sprintf("%s function '%s' executed.", label, step.FuncName())
	} else {
		res.Comment = fmt.Sprintf("%s function '%s' failed with retcode %d.", label, step.FuncName(), retcode)
	}
}

// resolveTarget matches the step's target group. Returns false when dispatch
// must stop: transport failure after retries, or an empty match (recorded
// with the canonical no-minions comment).
func (d *Dispatcher) resolveTarget(ctx context.Context, step Step, res *StepResult) ([]string, bool) {
	var minions []string
	err := d.withRetry(ctx, step.Kind, func() error {
		var matchErr error
		minions, matchErr = d.minions.Match(ctx, step.Target)
		return matchErr
	})
	if err != nil {
		fail(res, fmt.Sprintf("target resolution failed after %d attempts: %v", d.retry.MaxAttempts, err))
		return nil, false
	}
	if len(minions) == 0 {
		fail(res, noMinionsComment)
		return nil, false
	}
	if step.Subset > 0 && len(minions) > step.Subset {
		minions = sampleMinions(minions, step.Subset)
	}
	return minions, true
}

// sampleMinions picks n of the matched agents at random, the subset
// targeting mode: spot-check a command on a bounded slice of a large fleet.
func sampleMinions(minions []string, n int) []string {
	out := append([]string(nil), minions...)
	// Sampling only, not security sensitive.
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] }) // #nosec G404
	return out[:n]
}

// withRetry runs fn within the bounded retry budget, backing off between
// attempts. Only errors the policy deems retryable get another attempt.
func (d *Dispatcher) withRetry(ctx context.Context, kind Kind, fn func() error) error {
	var err error
	for attempt := 0; attempt < d.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			d.metrics.IncRetry(kind)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(computeBackoff(attempt-1, d.retry.BaseDelay, d.retry.MaxDelay)):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !d.retry.retryable(err) {
			return err
		}
	}
	return err
}

// highstateChanges wraps per-target returns in the outputter envelope.
func highstateChanges(ret map[string]any) map[string]any {
	return map[string]any{
		"out": "highstate",
		"ret": ret,
	}
}

// fail marks the result definitively failed with the given comment.
func fail(res *StepResult, comment string) {
	failed := false
	res.Result = &failed
	res.Comment = comment
}
