// Package localexec provides an in-process implementation of the engine's
// transport contracts: a fixed minion set with a small built-in module
// table. It backs the CLI in single-machine setups and gives tests a real
// dispatch path without a wire transport.
package localexec

import (
	"context"
	"fmt"
	"os/exec"
	"path"
	"sync"
	"time"

	"github.com/orchlab/orchestrate-go/orch"
)

// Func is a minion-side callable: runs once per matched minion.
type Func func(ctx context.Context, minion string, args map[string]any) (any, error)

// MasterFunc is a master-side runner or wheel operation. A nonzero retcode
// marks the invoking step failed even when err is nil.
type MasterFunc func(ctx context.Context, args map[string]any) (ret any, retcode int, err error)

// StateFunc produces the per-resource results of applying a state file set
// on one minion.
type StateFunc func(ctx context.Context, minion string, args map[string]any) (map[string]orch.StateEntry, error)

// Client implements orch.MinionClient and orch.MasterClient in-process.
type Client struct {
	mu      sync.RWMutex
	minions []string
	jids    *orch.JIDService

	functions map[string]Func
	states    map[string]StateFunc
	runners   map[string]MasterFunc
	wheels    map[string]MasterFunc
}

// New creates a client over the given minion IDs, preloaded with the
// built-in test modules (test.ping, test.sleep, test.true, test.false,
// test.succeed_without_changes, test.fail_without_changes, cmd.run) and the
// test.success / test.failure runner and wheel operations.
func New(minions []string) *Client {
	c := &Client{
		minions:   append([]string(nil), minions...),
		jids:      orch.NewJIDService(),
		functions: make(map[string]Func),
		states:    make(map[string]StateFunc),
		runners:   make(map[string]MasterFunc),
		wheels:    make(map[string]MasterFunc),
	}
	c.registerBuiltins()
	return c
}

// RegisterFunction installs (or replaces) a minion-side callable.
func (c *Client) RegisterFunction(name string, fn Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.functions[name] = fn
}

// RegisterState installs the apply behavior for a named state file set.
// Unregistered sets apply as a single succeeded no-op resource.
func (c *Client) RegisterState(sls string, fn StateFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[sls] = fn
}

// RegisterRunner installs a master-side runner operation.
func (c *Client) RegisterRunner(name string, fn MasterFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runners[name] = fn
}

// RegisterWheel installs a master-side wheel operation.
func (c *Client) RegisterWheel(name string, fn MasterFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wheels[name] = fn
}

// Match implements orch.MinionClient using glob targeting over minion IDs.
func (c *Client) Match(_ context.Context, target string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var matched []string
	for _, m := range c.minions {
		if ok, err := path.Match(target, m); err == nil && ok {
			matched = append(matched, m)
		}
	}
	return matched, nil
}

// ApplyState implements orch.MinionClient.
func (c *Client) ApplyState(ctx context.Context, minions []string, sls string, args map[string]any) (orch.StateApplyReturn, error) {
	c.mu.RLock()
	fn := c.states[sls]
	c.mu.RUnlock()
	if fn == nil {
		fn = defaultStateApply(sls)
	}

	ret := orch.StateApplyReturn{
		JID: c.jids.Next(),
		Ret: make(map[string]map[string]orch.StateEntry, len(minions)),
	}
	for _, minion := range minions {
		entries, err := fn(ctx, minion, args)
		if err != nil {
			return orch.StateApplyReturn{}, &orch.TransportError{Op: "state.apply " + sls, Err: err}
		}
		ret.Ret[minion] = entries
	}
	return ret, nil
}

// Call implements orch.MinionClient.
func (c *Client) Call(ctx context.Context, minions []string, fun string, args map[string]any) (orch.CallReturn, error) {
	c.mu.RLock()
	fn, ok := c.functions[fun]
	c.mu.RUnlock()
	if !ok {
		return orch.CallReturn{}, &orch.TransportError{
			Op:  "call " + fun,
			Err: fmt.Errorf("%q is not available", fun),
		}
	}

	ret := orch.CallReturn{
		JID: c.jids.Next(),
		Ret: make(map[string]any, len(minions)),
	}
	for _, minion := range minions {
		value, err := fn(ctx, minion, args)
		if err != nil {
			// A minion-side error is a logical failure on that minion, not
			// a transport fault: partial data survives.
			ret.Ret[minion] = false
			continue
		}
		ret.Ret[minion] = value
	}
	return ret, nil
}

// Runner implements orch.MasterClient.
func (c *Client) Runner(ctx context.Context, fun string, args map[string]any) (any, int, error) {
	return c.callMaster(ctx, c.runners, "runner", fun, args)
}

// Wheel implements orch.MasterClient.
func (c *Client) Wheel(ctx context.Context, fun string, args map[string]any) (any, int, error) {
	return c.callMaster(ctx, c.wheels, "wheel", fun, args)
}

func (c *Client) callMaster(ctx context.Context, table map[string]MasterFunc, kind, fun string, args map[string]any) (any, int, error) {
	c.mu.RLock()
	fn, ok := table[fun]
	c.mu.RUnlock()
	if !ok {
		return nil, 0, &orch.TransportError{
			Op:  kind + " " + fun,
			Err: fmt.Errorf("%q is not available", fun),
		}
	}
	return fn(ctx, args)
}

func (c *Client) registerBuiltins() {
	c.functions["test.ping"] = func(context.Context, string, map[string]any) (any, error) {
		return true, nil
	}
	c.functions["test.true"] = func(context.Context, string, map[string]any) (any, error) {
		return true, nil
	}
	c.functions["test.false"] = func(context.Context, string, map[string]any) (any, error) {
		return false, nil
	}
	c.functions["test.succeed_without_changes"] = func(context.Context, string, map[string]any) (any, error) {
		return "Success!", nil
	}
	c.functions["test.fail_without_changes"] = func(context.Context, string, map[string]any) (any, error) {
		return false, nil
	}
	c.functions["test.sleep"] = func(ctx context.Context, _ string, args map[string]any) (any, error) {
		length := floatArg(args, "length", 1)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Duration(length * float64(time.Second))):
			return true, nil
		}
	}
	c.functions["cmd.run"] = func(ctx context.Context, _ string, args map[string]any) (any, error) {
		cmdline, _ := args["cmd"].(string)
		if cmdline == "" {
			return false, fmt.Errorf("cmd.run: missing cmd argument")
		}
		out, err := exec.CommandContext(ctx, "sh", "-c", cmdline).CombinedOutput()
		if err != nil {
			return false, err
		}
		return string(out), nil
	}

	success := func(context.Context, map[string]any) (any, int, error) {
		return "success", 0, nil
	}
	failure := func(context.Context, map[string]any) (any, int, error) {
		return "failure", 1, nil
	}
	c.runners["test.success"] = success
	c.runners["test.failure"] = failure
	c.wheels["test.success"] = success
	c.wheels["test.failure"] = failure
}

// defaultStateApply is the apply behavior for unregistered state file sets:
// one succeeded no-op resource named after the set.
func defaultStateApply(sls string) StateFunc {
	return func(_ context.Context, _ string, _ map[string]any) (map[string]orch.StateEntry, error) {
		ok := true
		tag := "test_|-" + sls + "_|-" + sls + "_|-nop"
		return map[string]orch.StateEntry{
			tag: {
				ID:      sls,
				SLS:     sls,
				Name:    sls,
				Result:  &ok,
				Comment: "Success!",
				Changes: map[string]any{},
			},
		}, nil
	}
}

func floatArg(args map[string]any, key string, fallback float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}
