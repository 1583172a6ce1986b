package orch

import "sync"

// SoftKillRegistry records (jid, step) pairs that must be skipped rather
// than dispatched. It is an explicit injected dependency, constructed once
// per server process and handed to each Engine, so tests can substitute an
// isolated instance.
//
// Marking is a race-tolerant, best-effort cancellation: it is effective only
// for steps not yet dispatched at the moment the scheduler consults the
// registry. In-flight steps always run to completion. Entries are never
// cleared automatically, and callers may pre-register a skip before the run
// even starts (the JID space is predictable to the caller that minted it).
type SoftKillRegistry struct {
	mu    sync.RWMutex
	marks map[killKey]struct{}
}

type killKey struct {
	jid  string
	step string
}

// NewSoftKillRegistry returns an empty registry safe for concurrent use
// across multiple simultaneous job records.
func NewSoftKillRegistry() *SoftKillRegistry {
	return &SoftKillRegistry{marks: make(map[killKey]struct{})}
}

// Mark records an intent to skip the named step of the given run.
// Idempotent: repeated identical calls are no-ops.
func (r *SoftKillRegistry) Mark(jid, step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marks[killKey{jid, step}] = struct{}{}
}

// IsMarked reports whether the step has been marked for skipping. The
// scheduler consults this immediately before each dispatch.
func (r *SoftKillRegistry) IsMarked(jid, step string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.marks[killKey{jid, step}]
	return ok
}

// Marked returns the step names marked for the given run, in no particular
// order. Used by operator tooling to inspect pending kills.
func (r *SoftKillRegistry) Marked(jid string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var steps []string
	for k := range r.marks {
		if k.jid == jid {
			steps = append(steps, k.step)
		}
	}
	return steps
}
