// Package emit provides the event bus client: structured progress events
// tagged by JID and stage, published by the engine and consumed by external
// observers (tests, UIs, operator tooling) to await completion.
package emit

import "time"

// Tag layout constants. Completion of a run is published under
// <namespace>/run/<jid>/ret; per-step progress under
// <namespace>/run/<jid>/prog/<step>.
const (
	TagRet  = "ret"
	TagProg = "prog"
)

// Event is one structured progress message on the bus.
//
// Events are correlated by JID (the run that emitted them) and addressed by
// Tag (the hierarchical stage path observers subscribe on). The engine only
// publishes events; it never blocks waiting on its own.
type Event struct {
	// Tag is the hierarchical routing key, e.g. "salt/run/<jid>/ret".
	Tag string

	// JID identifies the run that emitted this event.
	JID string

	// Step is the step name for per-step events; empty for run-level events.
	Step string

	// Msg is a short human-readable description.
	Msg string

	// Data carries the structured payload: a step result for progress
	// events, the full aggregated return for the ret event.
	Data map[string]any

	// Time is when the event was published.
	Time time.Time
}

// RetTag builds the run-completion tag for a namespace and JID.
func RetTag(namespace, jid string) string {
	return namespace + "/run/" + jid + "/" + TagRet
}

// ProgTag builds the per-step progress tag.
func ProgTag(namespace, jid, step string) string {
	return namespace + "/run/" + jid + "/" + TagProg + "/" + step
}
