package emit

import (
	"path"
	"sync"
)

// BufferedEmitter stores events in memory, organized by JID, and provides
// query capabilities for post-run analysis. Intended for tests and
// debugging; it grows without bound, so long-lived processes should prefer
// the Bus or a persistent backend.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // jid -> events, emission order
}

// HistoryFilter selects events from a run's history. Zero fields match
// everything; set fields combine with AND.
type HistoryFilter struct {
	// TagGlob is a path.Match pattern against the event tag,
	// e.g. "salt/run/*/ret".
	TagGlob string

	// Step filters to events for one step name.
	Step string

	// Msg filters by message.
	Msg string
}

// NewBufferedEmitter returns an empty buffer. Safe for concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores the event under its JID.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.JID] = append(b.events[event.JID], event)
}

// History returns all events for a run in emission order. Returns a copy;
// callers may not observe later emissions through it.
func (b *BufferedEmitter) History(jid string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[jid]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter returns the run's events matching the filter, in
// emission order.
func (b *BufferedEmitter) HistoryWithFilter(jid string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := []Event{}
	for _, ev := range b.events[jid] {
		if matchesFilter(ev, filter) {
			out = append(out, ev)
		}
	}
	return out
}

func matchesFilter(ev Event, f HistoryFilter) bool {
	if f.TagGlob != "" {
		if ok, err := path.Match(f.TagGlob, ev.Tag); err != nil || !ok {
			return false
		}
	}
	if f.Step != "" && ev.Step != f.Step {
		return false
	}
	if f.Msg != "" && ev.Msg != f.Msg {
		return false
	}
	return true
}

// Clear drops stored events for one run, or for all runs when jid is empty.
func (b *BufferedEmitter) Clear(jid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if jid == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, jid)
}
