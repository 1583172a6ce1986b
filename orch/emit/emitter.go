package emit

// Emitter receives progress events published during orchestration runs.
//
// Implementations should be:
//   - Non-blocking: never stall the scheduler's collection loop
//   - Thread-safe: events arrive concurrently from multiple job records
//   - Resilient: a failing backend must not crash a run
//
// Provided implementations: Bus (in-memory pub/sub with subscribe-with-
// timeout), LogEmitter (text or JSON lines), BufferedEmitter (in-memory
// history for tests), OTelEmitter (spans), NullEmitter, and Multi for
// fan-out to several backends at once.
type Emitter interface {
	// Emit publishes one event. Must not panic; errors are handled
	// internally by the implementation.
	Emit(event Event)
}

// Multi fans events out to several emitters in order.
type Multi []Emitter

// Emit publishes the event to every wrapped emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
