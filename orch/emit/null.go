package emit

// NullEmitter discards all events. Use when event publication is not wanted
// without touching engine wiring.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops everything. Safe for
// concurrent use, zero overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
