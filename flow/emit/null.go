package emit

// NullEmitter discards all events. Useful as a default when no
// observability backend is configured and in benchmarks where emitter
// overhead would distort measurements.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
