package emit

// Emitter receives run events as they are appended to the durable log.
//
// Emitters mirror the event stream to observability backends: logs,
// distributed tracing, dashboards, test buffers. The durable log in the
// store is the source of truth; emitters are best-effort.
//
// Implementations should be:
//   - Non-blocking: never slow down run execution
//   - Thread-safe: called concurrently from parallel branches
//   - Resilient: a failing backend must not fail the run
type Emitter interface {
	// Emit mirrors one event. Must not panic; errors are handled
	// internally.
	Emit(event Event)
}

// MultiEmitter fans one event out to several emitters in order.
type MultiEmitter []Emitter

// Emit implements Emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
