package flow

import "sync"

// CancelRegistry bridges the cross-process cancellation flag (the
// runs.cancellation_requested column, polled by the worker heartbeat)
// to in-process execution. The sequence executor checks the registry at
// every step boundary; a set entry raises a cancelled error there.
//
// Entries are registered when a worker starts executing a run and
// removed in the job's final cleanup, so the map stays small.
type CancelRegistry struct {
	mu   sync.RWMutex
	runs map[string]chan struct{}
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{runs: make(map[string]chan struct{})}
}

// Register adds runID and returns a channel that closes on cancel.
// Registering an already-registered run returns the existing channel.
func (r *CancelRegistry) Register(runID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.runs[runID]; ok {
		return ch
	}
	ch := make(chan struct{})
	r.runs[runID] = ch
	return ch
}

// Cancel closes the run's channel. Idempotent; cancelling an unknown
// run registers it pre-cancelled so a racing Register still observes
// the signal.
func (r *CancelRegistry) Cancel(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.runs[runID]
	if !ok {
		ch = make(chan struct{})
		r.runs[runID] = ch
	}
	select {
	case <-ch:
		// already closed
	default:
		close(ch)
	}
}

// Cancelled reports whether runID has been cancelled.
func (r *CancelRegistry) Cancelled(runID string) bool {
	r.mu.RLock()
	ch, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Remove deletes the entry. Call from the job's final cleanup.
func (r *CancelRegistry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}
