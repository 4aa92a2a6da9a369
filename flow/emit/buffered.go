package emit

import "sync"

// BufferedEmitter stores events in memory, organized by run id.
//
// Intended for tests and debugging: run a procedure, then assert on the
// exact event sequence. All events are held in memory, so production
// deployments should prefer the durable log plus LogEmitter/OTelEmitter.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter selects a subset of a run's events. Empty fields match
// everything; set fields combine with AND.
type HistoryFilter struct {
	NodeID string
	Type   EventType
	MinSeq int64
	MaxSeq int64 // 0 = no upper bound
}

// NewBufferedEmitter creates an empty buffer. Safe for concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to the run's buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// History returns a copy of all events for runID in emission order.
func (b *BufferedEmitter) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[runID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter returns the events for runID matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, event := range b.events[runID] {
		if filter.NodeID != "" && event.NodeID != filter.NodeID {
			continue
		}
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		if event.Seq < filter.MinSeq {
			continue
		}
		if filter.MaxSeq > 0 && event.Seq > filter.MaxSeq {
			continue
		}
		result = append(result, event)
	}
	if result == nil {
		return []Event{}
	}
	return result
}

// CountByType tallies a run's events per type. Handy in tests.
func (b *BufferedEmitter) CountByType(runID string) map[EventType]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	counts := make(map[EventType]int)
	for _, event := range b.events[runID] {
		counts[event.Type]++
	}
	return counts
}

// Clear removes events for runID, or everything when runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}
