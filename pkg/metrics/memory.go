package metrics

import "sync"

// MemoryObserver keeps every event; used by tests to observe drop notices
// and session lifecycle events.
type MemoryObserver struct {
	mu     sync.Mutex
	Events []MetricsEvent
}

func NewMemoryObserver() *MemoryObserver {
	return &MemoryObserver{}
}

func (m *MemoryObserver) RecordEvent(ev MetricsEvent) {
	m.mu.Lock()
	m.Events = append(m.Events, ev)
	m.mu.Unlock()
}

// Count returns how many events with the given name were recorded.
func (m *MemoryObserver) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.Events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

// Find returns the recorded events with the given name.
func (m *MemoryObserver) Find(name string) []MetricsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MetricsEvent
	for _, ev := range m.Events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
