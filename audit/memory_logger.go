package audit

import (
	"sync"
)

var _ Logger = (*MemoryLogger)(nil)

// MemoryLogger keeps a bounded, append-only list of events in memory.
// The oldest events are dropped once the capacity is reached.
type MemoryLogger struct {
	mu        sync.RWMutex
	sessionID string
	capacity  int
	events    []Event
}

func NewMemoryLogger(sessionID string, capacity int) *MemoryLogger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryLogger{
		sessionID: sessionID,
		capacity:  capacity,
		events:    make([]Event, 0, 64),
	}
}

// SetSessionID tags subsequent events with a new session
func (ml *MemoryLogger) SetSessionID(id string) {
	ml.mu.Lock()
	ml.sessionID = id
	ml.mu.Unlock()
}

func (ml *MemoryLogger) Log(action, subjectType string, success bool, details map[string]interface{}) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.append(newEvent(ml.sessionID, action, subjectType, success, details))
	return nil
}

func (ml *MemoryLogger) append(event Event) {
	ml.events = append(ml.events, event)
	if len(ml.events) > ml.capacity {
		trimmed := make([]Event, ml.capacity)
		copy(trimmed, ml.events[len(ml.events)-ml.capacity:])
		ml.events = trimmed
	}
}

func (ml *MemoryLogger) Query(options QueryOptions) (QueryResult, error) {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return filterEvents(ml.events, options), nil
}

// Len returns the number of retained events
func (ml *MemoryLogger) Len() int {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return len(ml.events)
}

func (ml *MemoryLogger) Clear() error {
	ml.mu.Lock()
	ml.events = ml.events[:0]
	ml.mu.Unlock()
	return nil
}

func (ml *MemoryLogger) Close() error {
	return ml.Clear()
}
