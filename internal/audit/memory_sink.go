package audit

import (
	"container/list"
	"context"
	"sync"
)

// MemorySink keeps the most recent events in a bounded buffer.
// Used in development and tests to inspect what was recorded.
type MemorySink struct {
	mu       sync.RWMutex
	events   *list.List
	byUserID map[string][]*list.Element
	maxSize  int
}

// NewMemorySink creates a MemorySink holding at most maxSize events
func NewMemorySink(maxSize int) *MemorySink {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemorySink{
		events:   list.New(),
		byUserID: make(map[string][]*list.Element),
		maxSize:  maxSize,
	}
}

// Record stores the event, dropping the oldest when full
func (s *MemorySink) Record(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.events.Len() >= s.maxSize {
		s.removeLocked(s.events.Front())
	}

	elem := s.events.PushBack(event)
	s.byUserID[event.UserID] = append(s.byUserID[event.UserID], elem)
	return nil
}

// Events returns all buffered events, oldest first
func (s *MemorySink) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Event, 0, s.events.Len())
	for e := s.events.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Event))
	}
	return out
}

// ForUser returns the buffered events of one user, oldest first
func (s *MemorySink) ForUser(userID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	elems := s.byUserID[userID]
	out := make([]Event, 0, len(elems))
	for _, e := range elems {
		out = append(out, e.Value.(Event))
	}
	return out
}

// Count returns how many buffered events have the given type
func (s *MemorySink) Count(eventType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for e := s.events.Front(); e != nil; e = e.Next() {
		if e.Value.(Event).Type == eventType {
			n++
		}
	}
	return n
}

// Len returns the number of buffered events
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events.Len()
}

// removeLocked drops an element from both indexes. Must be called with lock held.
func (s *MemorySink) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	event := s.events.Remove(elem).(Event)

	elems := s.byUserID[event.UserID]
	for i, e := range elems {
		if e == elem {
			s.byUserID[event.UserID] = append(elems[:i], elems[i+1:]...)
			break
		}
	}
	if len(s.byUserID[event.UserID]) == 0 {
		delete(s.byUserID, event.UserID)
	}
}
