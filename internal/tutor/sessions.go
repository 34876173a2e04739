package tutor

import (
	"container/list"
	"context"
	"sync"
)

const defaultSessionCapacity = 256

// SessionStore caches live Tutor instances keyed by (student, subject)
// with LRU eviction, replacing an unbounded process-lifetime map.
// Eviction loses nothing: conversation and profile state are persisted
// after every turn, so a re-created session resumes where it left off.
type SessionStore struct {
	deps     Deps
	capacity int

	mu    sync.Mutex
	order *list.List
	items map[string]*list.Element
}

type sessionEntry struct {
	key   string
	tutor *Tutor
}

func NewSessionStore(deps Deps, capacity int) *SessionStore {
	if capacity <= 0 {
		capacity = defaultSessionCapacity
	}
	return &SessionStore{
		deps:     deps,
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the cached session for the pair, creating (and possibly
// resuming) one when absent. The returned state reports whether the
// conversation was new or resumed.
func (s *SessionStore) Get(ctx context.Context, studentID, subject string) (*Tutor, SessionState, error) {
	key := studentID + "/" + subject

	s.mu.Lock()
	if elem, ok := s.items[key]; ok {
		s.order.MoveToFront(elem)
		t := elem.Value.(*sessionEntry).tutor
		s.mu.Unlock()
		return t, SessionResumed, nil
	}
	s.mu.Unlock()

	// Create outside the lock: loading a conversation hits the store.
	t, state, err := New(ctx, studentID, subject, s.deps)
	if err != nil {
		return nil, state, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.items[key]; ok {
		// Another request created the session first; use theirs.
		s.order.MoveToFront(elem)
		return elem.Value.(*sessionEntry).tutor, SessionResumed, nil
	}

	s.items[key] = s.order.PushFront(&sessionEntry{key: key, tutor: t})
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*sessionEntry).key)
	}
	return t, state, nil
}

// Len reports the number of cached sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
