package dedup

import "sync"

// SessionSeen is the set of alert IDs handled during the current process
// lifetime. It is never persisted. Safe for concurrent use.
type SessionSeen struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewSessionSeen() *SessionSeen {
	return &SessionSeen{ids: map[string]struct{}{}}
}

func (s *SessionSeen) Has(id string) bool {
	s.mu.Lock()
	_, ok := s.ids[id]
	s.mu.Unlock()
	return ok
}

// Add inserts id and reports whether it was newly added. Re-adding is a no-op.
func (s *SessionSeen) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *SessionSeen) Len() int {
	s.mu.Lock()
	n := len(s.ids)
	s.mu.Unlock()
	return n
}
