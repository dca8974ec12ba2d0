package ingest

import "sync"

// boundedSet is a fixed-capacity membership set with FIFO eviction. Seen
// reports prior membership and records the key in one step.
type boundedSet struct {
	mu    sync.Mutex
	cap   int
	order []string
	set   map[string]struct{}
}

func newBoundedSet(capacity int) *boundedSet {
	return &boundedSet{
		cap: capacity,
		set: make(map[string]struct{}, capacity),
	}
}

func (s *boundedSet) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[key]; ok {
		return true
	}
	s.set[key] = struct{}{}
	s.order = append(s.order, key)
	if len(s.order) > s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.set, oldest)
	}
	return false
}

func (s *boundedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set)
}
