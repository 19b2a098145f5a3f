package display

import "sync"

// ExclusionSet holds the X window IDs that capture backends must leave out of
// their frames. The overlay registers its own window here.
type ExclusionSet struct {
	mu  sync.RWMutex
	ids map[uint32]struct{}
}

func NewExclusionSet() *ExclusionSet {
	return &ExclusionSet{ids: make(map[uint32]struct{})}
}

func (s *ExclusionSet) Add(id uint32) {
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

func (s *ExclusionSet) Remove(id uint32) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

// Contains is safe on a nil set.
func (s *ExclusionSet) Contains(id uint32) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

func (s *ExclusionSet) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}
