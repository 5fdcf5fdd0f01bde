package reconcile

import "sync"

// Sequencer orders fetches so that a slow response never overwrites the
// result of a later one.
type Sequencer struct {
	mu      sync.Mutex
	issued  uint64
	applied uint64
}

// Next tags a new request.
func (s *Sequencer) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued++
	return s.issued
}

// Accept reports whether the response to request seq may be applied, and
// records it as applied if so. Responses older than the last applied one are
// rejected.
func (s *Sequencer) Accept(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.applied {
		return false
	}
	s.applied = seq
	return true
}

// Applied returns the newest applied sequence number.
func (s *Sequencer) Applied() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}
