package fetcher

import (
	"sync"

	"github.com/ssuji15/ciwatch/model"
)

// Seen is the set of run ids already returned during one fetch.
type Seen struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

func NewSeen() *Seen {
	return &Seen{ids: make(map[int64]struct{})}
}

// Claim returns the runs not seen before and marks them as seen.
func (s *Seen) Claim(runs []model.RunRecord) []model.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make([]model.RunRecord, 0, len(runs))
	for _, r := range runs {
		if _, ok := s.ids[r.ID]; ok {
			continue
		}
		s.ids[r.ID] = struct{}{}
		fresh = append(fresh, r)
	}
	return fresh
}

func (s *Seen) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
