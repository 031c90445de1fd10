// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/grantscout/internal/triage"
)

// Store holds triage runs in memory. Suitable for dev/testing and one-shot CLI runs.
type Store struct {
	mu    sync.RWMutex
	runs  map[string]*triage.Run // run ID -> run
	order []string               // run IDs in first-Put order
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		runs: make(map[string]*triage.Run),
	}
}

// Get retrieves a run by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*triage.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// Put stores a copy of the run. Overwriting keeps the run's original position
// in List order.
func (s *Store) Put(_ context.Context, r *triage.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

// List returns copies of up to limit runs, newest first. limit <= 0 returns all.
func (s *Store) List(_ context.Context, limit int) ([]*triage.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*triage.Run, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		cp := *s.runs[s.order[i]]
		out = append(out, &cp)
	}
	return out, nil
}
