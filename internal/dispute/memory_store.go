package dispute

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for demo mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	order    []string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func clone(d *Dispute) *Dispute {
	cp := *d
	if d.SplitRatio != nil {
		r := *d.SplitRatio
		cp.SplitRatio = &r
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func (s *MemoryStore) Create(_ context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disputes[d.ID] = clone(d)
	s.order = append(s.order, d.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(d), nil
}

func (s *MemoryStore) GetOpenByEscrow(_ context.Context, escrowID string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		d := s.disputes[id]
		if d.EscrowID == escrowID && d.Status == StatusOpen {
			return clone(d), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Update(_ context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disputes[d.ID]; !ok {
		return ErrNotFound
	}
	s.disputes[d.ID] = clone(d)
	return nil
}

func (s *MemoryStore) ListByEscrow(_ context.Context, escrowID string) ([]*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Dispute
	for _, id := range s.order {
		if d := s.disputes[id]; d.EscrowID == escrowID {
			out = append(out, clone(d))
		}
	}
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Dispute, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, clone(s.disputes[s.order[i]]))
	}
	return out, nil
}
