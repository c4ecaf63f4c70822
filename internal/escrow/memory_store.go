package escrow

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory escrow account store for demo/development
// mode. It applies the same optimistic version check as the Postgres
// store so concurrency behavior matches.
type MemoryStore struct {
	accounts map[string]*Account
	byOrder  map[string]string // orderID -> accountID
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byOrder:  make(map[string]string),
	}
}

// clone returns a deep copy so callers never share the stored milestones
// slice backing array.
func clone(a *Account) *Account {
	cp := *a
	cp.Milestones = make([]Milestone, len(a.Milestones))
	copy(cp.Milestones, a.Milestones)
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOrder[acct.OrderID]; ok {
		return ErrDuplicateOrder
	}
	acct.Version = 1
	m.accounts[acct.ID] = clone(acct)
	m.byOrder[acct.OrderID] = acct.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(acct), nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.accounts[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.accounts[acct.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != acct.Version {
		return ErrVersionConflict
	}
	acct.Version++
	m.accounts[acct.ID] = clone(acct)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Account
	for _, a := range m.accounts {
		result = append(result, clone(a))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Account
	for _, a := range m.accounts {
		if a.Status == status {
			result = append(result, clone(a))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
