package ledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	entries map[string][]*Entry // accountID -> entries in append order
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]*Entry),
	}
}

func (m *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.entries[entry.AccountID] = append(m.entries[entry.AccountID], &cp)
	return nil
}

func (m *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.entries[accountID]
	// Newest first, like the SQL store.
	var result []*Entry
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) SumByKind(ctx context.Context, accountID string) (map[Kind]decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := make(map[Kind]decimal.Decimal)
	for _, e := range m.entries[accountID] {
		sums[e.Kind] = sums[e.Kind].Add(e.Amount)
	}
	return sums, nil
}

func (m *MemoryStore) HasTransaction(ctx context.Context, accountID, transactionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries[accountID] {
		if e.TransactionID == transactionID {
			return true, nil
		}
	}
	return false, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
