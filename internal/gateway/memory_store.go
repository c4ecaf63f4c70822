package gateway

import (
	"context"
	"sync"
	"time"
)

// MemoryTxStore is an in-memory TxStore for demo mode and tests.
type MemoryTxStore struct {
	mu    sync.RWMutex
	txs   map[string]*Transaction // by ID
	byRef map[string]string       // gateway:reference -> ID
	order []string                // insertion order of IDs
}

// NewMemoryTxStore creates an in-memory transaction store.
func NewMemoryTxStore() *MemoryTxStore {
	return &MemoryTxStore{
		txs:   make(map[string]*Transaction),
		byRef: make(map[string]string),
	}
}

func refKey(gatewayName, reference string) string {
	return gatewayName + ":" + reference
}

func cloneTx(tx *Transaction) *Transaction {
	cp := *tx
	return &cp
}

func (s *MemoryTxStore) Create(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.ID] = cloneTx(tx)
	s.byRef[refKey(tx.Gateway, tx.Reference)] = tx.ID
	s.order = append(s.order, tx.ID)
	return nil
}

func (s *MemoryTxStore) GetByReference(_ context.Context, gatewayName, reference string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRef[refKey(gatewayName, reference)]
	if !ok {
		return nil, ErrTxNotFound
	}
	return cloneTx(s.txs[id]), nil
}

func (s *MemoryTxStore) Update(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.ID]; !ok {
		return ErrTxNotFound
	}
	s.txs[tx.ID] = cloneTx(tx)
	return nil
}

func (s *MemoryTxStore) List(_ context.Context, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Transaction, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneTx(s.txs[s.order[i]]))
	}
	return out, nil
}

// MemoryReceiptStore is an in-memory ReceiptStore for demo mode and tests.
type MemoryReceiptStore struct {
	mu       sync.RWMutex
	receipts map[string]*Receipt
	order    []string
}

// NewMemoryReceiptStore creates an in-memory receipt store.
func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{receipts: make(map[string]*Receipt)}
}

func (s *MemoryReceiptStore) Create(_ context.Context, r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.Payload = append([]byte(nil), r.Payload...)
	s.receipts[r.ID] = &cp
	s.order = append(s.order, r.ID)
	return nil
}

func (s *MemoryReceiptStore) MarkProcessed(_ context.Context, id string, processErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[id]
	if !ok {
		return ErrTxNotFound
	}
	now := time.Now().UTC()
	r.Processed = true
	r.ProcessError = processErr
	r.ProcessedAt = &now
	return nil
}

func (s *MemoryReceiptStore) ListUnprocessed(_ context.Context, limit int) ([]*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Receipt, 0, limit)
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		if r := s.receipts[id]; !r.Processed {
			cp := *r
			cp.Payload = append([]byte(nil), r.Payload...)
			out = append(out, &cp)
		}
	}
	return out, nil
}
