package transaction

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairhold/fairhold/internal/pagination"
)

// MemoryStore implements Store with in-memory maps for development and
// tests.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Transaction
	byCode map[string]string // code -> id
	logs   map[string][]*Log // transaction id -> entries
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Transaction),
		byCode: make(map[string]string),
		logs:   make(map[string][]*Log),
	}
}

func (m *MemoryStore) Create(ctx context.Context, txn *Transaction, initial *Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *txn
	m.byID[txn.ID] = &cp
	m.byCode[txn.Code] = txn.ID
	if initial != nil {
		l := *initial
		m.logs[txn.ID] = append(m.logs[txn.ID], &l)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) GetByCode(ctx context.Context, code string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) Apply(ctx context.Context, id string, mut *Mutation) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	// Guarded update: the row must still carry the expected pair.
	if txn.Status != mut.ExpectStatus || txn.EscrowStatus != mut.ExpectEscrow {
		return nil, ErrConflict
	}

	txn.Status = mut.Status
	txn.EscrowStatus = mut.EscrowStatus
	if mut.IsPaid != nil {
		txn.IsPaid = *mut.IsPaid
	}
	if mut.PaymentID != nil {
		txn.PaymentID = *mut.PaymentID
	}
	if mut.DeliveryMethod != nil {
		txn.DeliveryMethod = *mut.DeliveryMethod
	}
	if mut.TrackingNumber != nil {
		txn.TrackingNumber = *mut.TrackingNumber
	}
	if mut.ExpectedDeliveryAt != nil {
		txn.ExpectedDeliveryAt = mut.ExpectedDeliveryAt
	}
	if mut.DeliveredAt != nil {
		txn.DeliveredAt = mut.DeliveredAt
	}
	if mut.CompletedAt != nil {
		txn.CompletedAt = mut.CompletedAt
	}
	if mut.CanceledAt != nil {
		txn.CanceledAt = mut.CanceledAt
	}
	if mut.RefundedAt != nil {
		txn.RefundedAt = mut.RefundedAt
	}
	txn.UpdatedAt = time.Now()

	l := mut.Log
	m.logs[id] = append(m.logs[id], &l)

	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) AppendLog(ctx context.Context, l *Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[l.TransactionID]; !ok {
		return ErrNotFound
	}
	cp := *l
	m.logs[l.TransactionID] = append(m.logs[l.TransactionID], &cp)
	return nil
}

func (m *MemoryStore) Logs(ctx context.Context, id string) ([]*Log, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.logs[id]
	out := make([]*Log, len(entries))
	for i, l := range entries {
		cp := *l
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int, after *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, txn := range m.byID {
		if txn.BuyerID != userID && txn.SellerID != userID {
			continue
		}
		if after != nil {
			// Keep only rows strictly after the cursor in the
			// (created_at DESC, id DESC) ordering.
			if txn.CreatedAt.After(after.CreatedAt) {
				continue
			}
			if txn.CreatedAt.Equal(after.CreatedAt) && txn.ID >= after.ID {
				continue
			}
		}
		cp := *txn
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AverageCompletedAmount(ctx context.Context, buyerID string, since time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	n := 0
	for _, txn := range m.byID {
		if txn.BuyerID != buyerID || txn.Status != StatusCompleted {
			continue
		}
		if txn.CompletedAt == nil || txn.CompletedAt.Before(since) {
			continue
		}
		sum = sum.Add(txn.Amount)
		n++
	}
	if n == 0 {
		return decimal.Zero, nil
	}
	return sum.Div(decimal.NewFromInt(int64(n))), nil
}

func (m *MemoryStore) ListStuckDelivered(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, txn := range m.byID {
		if txn.Status != StatusDelivered || txn.EscrowStatus != EscrowFunded {
			continue
		}
		if txn.DeliveredAt == nil || !txn.DeliveredAt.Before(olderThan) {
			continue
		}
		cp := *txn
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeliveredAt.Before(*out[j].DeliveredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
