package payment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu          sync.RWMutex
	byID        map[string]*Payment
	byReference map[string]*Payment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        make(map[string]*Payment),
		byReference: make(map[string]*Payment),
	}
}

func (s *MemoryStore) Create(_ context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byReference[p.Reference]; dup {
		return ErrDuplicatePayment
	}
	if p.Status == StatusPending {
		for _, existing := range s.byID {
			if existing.TransactionID == p.TransactionID && existing.Status == StatusPending {
				return ErrPendingExists
			}
		}
	}
	cp := *p
	s.byID[p.ID] = &cp
	s.byReference[p.Reference] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetByReference(_ context.Context, reference string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byReference[reference]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) SetProviderReference(_ context.Context, id, providerRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return ErrPaymentNotFound
	}
	p.ProviderReference = providerRef
	p.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status, paidAt *time.Time, channel, failureReason string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if p.Status != from {
		return nil, ErrConflict
	}
	p.Status = to
	p.PaidAt = paidAt
	if channel != "" {
		p.Channel = channel
	}
	p.FailureReason = failureReason
	p.UpdatedAt = time.Now()
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return ErrPaymentNotFound
	}
	delete(s.byReference, p.Reference)
	delete(s.byID, id)
	return nil
}

func (s *MemoryStore) AbandonPending(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byID {
		if p.TransactionID == transactionID && p.Status == StatusPending {
			p.Status = StatusAbandoned
			p.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (s *MemoryStore) ListByTransaction(_ context.Context, transactionID string) ([]*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Payment
	for _, p := range s.byID {
		if p.TransactionID == transactionID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountFailedSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.byID {
		if p.UserID == userID && p.Status == StatusFailed && !p.UpdatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Payment
	for _, p := range s.byID {
		if p.Status == StatusPending && p.CreatedAt.Before(olderThan) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
