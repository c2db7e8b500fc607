package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fairhold/fairhold/internal/idgen"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu          sync.RWMutex
	wallets     map[string]*Wallet // keyed by userID
	entries     []*Entry
	byReference map[string]*Entry
	withdrawals map[string]*Withdrawal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:     make(map[string]*Wallet),
		byReference: make(map[string]*Entry),
		withdrawals: make(map[string]*Withdrawal),
	}
}

func (s *MemoryStore) CreateWallet(_ context.Context, w *Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[w.UserID]; ok {
		return ErrWalletExists
	}
	cp := *w
	s.wallets[w.UserID] = &cp
	return nil
}

func (s *MemoryStore) GetByUser(_ context.Context, userID string) (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) Apply(_ context.Context, mv *Movement) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byReference[mv.Reference]; dup {
		return nil, ErrDuplicateReference
	}
	w, ok := s.wallets[mv.UserID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	if !w.IsActive {
		return nil, ErrWalletInactive
	}
	newBal := w.Balance.Add(mv.BalanceDelta)
	newEsc := w.EscrowBalance.Add(mv.EscrowDelta)
	if newBal.Sign() < 0 || newEsc.Sign() < 0 {
		return nil, ErrInsufficientFunds
	}

	e := &Entry{
		ID:            idgen.WithPrefix("wtx_"),
		WalletID:      w.ID,
		PaymentID:     mv.PaymentID,
		TransactionID: mv.TransactionID,
		Type:          mv.Type,
		Amount:        mv.Amount,
		BalanceBefore: w.Balance,
		BalanceAfter:  newBal,
		EscrowBefore:  w.EscrowBalance,
		EscrowAfter:   newEsc,
		Reference:     mv.Reference,
		Status:        EntryCompleted,
		Description:   mv.Description,
		CreatedAt:     time.Now(),
	}
	w.Balance = newBal
	w.EscrowBalance = newEsc
	w.UpdatedAt = e.CreatedAt
	s.entries = append(s.entries, e)
	s.byReference[mv.Reference] = e
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) History(_ context.Context, userID string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	var out []*Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.entries[i].WalletID == w.ID {
			cp := *s.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) EntryByReference(_ context.Context, reference string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byReference[reference]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) CreateWithdrawal(_ context.Context, wd *Withdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *wd
	s.withdrawals[wd.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, id string) (*Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wd, ok := s.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	cp := *wd
	return &cp, nil
}

func (s *MemoryStore) UpdateWithdrawalStatus(_ context.Context, id string, from, to WithdrawalStatus, failureReason string) (*Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wd, ok := s.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	if wd.Status != from {
		return nil, ErrInvalidWithdrawal
	}
	wd.Status = to
	wd.FailureReason = failureReason
	wd.UpdatedAt = time.Now()
	cp := *wd
	return &cp, nil
}

func (s *MemoryStore) ListWithdrawals(_ context.Context, userID string, limit int) ([]*Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Withdrawal
	for _, wd := range s.withdrawals {
		if wd.UserID == userID {
			cp := *wd
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
