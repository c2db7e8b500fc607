// Package wallet implements the per-user balance ledger.
//
// Every balance change is backed by exactly one immutable entry whose
// before/after balances are internally consistent and whose reference is
// unique. The reference is the dedup key: applying the same external
// event twice is rejected by the store, which makes ledger application
// idempotent.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairhold/fairhold/internal/idgen"
)

var (
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrWalletInactive     = errors.New("wallet is inactive")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDuplicateReference = errors.New("ledger reference already applied")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrWalletExists       = errors.New("wallet already exists for user")
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrInvalidWithdrawal  = errors.New("invalid withdrawal state for this operation")
)

// EntryType classifies a ledger entry and fixes its direction.
type EntryType string

const (
	TypeDeposit       EntryType = "DEPOSIT"
	TypeWithdrawal    EntryType = "WITHDRAWAL"
	TypeEscrowFunding EntryType = "ESCROW_FUNDING"
	TypeEscrowRelease EntryType = "ESCROW_RELEASE"
	TypeEscrowRefund  EntryType = "ESCROW_REFUND"
	TypePayment       EntryType = "PAYMENT"
	TypeFeePayment    EntryType = "FEE_PAYMENT"
	TypeBonus         EntryType = "BONUS"
)

// EntryStatus is the lifecycle of a ledger entry. Entries are never
// deleted; only the status may advance.
type EntryStatus string

const (
	EntryPending   EntryStatus = "PENDING"
	EntryCompleted EntryStatus = "COMPLETED"
	EntryFailed    EntryStatus = "FAILED"
	EntryReversed  EntryStatus = "REVERSED"
)

// Wallet holds one user's internal balances. Balance is spendable;
// EscrowBalance is earmarked by the wallet-reserve funding path. Neither
// may ever go negative.
type Wallet struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Balance       decimal.Decimal `json:"balance"`
	EscrowBalance decimal.Decimal `json:"escrowBalance"`
	Currency      string          `json:"currency"`
	IsActive      bool            `json:"isActive"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Entry is one immutable ledger record. BalanceBefore/After track the
// spendable balance; EscrowBefore/After track the escrow sub-balance.
// Whichever sub-balance the entry type touches moves by exactly Amount.
type Entry struct {
	ID            string          `json:"id"`
	WalletID      string          `json:"walletId"`
	PaymentID     string          `json:"paymentId,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
	Type          EntryType       `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	EscrowBefore  decimal.Decimal `json:"escrowBefore"`
	EscrowAfter   decimal.Decimal `json:"escrowAfter"`
	Reference     string          `json:"reference"`
	Status        EntryStatus     `json:"status"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Movement is the input to the store's atomic apply: the two deltas plus
// the entry to record. The store must update the wallet row and insert
// the entry in one atomic unit, rejecting the whole movement if either
// resulting balance would go negative or the reference already exists.
type Movement struct {
	UserID        string
	BalanceDelta  decimal.Decimal
	EscrowDelta   decimal.Decimal
	Type          EntryType
	Amount        decimal.Decimal
	Reference     string
	Description   string
	PaymentID     string
	TransactionID string
}

// Store persists wallets and ledger entries.
type Store interface {
	CreateWallet(ctx context.Context, w *Wallet) error
	GetByUser(ctx context.Context, userID string) (*Wallet, error)
	Apply(ctx context.Context, mv *Movement) (*Entry, error)
	History(ctx context.Context, userID string, limit int) ([]*Entry, error)
	EntryByReference(ctx context.Context, reference string) (*Entry, error)

	CreateWithdrawal(ctx context.Context, wd *Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	UpdateWithdrawalStatus(ctx context.Context, id string, from, to WithdrawalStatus, failureReason string) (*Withdrawal, error)
	ListWithdrawals(ctx context.Context, userID string, limit int) ([]*Withdrawal, error)
}

// Ledger is the wallet ledger engine.
type Ledger struct {
	store    Store
	hooks    Hooks
	currency string
}

// Hooks publishes payout outcomes to outbound integrations such as
// webhook subscriptions. Implementations must be fire-and-forget.
type Hooks interface {
	WithdrawalCompleted(userID, withdrawalID, amount string)
	WithdrawalFailed(userID, withdrawalID, reason string)
}

// New creates a ledger over the given store.
func New(store Store, currency string) *Ledger {
	return &Ledger{store: store, currency: currency}
}

// WithHooks attaches the outbound event publisher.
func (l *Ledger) WithHooks(h Hooks) *Ledger {
	l.hooks = h
	return l
}

// Open creates a wallet for a user with zero balances.
func (l *Ledger) Open(ctx context.Context, userID string) (*Wallet, error) {
	now := time.Now()
	w := &Wallet{
		ID:        idgen.WithPrefix("wal_"),
		UserID:    userID,
		Balance:   decimal.Zero,
		Currency:  l.currency,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateWallet(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Get returns a user's wallet.
func (l *Ledger) Get(ctx context.Context, userID string) (*Wallet, error) {
	return l.store.GetByUser(ctx, userID)
}

// History returns a user's ledger entries, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, userID, limit)
}

// Credit adds funds to a user's spendable balance. Rejects a reference
// that was already applied.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, typ EntryType, reference, description, paymentID, transactionID string) (*Entry, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.store.Apply(ctx, &Movement{
		UserID:        userID,
		BalanceDelta:  amount,
		EscrowDelta:   decimal.Zero,
		Type:          typ,
		Amount:        amount,
		Reference:     reference,
		Description:   description,
		PaymentID:     paymentID,
		TransactionID: transactionID,
	})
}

// Debit removes funds from a user's spendable balance. Rejects with
// ErrInsufficientFunds when amount exceeds the balance; the sufficiency
// check and the write are one atomic unit in the store.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, typ EntryType, reference, description, paymentID, transactionID string) (*Entry, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.store.Apply(ctx, &Movement{
		UserID:        userID,
		BalanceDelta:  amount.Neg(),
		EscrowDelta:   decimal.Zero,
		Type:          typ,
		Amount:        amount,
		Reference:     reference,
		Description:   description,
		PaymentID:     paymentID,
		TransactionID: transactionID,
	})
}

// EscrowFund earmarks spendable funds: balance -> escrowBalance on the
// same wallet.
func (l *Ledger) EscrowFund(ctx context.Context, userID string, amount decimal.Decimal, reference, description, transactionID string) (*Entry, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.store.Apply(ctx, &Movement{
		UserID:        userID,
		BalanceDelta:  amount.Neg(),
		EscrowDelta:   amount,
		Type:          TypeEscrowFunding,
		Amount:        amount,
		Reference:     reference,
		Description:   description,
		TransactionID: transactionID,
	})
}

// EscrowRelease moves earmarked funds out of the escrow sub-balance,
// settling them elsewhere (the seller credit is a separate entry on the
// seller's wallet).
func (l *Ledger) EscrowRelease(ctx context.Context, userID string, amount decimal.Decimal, reference, description, transactionID string) (*Entry, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.store.Apply(ctx, &Movement{
		UserID:        userID,
		BalanceDelta:  decimal.Zero,
		EscrowDelta:   amount.Neg(),
		Type:          TypeEscrowRelease,
		Amount:        amount,
		Reference:     reference,
		Description:   description,
		TransactionID: transactionID,
	})
}

// EscrowRefund returns earmarked funds to the spendable balance:
// escrowBalance -> balance on the same wallet.
func (l *Ledger) EscrowRefund(ctx context.Context, userID string, amount decimal.Decimal, reference, description, transactionID string) (*Entry, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.store.Apply(ctx, &Movement{
		UserID:        userID,
		BalanceDelta:  amount,
		EscrowDelta:   amount.Neg(),
		Type:          TypeEscrowRefund,
		Amount:        amount,
		Reference:     reference,
		Description:   description,
		TransactionID: transactionID,
	})
}

// --- State-machine facing operations ---
//
// These satisfy the transaction package's Ledger interface. They are
// thin purpose-named wrappers so the state machine never chooses entry
// types itself.

// PayFromBalance debits the buyer's wallet for an escrow funding.
func (l *Ledger) PayFromBalance(ctx context.Context, userID string, amount decimal.Decimal, reference, description, transactionID string) error {
	_, err := l.Debit(ctx, userID, amount, TypePayment, reference, description, "", transactionID)
	return err
}

// RefundPayment reverses a wallet funding debit after a downstream
// failure.
func (l *Ledger) RefundPayment(ctx context.Context, userID string, amount decimal.Decimal, reference, description, transactionID string) error {
	_, err := l.Credit(ctx, userID, amount, TypeEscrowRefund, reference, description, "", transactionID)
	return err
}

// ReleaseToSeller credits the seller's spendable balance on settlement.
func (l *Ledger) ReleaseToSeller(ctx context.Context, userID string, amount decimal.Decimal, reference, description, transactionID string) error {
	_, err := l.Credit(ctx, userID, amount, TypeEscrowRelease, reference, description, "", transactionID)
	return err
}

// RefundToBuyer credits the buyer's spendable balance on refund.
func (l *Ledger) RefundToBuyer(ctx context.Context, userID string, amount decimal.Decimal, reference, description, transactionID string) error {
	_, err := l.Credit(ctx, userID, amount, TypeEscrowRefund, reference, description, "", transactionID)
	return err
}

// DebitSellerForRefund claws back released funds when a post-completion
// refund is approved.
func (l *Ledger) DebitSellerForRefund(ctx context.Context, userID string, amount decimal.Decimal, reference, description, transactionID string) error {
	_, err := l.Debit(ctx, userID, amount, TypeEscrowRefund, reference, description, "", transactionID)
	return err
}

// CheckEntry verifies the internal consistency of an entry against its
// recorded deltas: each sub-balance moved by exactly the entry amount in
// the direction its type dictates, or not at all.
func CheckEntry(e *Entry) error {
	balDelta := e.BalanceAfter.Sub(e.BalanceBefore)
	escDelta := e.EscrowAfter.Sub(e.EscrowBefore)
	if !balDelta.Abs().Equal(e.Amount) && !balDelta.IsZero() {
		return fmt.Errorf("entry %s: spendable balance moved by %s, want 0 or ±%s", e.ID, balDelta, e.Amount)
	}
	if !escDelta.Abs().Equal(e.Amount) && !escDelta.IsZero() {
		return fmt.Errorf("entry %s: escrow balance moved by %s, want 0 or ±%s", e.ID, escDelta, e.Amount)
	}
	if balDelta.IsZero() && escDelta.IsZero() {
		return fmt.Errorf("entry %s: no balance movement recorded", e.ID)
	}
	return nil
}
