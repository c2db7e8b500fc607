package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairhold/fairhold/internal/idgen"
	"github.com/fairhold/fairhold/internal/money"
)

// WithdrawalStatus is the bank payout lifecycle. Funds leave the wallet
// at request time; a failed payout credits them back.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "PENDING"
	WithdrawalProcessing WithdrawalStatus = "PROCESSING"
	WithdrawalCompleted  WithdrawalStatus = "COMPLETED"
	WithdrawalFailed     WithdrawalStatus = "FAILED"
)

// Withdrawal is a request to pay wallet funds out to a bank account.
type Withdrawal struct {
	ID            string           `json:"id"`
	UserID        string           `json:"userId"`
	Amount        decimal.Decimal  `json:"amount"`
	Currency      string           `json:"currency"`
	BankName      string           `json:"bankName"`
	AccountNumber string           `json:"accountNumber"`
	AccountName   string           `json:"accountName"`
	Status        WithdrawalStatus `json:"status"`
	FailureReason string           `json:"failureReason,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// BankDetails is the payout destination supplied with a request.
type BankDetails struct {
	BankName      string `json:"bankName"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
}

// RequestWithdrawal debits the wallet and records a pending payout. The
// debit reference is derived from the withdrawal ID so a retried request
// can never double-debit.
func (l *Ledger) RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, bank BankDetails) (*Withdrawal, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	now := time.Now()
	wd := &Withdrawal{
		ID:            idgen.WithPrefix("wdl_"),
		UserID:        userID,
		Amount:        amount,
		Currency:      l.currency,
		BankName:      bank.BankName,
		AccountNumber: bank.AccountNumber,
		AccountName:   bank.AccountName,
		Status:        WithdrawalPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := l.Debit(ctx, userID, amount, TypeWithdrawal, "withdrawal:"+wd.ID, "bank withdrawal to "+bank.BankName, "", ""); err != nil {
		return nil, err
	}
	if err := l.store.CreateWithdrawal(ctx, wd); err != nil {
		// The debit landed but the payout record did not. Put the
		// money back under a reversal reference and surface the error.
		if _, cerr := l.Credit(ctx, userID, amount, TypeEscrowRefund, "withdrawal:"+wd.ID+":reversal", "withdrawal record failed", "", ""); cerr != nil {
			return nil, fmt.Errorf("withdrawal record failed and reversal failed: %w (reversal: %v)", err, cerr)
		}
		return nil, err
	}
	return wd, nil
}

// GetWithdrawal returns a single withdrawal.
func (l *Ledger) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	return l.store.GetWithdrawal(ctx, id)
}

// ListWithdrawals returns a user's withdrawals, newest first.
func (l *Ledger) ListWithdrawals(ctx context.Context, userID string, limit int) ([]*Withdrawal, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListWithdrawals(ctx, userID, limit)
}

// MarkProcessing moves a pending withdrawal into processing.
func (l *Ledger) MarkProcessing(ctx context.Context, id string) (*Withdrawal, error) {
	return l.store.UpdateWithdrawalStatus(ctx, id, WithdrawalPending, WithdrawalProcessing, "")
}

// CompleteWithdrawal marks a processing withdrawal as paid out.
func (l *Ledger) CompleteWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	wd, err := l.store.UpdateWithdrawalStatus(ctx, id, WithdrawalProcessing, WithdrawalCompleted, "")
	if err != nil {
		return nil, err
	}
	if l.hooks != nil {
		l.hooks.WithdrawalCompleted(wd.UserID, wd.ID, money.Format(wd.Amount))
	}
	return wd, nil
}

// FailWithdrawal marks a processing withdrawal as failed and returns the
// funds to the wallet.
func (l *Ledger) FailWithdrawal(ctx context.Context, id, reason string) (*Withdrawal, error) {
	wd, err := l.store.UpdateWithdrawalStatus(ctx, id, WithdrawalProcessing, WithdrawalFailed, reason)
	if err != nil {
		return nil, err
	}
	if _, err := l.Credit(ctx, wd.UserID, wd.Amount, TypeDeposit, "withdrawal:"+wd.ID+":refund", "failed withdrawal refund", "", ""); err != nil {
		return wd, fmt.Errorf("withdrawal marked failed but refund credit failed: %w", err)
	}
	if l.hooks != nil {
		l.hooks.WithdrawalFailed(wd.UserID, wd.ID, reason)
	}
	return wd, nil
}
