// Package payment records gateway charges and reconciles their
// outcomes onto transactions.
//
// A payment is created PENDING when a charge is initiated and moves to
// exactly one terminal status. The gateway's report never moves money
// directly; reconciliation verifies it first and then drives the
// transaction state machine, which owns the ledger movements.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrDuplicatePayment = errors.New("payment reference already exists")
	ErrPendingExists    = errors.New("transaction already has a pending payment")
	ErrUnknownGateway   = errors.New("unknown payment gateway")
	ErrGatewayTripped   = errors.New("payment gateway temporarily unavailable")
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrAmountMismatch   = errors.New("reported amount outside tolerance")
	ErrConflict         = errors.New("payment was modified concurrently")
)

// Status is the payment lifecycle. PENDING is the only non-terminal
// status; a terminal payment is never updated again.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusAbandoned Status = "ABANDONED"
)

// Payment is one charge attempt against a transaction. Reference is our
// identifier and the reconciliation key; ProviderReference is whatever
// handle the gateway issued for the same charge.
type Payment struct {
	ID                string          `json:"id"`
	TransactionID     string          `json:"transactionId"`
	UserID            string          `json:"userId"`
	Gateway           string          `json:"gateway"`
	Reference         string          `json:"reference"`
	ProviderReference string          `json:"providerReference,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            Status          `json:"status"`
	Channel           string          `json:"channel,omitempty"`
	FailureReason     string          `json:"failureReason,omitempty"`
	PaidAt            *time.Time      `json:"paidAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Store persists payments. Reference is unique across all payments, and
// at most one PENDING payment may exist per transaction at a time.
// UpdateStatus is compare-and-set on the current status so two
// reconcilers cannot both apply an outcome.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByReference(ctx context.Context, reference string) (*Payment, error)
	SetProviderReference(ctx context.Context, id, providerRef string) error
	UpdateStatus(ctx context.Context, id string, from, to Status, paidAt *time.Time, channel, failureReason string) (*Payment, error)
	Delete(ctx context.Context, id string) error
	AbandonPending(ctx context.Context, transactionID string) error
	ListByTransaction(ctx context.Context, transactionID string) ([]*Payment, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*Payment, error)

	// Anomaly-monitor projection: FAILED payments for the user whose
	// outcome landed at or after the cutoff.
	CountFailedSince(ctx context.Context, userID string, since time.Time) (int, error)
}
