// Package transaction implements the escrow transaction state machine.
//
// Flow:
//  1. Buyer creates a transaction → PENDING / NOT_FUNDED
//  2. Buyer funds it (wallet or external gateway) → IN_PROGRESS / FUNDED
//  3. Seller delivers, buyer confirms → DELIVERED
//  4. Escrow releases to the seller's wallet → COMPLETED / RELEASED
//  5. Disputes and refunds move funds back to the buyer instead
//
// Every state change goes through the transition tables in transitions.go
// and writes exactly one append-only log entry in the same atomic unit.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairhold/fairhold/internal/idgen"
	"github.com/fairhold/fairhold/internal/logging"
	"github.com/fairhold/fairhold/internal/money"
	"github.com/fairhold/fairhold/internal/pagination"
	"github.com/fairhold/fairhold/internal/syncutil"
	"github.com/fairhold/fairhold/internal/traces"
	"github.com/fairhold/fairhold/internal/wallet"
)

var (
	ErrNotFound        = errors.New("transaction not found")
	ErrSelfDealing     = errors.New("buyer and seller cannot be the same user")
	ErrUnauthorized    = errors.New("not authorized for this transaction operation")
	ErrAlreadyPaid     = errors.New("transaction is already funded")
	ErrNotPaid         = errors.New("transaction has not been funded")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrConflict        = errors.New("transaction was modified concurrently")
	ErrUnknownGateway  = errors.New("unknown payment gateway")
	ErrInvalidDelivery = errors.New("delivery can only be updated while in progress")
	ErrInvalidCursor   = errors.New("invalid pagination cursor")
)

// Status is the business lifecycle state of a transaction.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusDelivered       Status = "DELIVERED"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusCanceled        Status = "CANCELED"
	StatusDisputed        Status = "DISPUTED"
	StatusRefundRequested Status = "REFUND_REQUESTED"
	StatusRefunded        Status = "REFUNDED"
)

// EscrowStatus tracks where the escrowed money is.
type EscrowStatus string

const (
	EscrowNotFunded         EscrowStatus = "NOT_FUNDED"
	EscrowFunded            EscrowStatus = "FUNDED"
	EscrowDisputed          EscrowStatus = "DISPUTED"
	EscrowReleased          EscrowStatus = "RELEASED"
	EscrowRefunded          EscrowStatus = "REFUNDED"
	EscrowPartiallyRefunded EscrowStatus = "PARTIALLY_REFUNDED"
)

// GatewayWallet is the internal wallet funding source. External gateway
// names are owned by the payment package; the state machine treats them
// opaquely.
const GatewayWallet = "wallet"

// Transaction is one escrow deal between a buyer and a seller.
// TotalAmount is computed once at creation and never recomputed.
type Transaction struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	BuyerID     string `json:"buyerId"`
	SellerID    string `json:"sellerId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	Amount      decimal.Decimal `json:"amount"`
	EscrowFee   decimal.Decimal `json:"escrowFee"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Currency    string          `json:"currency"`

	Status       Status       `json:"status"`
	EscrowStatus EscrowStatus `json:"escrowStatus"`

	DeliveryMethod     string     `json:"deliveryMethod,omitempty"`
	TrackingNumber     string     `json:"trackingNumber,omitempty"`
	ExpectedDeliveryAt *time.Time `json:"expectedDeliveryAt,omitempty"`
	DeliveredAt        *time.Time `json:"deliveredAt,omitempty"`

	IsPaid    bool   `json:"isPaid"`
	PaymentID string `json:"paymentId,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CanceledAt  *time.Time `json:"canceledAt,omitempty"`
	RefundedAt  *time.Time `json:"refundedAt,omitempty"`
}

// Log is one append-only history entry. It records the status pair
// after the transition; rows are never updated or deleted.
type Log struct {
	ID            string       `json:"id"`
	TransactionID string       `json:"transactionId"`
	Action        string       `json:"action"`
	Status        Status       `json:"status"`
	EscrowStatus  EscrowStatus `json:"escrowStatus"`
	ActorID       string       `json:"actorId,omitempty"`
	Description   string       `json:"description,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// Mutation is an atomic row update applied together with its log entry.
// ExpectStatus/ExpectEscrow guard against concurrent writers: the store
// must apply the update only if the row still carries the expected pair,
// and return ErrConflict otherwise.
type Mutation struct {
	ExpectStatus Status
	ExpectEscrow EscrowStatus

	Status       Status
	EscrowStatus EscrowStatus
	IsPaid       *bool
	PaymentID    *string

	DeliveryMethod     *string
	TrackingNumber     *string
	ExpectedDeliveryAt *time.Time
	DeliveredAt        *time.Time

	CompletedAt *time.Time
	CanceledAt  *time.Time
	RefundedAt  *time.Time

	Log Log
}

// Store persists transactions and their logs. Create and Apply must be
// atomic: the row write and the log insert commit together or not at all.
type Store interface {
	Create(ctx context.Context, txn *Transaction, initial *Log) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByCode(ctx context.Context, code string) (*Transaction, error)
	Apply(ctx context.Context, id string, m *Mutation) (*Transaction, error)
	AppendLog(ctx context.Context, l *Log) error
	Logs(ctx context.Context, id string) ([]*Log, error)
	ListByUser(ctx context.Context, userID string, limit int, after *pagination.Cursor) ([]*Transaction, error)

	// Anomaly-monitor projection.
	AverageCompletedAmount(ctx context.Context, buyerID string, since time.Time) (decimal.Decimal, error)

	// Reconciliation projection: DELIVERED transactions whose escrow is
	// still FUNDED past the cutoff.
	ListStuckDelivered(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error)
}

// Ledger is what the state machine needs from the wallet ledger.
// References passed here are idempotency keys: the ledger rejects a
// second application of the same reference.
type Ledger interface {
	PayFromBalance(ctx context.Context, userID string, amount decimal.Decimal, reference, description, transactionID string) error
	RefundPayment(ctx context.Context, userID string, amount decimal.Decimal, reference, description, transactionID string) error
	ReleaseToSeller(ctx context.Context, userID string, amount decimal.Decimal, reference, description, transactionID string) error
	RefundToBuyer(ctx context.Context, userID string, amount decimal.Decimal, reference, description, transactionID string) error
	DebitSellerForRefund(ctx context.Context, userID string, amount decimal.Decimal, reference, description, transactionID string) error
}

// PaymentIntent is the caller-facing result of initiating an external
// gateway charge.
type PaymentIntent struct {
	PaymentID        string `json:"paymentId"`
	Reference        string `json:"reference"`
	Gateway          string `json:"gateway"`
	AuthorizationURL string `json:"authorizationUrl,omitempty"`
	ClientSecret     string `json:"clientSecret,omitempty"`
}

// PaymentInitiator starts an external gateway charge for a transaction.
// Implemented by the payment reconciler.
type PaymentInitiator interface {
	Initiate(ctx context.Context, txn *Transaction, buyerEmail, gateway string) (*PaymentIntent, error)
	RecordWalletPayment(ctx context.Context, txn *Transaction, reference string) (paymentID string, err error)
}

// Notifier dispatches fire-and-forget notifications. Failures are the
// notifier's problem; they never propagate into ledger operations.
type Notifier interface {
	Notify(ctx context.Context, userID, title, message, category, entityID string)
}

// Hooks publishes lifecycle events to outbound integrations such as
// webhook subscriptions. Implementations must be fire-and-forget.
type Hooks interface {
	TransactionFunded(buyerID, sellerID, transactionID, code, amount string)
	TransactionCompleted(buyerID, sellerID, transactionID, code, amount string)
	TransactionDisputed(buyerID, sellerID, transactionID, code, reason string)
	TransactionRefunded(buyerID, transactionID, code, amount string)
	TransactionCanceled(buyerID, sellerID, transactionID, code string)
}

// AuditSink records state-changing actions and security events.
type AuditSink interface {
	RecordAction(ctx context.Context, userID, action, entity, entityID, before, after, description string)
	RecordSecurity(ctx context.Context, userID, action, entity, entityID, description string)
}

// AnomalyChecker flags suspicious patterns. Flags are advisory: they are
// recorded, never enforced here.
type AnomalyChecker interface {
	CheckAmount(ctx context.Context, buyerID string, amount decimal.Decimal)
	CheckFailures(ctx context.Context, userID string)
}

// Service implements the escrow transaction state machine.
type Service struct {
	store    Store
	ledger   Ledger
	payments PaymentInitiator
	notifier Notifier
	audit    AuditSink
	anomaly  AnomalyChecker
	hooks    Hooks
	currency string
	locks    syncutil.ShardedMutex // per-transaction locks serialize fund/release races in-process
}

// NewService creates the state machine service. The ledger and store are
// required; the rest are optional collaborators.
func NewService(store Store, ledger Ledger, currency string) *Service {
	return &Service{
		store:    store,
		ledger:   ledger,
		currency: currency,
	}
}

// WithPayments attaches the external gateway initiator.
func (s *Service) WithPayments(p PaymentInitiator) *Service {
	s.payments = p
	return s
}

// WithNotifier attaches the notification dispatcher.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithAudit attaches the audit sink.
func (s *Service) WithAudit(a AuditSink) *Service {
	s.audit = a
	return s
}

// WithAnomalyChecker attaches the anomaly monitor.
func (s *Service) WithAnomalyChecker(a AnomalyChecker) *Service {
	s.anomaly = a
	return s
}

// WithHooks attaches the outbound event publisher.
func (s *Service) WithHooks(h Hooks) *Service {
	s.hooks = h
	return s
}

// CreateRequest contains the parameters for creating a transaction.
type CreateRequest struct {
	BuyerID            string     `json:"buyerId" binding:"required"`
	SellerID           string     `json:"sellerId" binding:"required"`
	Title              string     `json:"title" binding:"required"`
	Description        string     `json:"description"`
	Amount             string     `json:"amount" binding:"required"`
	DeliveryMethod     string     `json:"deliveryMethod"`
	ExpectedDeliveryAt *time.Time `json:"expectedDeliveryAt"`
}

// Create opens a new escrow transaction in PENDING / NOT_FUNDED.
// The escrow fee is computed here, once, and the row insert commits
// together with the initial log entry.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	if strings.EqualFold(req.BuyerID, req.SellerID) {
		return nil, ErrSelfDealing
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		return nil, ErrInvalidAmount
	}

	fee := money.EscrowFee(amount)
	now := time.Now()
	txn := &Transaction{
		ID:                 idgen.WithPrefix("txn_"),
		Code:               idgen.Code("ESC-", 8),
		BuyerID:            req.BuyerID,
		SellerID:           req.SellerID,
		Title:              req.Title,
		Description:        req.Description,
		Amount:             amount,
		EscrowFee:          fee,
		TotalAmount:        amount.Add(fee),
		Currency:           s.currency,
		Status:             StatusPending,
		EscrowStatus:       EscrowNotFunded,
		DeliveryMethod:     req.DeliveryMethod,
		ExpectedDeliveryAt: req.ExpectedDeliveryAt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	initial := s.logEntry(txn, "created", req.BuyerID, "escrow transaction created")
	if err := s.store.Create(ctx, txn, initial); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	s.recordAction(ctx, req.BuyerID, "transaction.create", txn.ID, "", string(StatusPending), "")
	if s.anomaly != nil {
		s.anomaly.CheckAmount(ctx, txn.BuyerID, txn.Amount)
	}
	s.notify(ctx, txn.SellerID, "New escrow transaction",
		fmt.Sprintf("You have a new escrow transaction %s for %s %s", txn.Code, txn.Currency, money.Format(txn.Amount)),
		"transaction", txn.ID)

	return txn, nil
}

// Fund pays for a transaction. Only the buyer may fund, and only once.
//
// For the wallet gateway the debit, payment record, and state flip happen
// synchronously; for external gateways a pending payment is created and
// the transaction stays NOT_FUNDED until the gateway confirms.
func (s *Service) Fund(ctx context.Context, id, actorID, gateway, buyerEmail string) (*PaymentIntent, error) {
	ctx, span := traces.StartSpan(ctx, "transaction.Fund",
		traces.TransactionID(id),
		traces.Gateway(gateway),
	)
	defer span.End()
	ctx = logging.WithTransaction(ctx, id)

	unlock := s.locks.Lock(id)
	defer unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != txn.BuyerID {
		s.recordSecurity(ctx, actorID, "transaction.fund.unauthorized", txn.ID, "actor is not the buyer")
		return nil, ErrUnauthorized
	}
	if txn.IsPaid {
		return nil, ErrAlreadyPaid
	}
	if err := validateTransition(txn, StatusInProgress, EscrowFunded); err != nil {
		s.recordSecurity(ctx, actorID, "transaction.fund.rejected", txn.ID, err.Error())
		return nil, err
	}

	if gateway == GatewayWallet {
		return s.fundFromWallet(ctx, txn, actorID)
	}

	if s.payments == nil {
		return nil, ErrUnknownGateway
	}
	intent, err := s.payments.Initiate(ctx, txn, buyerEmail, gateway)
	if err != nil {
		return nil, err
	}
	_ = s.store.AppendLog(ctx, s.logEntry(txn, "payment_initiated", actorID,
		fmt.Sprintf("payment initiated via %s (ref %s)", gateway, intent.Reference)))
	return intent, nil
}

// fundFromWallet debits the buyer's wallet and flips the transaction to
// IN_PROGRESS / FUNDED. The debit reference is unique per attempt so a
// compensated failure never blocks a later retry; double funding is
// prevented by the IsPaid check under the per-transaction lock and by
// the compare-and-set on the status flip. Partial failures are
// compensated by refunding this attempt's debit.
func (s *Service) fundFromWallet(ctx context.Context, txn *Transaction, actorID string) (*PaymentIntent, error) {
	reference := fmt.Sprintf("escrow_fund:%s:%s", txn.ID, idgen.Hex(6))
	desc := fmt.Sprintf("escrow funding for %s", txn.Code)

	if err := s.ledger.PayFromBalance(ctx, txn.BuyerID, txn.TotalAmount, reference, desc, txn.ID); err != nil {
		return nil, err
	}

	paymentID := ""
	if s.payments != nil {
		pid, err := s.payments.RecordWalletPayment(ctx, txn, reference)
		if err != nil {
			s.compensateDebit(ctx, txn, reference, err)
			return nil, fmt.Errorf("failed to record wallet payment: %w", err)
		}
		paymentID = pid
	}

	paid := true
	m := &Mutation{
		ExpectStatus: txn.Status,
		ExpectEscrow: txn.EscrowStatus,
		Status:       StatusInProgress,
		EscrowStatus: EscrowFunded,
		IsPaid:       &paid,
		Log:          *s.logEntry(txn, "funded", actorID, "escrow funded from wallet"),
	}
	m.Log.Status = StatusInProgress
	m.Log.EscrowStatus = EscrowFunded
	if paymentID != "" {
		m.PaymentID = &paymentID
	}

	updated, err := s.store.Apply(ctx, txn.ID, m)
	if err != nil {
		s.compensateDebit(ctx, txn, reference, err)
		return nil, fmt.Errorf("failed to mark transaction funded: %w", err)
	}

	s.recordAction(ctx, actorID, "transaction.fund", txn.ID, string(StatusPending), string(StatusInProgress), "funded from wallet")
	s.notify(ctx, txn.SellerID, "Escrow funded",
		fmt.Sprintf("Transaction %s is funded. You can start work.", txn.Code), "transaction", txn.ID)
	if s.hooks != nil {
		s.hooks.TransactionFunded(txn.BuyerID, txn.SellerID, txn.ID, txn.Code, money.Format(txn.TotalAmount))
	}

	_ = updated
	return &PaymentIntent{PaymentID: paymentID, Reference: reference, Gateway: GatewayWallet}, nil
}

// compensateDebit refunds a wallet debit whose follow-up write failed.
// If the refund itself fails the ledger is left recoverable by reference
// and flagged for manual resolution.
func (s *Service) compensateDebit(ctx context.Context, txn *Transaction, reference string, cause error) {
	refundRef := reference + ":reversal"
	if err := s.ledger.RefundPayment(ctx, txn.BuyerID, txn.TotalAmount, refundRef,
		"reversal of failed escrow funding", txn.ID); err != nil {
		logging.L(ctx).Error("CRITICAL: wallet debited but funding failed and reversal failed; manual resolution required",
			"transaction_id", txn.ID, "reference", reference, "cause", cause, "reversal_error", err)
		return
	}
	logging.L(ctx).Warn("escrow funding reversed after partial failure",
		"transaction_id", txn.ID, "reference", reference, "cause", cause)
}

// DeliveryUpdate contains seller-supplied delivery metadata.
type DeliveryUpdate struct {
	DeliveryMethod     string     `json:"deliveryMethod"`
	TrackingNumber     string     `json:"trackingNumber"`
	ExpectedDeliveryAt *time.Time `json:"expectedDeliveryAt"`
}

// UpdateDelivery records delivery metadata. Seller only, and only while
// the transaction is in progress.
func (s *Service) UpdateDelivery(ctx context.Context, id, actorID string, upd DeliveryUpdate) (*Transaction, error) {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != txn.SellerID {
		s.recordSecurity(ctx, actorID, "transaction.delivery.unauthorized", txn.ID, "actor is not the seller")
		return nil, ErrUnauthorized
	}
	if txn.Status != StatusInProgress {
		return nil, ErrInvalidDelivery
	}

	m := &Mutation{
		ExpectStatus: txn.Status,
		ExpectEscrow: txn.EscrowStatus,
		Status:       txn.Status,
		EscrowStatus: txn.EscrowStatus,
		Log:          *s.logEntry(txn, "delivery_updated", actorID, "delivery details updated"),
	}
	if upd.DeliveryMethod != "" {
		m.DeliveryMethod = &upd.DeliveryMethod
	}
	if upd.TrackingNumber != "" {
		m.TrackingNumber = &upd.TrackingNumber
	}
	if upd.ExpectedDeliveryAt != nil {
		m.ExpectedDeliveryAt = upd.ExpectedDeliveryAt
	}

	updated, err := s.store.Apply(ctx, id, m)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, txn.BuyerID, "Delivery updated",
		fmt.Sprintf("Delivery details for %s were updated.", txn.Code), "transaction", txn.ID)
	return updated, nil
}

// ConfirmDelivery marks the transaction DELIVERED. Buyer only, from
// IN_PROGRESS. A release attempt follows automatically, but its failure
// never rolls back the confirmation: "delivered but not yet released" is
// a valid, recoverable state.
func (s *Service) ConfirmDelivery(ctx context.Context, id, actorID string) (*Transaction, error) {
	unlock := s.locks.Lock(id)

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if actorID != txn.BuyerID {
		unlock()
		s.recordSecurity(ctx, actorID, "transaction.confirm.unauthorized", txn.ID, "actor is not the buyer")
		return nil, ErrUnauthorized
	}
	if txn.Status != StatusInProgress {
		unlock()
		err := validateTransition(txn, StatusDelivered, txn.EscrowStatus)
		if err == nil {
			err = &TransitionError{TransactionID: txn.ID, FromStatus: txn.Status, ToStatus: StatusDelivered,
				FromEscrow: txn.EscrowStatus, ToEscrow: txn.EscrowStatus}
		}
		s.recordSecurity(ctx, actorID, "transaction.confirm.rejected", txn.ID, err.Error())
		return nil, err
	}

	now := time.Now()
	m := &Mutation{
		ExpectStatus: txn.Status,
		ExpectEscrow: txn.EscrowStatus,
		Status:       StatusDelivered,
		EscrowStatus: txn.EscrowStatus,
		DeliveredAt:  &now,
		Log:          *s.logEntry(txn, "delivery_confirmed", actorID, "buyer confirmed delivery"),
	}
	m.Log.Status = StatusDelivered

	updated, err := s.store.Apply(ctx, id, m)
	if err != nil {
		unlock()
		return nil, err
	}
	s.recordAction(ctx, actorID, "transaction.confirm_delivery", txn.ID, string(txn.Status), string(StatusDelivered), "")
	unlock()

	// Post-commit follow-on. Failure leaves the transaction DELIVERED,
	// which ReleaseEscrow can settle later.
	released, err := s.ReleaseEscrow(ctx, id, actorID)
	if err != nil {
		logging.L(ctx).Warn("auto-release after delivery confirmation failed",
			"transaction_id", id, "error", err)
		return updated, nil
	}
	return released, nil
}

// ReleaseEscrow settles the escrow: the seller's wallet is credited with
// the principal amount (the platform keeps the fee) and the transaction
// completes. Buyer only, from DELIVERED / FUNDED.
func (s *Service) ReleaseEscrow(ctx context.Context, id, actorID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transaction.ReleaseEscrow",
		traces.TransactionID(id),
		attribute.String("actor", actorID),
	)
	defer span.End()
	ctx = logging.WithTransaction(ctx, id)

	unlock := s.locks.Lock(id)
	defer unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != txn.BuyerID {
		s.recordSecurity(ctx, actorID, "transaction.release.unauthorized", txn.ID, "actor is not the buyer")
		return nil, ErrUnauthorized
	}
	if txn.Status != StatusDelivered || txn.EscrowStatus != EscrowFunded {
		err := &TransitionError{TransactionID: txn.ID, FromStatus: txn.Status, ToStatus: StatusCompleted,
			FromEscrow: txn.EscrowStatus, ToEscrow: EscrowReleased}
		s.recordSecurity(ctx, actorID, "transaction.release.rejected", txn.ID, err.Error())
		return nil, err
	}

	reference := "escrow_release:" + txn.ID
	if err := s.ledger.ReleaseToSeller(ctx, txn.SellerID, txn.Amount, reference,
		fmt.Sprintf("escrow release for %s", txn.Code), txn.ID); err != nil {
		// A duplicate reference means an earlier attempt credited the
		// seller but died before the status flip; finish the flip now.
		if !ledgerApplied(err) {
			return nil, fmt.Errorf("failed to release escrow funds: %w", err)
		}
		logging.L(ctx).Info("escrow release credit already applied, completing status update",
			"transaction_id", txn.ID, "reference", reference)
	}

	now := time.Now()
	m := &Mutation{
		ExpectStatus: txn.Status,
		ExpectEscrow: txn.EscrowStatus,
		Status:       StatusCompleted,
		EscrowStatus: EscrowReleased,
		CompletedAt:  &now,
		Log:          *s.logEntry(txn, "escrow_released", actorID, "escrow released to seller"),
	}
	m.Log.Status = StatusCompleted
	m.Log.EscrowStatus = EscrowReleased

	updated, err := s.store.Apply(ctx, id, m)
	if err != nil {
		// Funds already moved; retry once before flagging for manual
		// resolution. The credit is keyed by reference so it cannot be
		// applied twice.
		if updated, err = s.store.Apply(ctx, id, m); err != nil {
			logging.L(ctx).Error("CRITICAL: escrow released to seller but status update failed; manual resolution required",
				"transaction_id", txn.ID, "seller_id", txn.SellerID, "error", err)
			return nil, fmt.Errorf("failed to update transaction after fund release: %w", err)
		}
	}

	s.recordAction(ctx, actorID, "transaction.release", txn.ID, string(StatusDelivered), string(StatusCompleted), "")
	s.notify(ctx, txn.SellerID, "Escrow released",
		fmt.Sprintf("%s %s released to your wallet for %s.", txn.Currency, money.Format(txn.Amount), txn.Code),
		"wallet", txn.ID)
	if s.hooks != nil {
		s.hooks.TransactionCompleted(txn.BuyerID, txn.SellerID, txn.ID, txn.Code, money.Format(txn.Amount))
	}
	return updated, nil
}

// Cancel cancels an unfunded transaction. Buyer or seller may cancel;
// the transition table confines cancellation to PENDING.
func (s *Service) Cancel(ctx context.Context, id, actorID, reason string) (*Transaction, error) {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != txn.BuyerID && actorID != txn.SellerID {
		s.recordSecurity(ctx, actorID, "transaction.cancel.unauthorized", txn.ID, "actor is not a party")
		return nil, ErrUnauthorized
	}
	if txn.Status == StatusCompleted || txn.Status == StatusCanceled {
		err := &TransitionError{TransactionID: txn.ID, FromStatus: txn.Status, ToStatus: StatusCanceled,
			FromEscrow: txn.EscrowStatus, ToEscrow: txn.EscrowStatus}
		s.recordSecurity(ctx, actorID, "transaction.cancel.rejected", txn.ID, err.Error())
		return nil, err
	}
	if err := validateTransition(txn, StatusCanceled, txn.EscrowStatus); err != nil {
		s.recordSecurity(ctx, actorID, "transaction.cancel.rejected", txn.ID, err.Error())
		return nil, err
	}

	now := time.Now()
	m := &Mutation{
		ExpectStatus: txn.Status,
		ExpectEscrow: txn.EscrowStatus,
		Status:       StatusCanceled,
		EscrowStatus: txn.EscrowStatus,
		CanceledAt:   &now,
		Log:          *s.logEntry(txn, "canceled", actorID, reason),
	}
	m.Log.Status = StatusCanceled

	updated, err := s.store.Apply(ctx, id, m)
	if err != nil {
		return nil, err
	}
	s.recordAction(ctx, actorID, "transaction.cancel", txn.ID, string(txn.Status), string(StatusCanceled), reason)

	other := txn.SellerID
	if actorID == txn.SellerID {
		other = txn.BuyerID
	}
	s.notify(ctx, other, "Transaction canceled",
		fmt.Sprintf("Transaction %s was canceled.", txn.Code), "transaction", txn.ID)
	if s.hooks != nil {
		s.hooks.TransactionCanceled(txn.BuyerID, txn.SellerID, txn.ID, txn.Code)
	}
	return updated, nil
}

// RequestRefund opens a refund request on a completed, paid transaction.
// Buyer only. Settlement happens when an operator approves the request.
func (s *Service) RequestRefund(ctx context.Context, id, actorID, reason string) (*Transaction, error) {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != txn.BuyerID {
		s.recordSecurity(ctx, actorID, "transaction.refund_request.unauthorized", txn.ID, "actor is not the buyer")
		return nil, ErrUnauthorized
	}
	if !txn.IsPaid {
		return nil, ErrNotPaid
	}
	if err := validateTransition(txn, StatusRefundRequested, txn.EscrowStatus); err != nil {
		s.recordSecurity(ctx, actorID, "transaction.refund_request.rejected", txn.ID, err.Error())
		return nil, err
	}

	m := &Mutation{
		ExpectStatus: txn.Status,
		ExpectEscrow: txn.EscrowStatus,
		Status:       StatusRefundRequested,
		EscrowStatus: txn.EscrowStatus,
		Log:          *s.logEntry(txn, "refund_requested", actorID, reason),
	}
	m.Log.Status = StatusRefundRequested

	updated, err := s.store.Apply(ctx, id, m)
	if err != nil {
		return nil, err
	}
	s.recordAction(ctx, actorID, "transaction.refund_request", txn.ID, string(txn.Status), string(StatusRefundRequested), reason)
	s.notify(ctx, txn.SellerID, "Refund requested",
		fmt.Sprintf("The buyer requested a refund on %s.", txn.Code), "transaction", txn.ID)
	return updated, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// GetByCode returns a transaction by its human-readable code.
func (s *Service) GetByCode(ctx context.Context, code string) (*Transaction, error) {
	return s.store.GetByCode(ctx, code)
}

// Logs returns the append-only history of a transaction.
func (s *Service) Logs(ctx context.Context, id string) ([]*Log, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Logs(ctx, id)
}

// ListByUser returns transactions where the user is buyer or seller,
// newest first, with an opaque cursor for the next page.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int, cursor string) ([]*Transaction, string, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, ErrInvalidCursor
	}
	txns, err := s.store.ListByUser(ctx, userID, limit+1, after)
	if err != nil {
		return nil, "", false, err
	}
	txns, next, more := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return txns, next, more, nil
}

// logEntry builds a log row carrying the transaction's current pair;
// callers overwrite Status/EscrowStatus when the entry records a move.
func (s *Service) logEntry(txn *Transaction, action, actorID, description string) *Log {
	return &Log{
		ID:            idgen.WithPrefix("tlg_"),
		TransactionID: txn.ID,
		Action:        action,
		Status:        txn.Status,
		EscrowStatus:  txn.EscrowStatus,
		ActorID:       actorID,
		Description:   description,
		CreatedAt:     time.Now(),
	}
}

// ledgerApplied reports whether a ledger call failed only because an
// earlier attempt already committed the same reference. Settlement
// paths treat that as success and proceed to the status update.
func ledgerApplied(err error) bool {
	return errors.Is(err, wallet.ErrDuplicateReference)
}

func (s *Service) recordAction(ctx context.Context, userID, action, txnID, before, after, description string) {
	if s.audit != nil {
		s.audit.RecordAction(ctx, userID, action, "transaction", txnID, before, after, description)
	}
}

func (s *Service) recordSecurity(ctx context.Context, userID, action, txnID, description string) {
	if s.audit != nil {
		s.audit.RecordSecurity(ctx, userID, action, "transaction", txnID, description)
	}
}

func (s *Service) notify(ctx context.Context, userID, title, message, category, entityID string) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, userID, title, message, category, entityID)
	}
}
