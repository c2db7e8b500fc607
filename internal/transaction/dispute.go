package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairhold/fairhold/internal/money"
)

var (
	ErrNotDisputed       = errors.New("transaction is not disputed")
	ErrInvalidResolution = errors.New("invalid dispute resolution")
	ErrInvalidSplit      = errors.New("refund amount must be positive and less than the escrowed amount")
)

// Dispute resolutions.
const (
	ResolutionRelease = "release" // seller keeps the funds
	ResolutionRefund  = "refund"  // buyer is made whole
	ResolutionPartial = "partial" // split between the two
)

// OpenDispute freezes a funded transaction pending arbitration. Either
// party may dispute while work is in progress or delivered.
func (s *Service) OpenDispute(ctx context.Context, id, actorID, reason string) (*Transaction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != txn.BuyerID && actorID != txn.SellerID {
		s.recordSecurity(ctx, actorID, "transaction.dispute.unauthorized", txn.ID, "actor is not a party")
		return nil, ErrUnauthorized
	}
	if err := validateTransition(txn, StatusDisputed, EscrowDisputed); err != nil {
		s.recordSecurity(ctx, actorID, "transaction.dispute.rejected", txn.ID, err.Error())
		return nil, err
	}

	m := &Mutation{
		ExpectStatus: txn.Status,
		ExpectEscrow: txn.EscrowStatus,
		Status:       StatusDisputed,
		EscrowStatus: EscrowDisputed,
		Log:          *s.logEntry(txn, "disputed", actorID, reason),
	}
	m.Log.Status = StatusDisputed
	m.Log.EscrowStatus = EscrowDisputed

	updated, err := s.store.Apply(ctx, id, m)
	if err != nil {
		return nil, err
	}
	s.recordAction(ctx, actorID, "transaction.dispute", txn.ID, string(txn.Status), string(StatusDisputed), reason)

	other := txn.SellerID
	if actorID == txn.SellerID {
		other = txn.BuyerID
	}
	s.notify(ctx, other, "Transaction disputed",
		fmt.Sprintf("Transaction %s is under dispute.", txn.Code), "transaction", txn.ID)
	if s.hooks != nil {
		s.hooks.TransactionDisputed(txn.BuyerID, txn.SellerID, txn.ID, txn.Code, reason)
	}
	return updated, nil
}

// ResolveDispute settles a disputed transaction. Operator-only; the
// caller is responsible for verifying the actor's role. For partial
// resolutions refundAmount goes back to the buyer and the remainder of
// the principal is released to the seller.
func (s *Service) ResolveDispute(ctx context.Context, id, actorID, resolution string, refundAmount decimal.Decimal) (*Transaction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusDisputed {
		return nil, ErrNotDisputed
	}

	switch resolution {
	case ResolutionRelease:
		return s.resolveRelease(ctx, txn, actorID)
	case ResolutionRefund:
		return s.resolveRefund(ctx, txn, actorID)
	case ResolutionPartial:
		return s.resolvePartial(ctx, txn, actorID, refundAmount)
	default:
		return nil, ErrInvalidResolution
	}
}

func (s *Service) resolveRelease(ctx context.Context, txn *Transaction, actorID string) (*Transaction, error) {
	reference := "dispute_release:" + txn.ID
	if err := s.ledger.ReleaseToSeller(ctx, txn.SellerID, txn.Amount, reference,
		fmt.Sprintf("dispute resolved in seller's favor for %s", txn.Code), txn.ID); err != nil && !ledgerApplied(err) {
		return nil, fmt.Errorf("failed to release disputed escrow: %w", err)
	}

	now := time.Now()
	m := &Mutation{
		ExpectStatus: txn.Status,
		ExpectEscrow: txn.EscrowStatus,
		Status:       StatusCompleted,
		EscrowStatus: EscrowReleased,
		CompletedAt:  &now,
		Log:          *s.logEntry(txn, "dispute_resolved", actorID, "resolved: released to seller"),
	}
	m.Log.Status = StatusCompleted
	m.Log.EscrowStatus = EscrowReleased

	updated, err := s.applyWithRetry(ctx, txn, m)
	if err != nil {
		return nil, err
	}
	s.recordAction(ctx, actorID, "transaction.dispute_resolve", txn.ID, string(StatusDisputed), string(StatusCompleted), ResolutionRelease)
	s.notify(ctx, txn.SellerID, "Dispute resolved",
		fmt.Sprintf("Dispute on %s resolved in your favor.", txn.Code), "transaction", txn.ID)
	s.notify(ctx, txn.BuyerID, "Dispute resolved",
		fmt.Sprintf("Dispute on %s resolved in the seller's favor.", txn.Code), "transaction", txn.ID)
	if s.hooks != nil {
		s.hooks.TransactionCompleted(txn.BuyerID, txn.SellerID, txn.ID, txn.Code, money.Format(txn.Amount))
	}
	return updated, nil
}

func (s *Service) resolveRefund(ctx context.Context, txn *Transaction, actorID string) (*Transaction, error) {
	reference := "dispute_refund:" + txn.ID
	if err := s.ledger.RefundToBuyer(ctx, txn.BuyerID, txn.TotalAmount, reference,
		fmt.Sprintf("dispute resolved in buyer's favor for %s", txn.Code), txn.ID); err != nil && !ledgerApplied(err) {
		return nil, fmt.Errorf("failed to refund disputed escrow: %w", err)
	}

	now := time.Now()
	m := &Mutation{
		ExpectStatus: txn.Status,
		ExpectEscrow: txn.EscrowStatus,
		Status:       StatusRefunded,
		EscrowStatus: EscrowRefunded,
		RefundedAt:   &now,
		Log:          *s.logEntry(txn, "dispute_resolved", actorID, "resolved: refunded to buyer"),
	}
	m.Log.Status = StatusRefunded
	m.Log.EscrowStatus = EscrowRefunded

	updated, err := s.applyWithRetry(ctx, txn, m)
	if err != nil {
		return nil, err
	}
	s.recordAction(ctx, actorID, "transaction.dispute_resolve", txn.ID, string(StatusDisputed), string(StatusRefunded), ResolutionRefund)
	s.notify(ctx, txn.BuyerID, "Dispute resolved",
		fmt.Sprintf("Dispute on %s resolved: %s %s refunded to your wallet.", txn.Code, txn.Currency, money.Format(txn.TotalAmount)),
		"wallet", txn.ID)
	s.notify(ctx, txn.SellerID, "Dispute resolved",
		fmt.Sprintf("Dispute on %s resolved in the buyer's favor.", txn.Code), "transaction", txn.ID)
	if s.hooks != nil {
		s.hooks.TransactionRefunded(txn.BuyerID, txn.ID, txn.Code, money.Format(txn.TotalAmount))
	}
	return updated, nil
}

// resolvePartial refunds part of the principal to the buyer, releases the
// remainder to the seller, and completes the transaction. The escrow
// record passes through PARTIALLY_REFUNDED before settling RELEASED, and
// both moves are logged.
func (s *Service) resolvePartial(ctx context.Context, txn *Transaction, actorID string, refundAmount decimal.Decimal) (*Transaction, error) {
	if refundAmount.Sign() <= 0 || refundAmount.GreaterThanOrEqual(txn.Amount) {
		return nil, ErrInvalidSplit
	}
	releaseAmount := txn.Amount.Sub(refundAmount)

	refundRef := "dispute_partial_refund:" + txn.ID
	if err := s.ledger.RefundToBuyer(ctx, txn.BuyerID, refundAmount, refundRef,
		fmt.Sprintf("partial refund for %s", txn.Code), txn.ID); err != nil && !ledgerApplied(err) {
		return nil, fmt.Errorf("failed to apply partial refund: %w", err)
	}

	m := &Mutation{
		ExpectStatus: txn.Status,
		ExpectEscrow: txn.EscrowStatus,
		Status:       txn.Status,
		EscrowStatus: EscrowPartiallyRefunded,
		Log:          *s.logEntry(txn, "dispute_partial_refund", actorID, fmt.Sprintf("refunded %s to buyer", money.Format(refundAmount))),
	}
	m.Log.EscrowStatus = EscrowPartiallyRefunded
	mid, err := s.applyWithRetry(ctx, txn, m)
	if err != nil {
		return nil, err
	}

	releaseRef := "dispute_partial_release:" + txn.ID
	if err := s.ledger.ReleaseToSeller(ctx, txn.SellerID, releaseAmount, releaseRef,
		fmt.Sprintf("partial release for %s", txn.Code), txn.ID); err != nil && !ledgerApplied(err) {
		return nil, fmt.Errorf("failed to apply partial release: %w", err)
	}

	now := time.Now()
	m2 := &Mutation{
		ExpectStatus: mid.Status,
		ExpectEscrow: mid.EscrowStatus,
		Status:       StatusCompleted,
		EscrowStatus: EscrowReleased,
		CompletedAt:  &now,
		Log:          *s.logEntry(mid, "dispute_resolved", actorID, fmt.Sprintf("resolved: released %s to seller", money.Format(releaseAmount))),
	}
	m2.Log.Status = StatusCompleted
	m2.Log.EscrowStatus = EscrowReleased

	updated, err := s.applyWithRetry(ctx, mid, m2)
	if err != nil {
		return nil, err
	}
	s.recordAction(ctx, actorID, "transaction.dispute_resolve", txn.ID, string(StatusDisputed), string(StatusCompleted),
		fmt.Sprintf("partial: %s refunded / %s released", money.Format(refundAmount), money.Format(releaseAmount)))
	s.notify(ctx, txn.BuyerID, "Dispute resolved",
		fmt.Sprintf("Dispute on %s resolved: %s %s refunded to your wallet.", txn.Code, txn.Currency, money.Format(refundAmount)),
		"wallet", txn.ID)
	s.notify(ctx, txn.SellerID, "Dispute resolved",
		fmt.Sprintf("Dispute on %s resolved: %s %s released to your wallet.", txn.Code, txn.Currency, money.Format(releaseAmount)),
		"wallet", txn.ID)
	if s.hooks != nil {
		s.hooks.TransactionCompleted(txn.BuyerID, txn.SellerID, txn.ID, txn.Code, money.Format(releaseAmount))
	}
	return updated, nil
}

// applyWithRetry applies a mutation whose ledger movement has already
// committed, retrying once before flagging for manual resolution.
func (s *Service) applyWithRetry(ctx context.Context, txn *Transaction, m *Mutation) (*Transaction, error) {
	updated, err := s.store.Apply(ctx, txn.ID, m)
	if err == nil {
		return updated, nil
	}
	if updated, err = s.store.Apply(ctx, txn.ID, m); err != nil {
		return nil, fmt.Errorf("failed to update transaction after ledger movement (requires manual resolution): %w", err)
	}
	return updated, nil
}
