package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/fairhold/fairhold/internal/logging"
	"github.com/fairhold/fairhold/internal/money"
)

// MarkFunded applies a verified gateway success: the transaction moves to
// IN_PROGRESS / FUNDED and the seller is notified. Called by the payment
// reconciler after it has verified and recorded the charge. Idempotent:
// a transaction that is already funded is left alone.
//
// Gateway-funded escrow is held in platform custody; it does not reserve
// funds in the buyer's wallet escrow balance.
func (s *Service) MarkFunded(ctx context.Context, transactionID, paymentID string) error {
	unlock := s.locks.Lock(transactionID)
	defer unlock()

	txn, err := s.store.Get(ctx, transactionID)
	if err != nil {
		return err
	}
	if txn.IsPaid {
		return nil
	}
	if err := validateTransition(txn, StatusInProgress, EscrowFunded); err != nil {
		s.recordSecurity(ctx, "system", "transaction.gateway_fund.rejected", txn.ID, err.Error())
		return err
	}

	paid := true
	m := &Mutation{
		ExpectStatus: txn.Status,
		ExpectEscrow: txn.EscrowStatus,
		Status:       StatusInProgress,
		EscrowStatus: EscrowFunded,
		IsPaid:       &paid,
		PaymentID:    &paymentID,
		Log:          *s.logEntry(txn, "funded", "system", "gateway payment confirmed"),
	}
	m.Log.Status = StatusInProgress
	m.Log.EscrowStatus = EscrowFunded

	if _, err := s.store.Apply(ctx, transactionID, m); err != nil {
		return fmt.Errorf("failed to mark transaction funded: %w", err)
	}

	s.recordAction(ctx, "system", "transaction.gateway_fund", txn.ID, string(StatusPending), string(StatusInProgress), paymentID)
	s.notify(ctx, txn.SellerID, "Escrow funded",
		fmt.Sprintf("Transaction %s is funded. You can start work.", txn.Code), "transaction", txn.ID)
	if s.hooks != nil {
		s.hooks.TransactionFunded(txn.BuyerID, txn.SellerID, txn.ID, txn.Code, money.Format(txn.TotalAmount))
	}
	return nil
}

// MarkFundingFailed applies a verified gateway failure: the transaction
// stays PENDING / NOT_FUNDED (a failed attempt is retryable) and the
// buyer is notified. A transaction that got funded through another path
// in the meantime is left alone.
func (s *Service) MarkFundingFailed(ctx context.Context, transactionID, paymentID, reason string) error {
	unlock := s.locks.Lock(transactionID)
	defer unlock()

	txn, err := s.store.Get(ctx, transactionID)
	if err != nil {
		return err
	}
	if txn.IsPaid {
		return nil
	}

	l := s.logEntry(txn, "payment_failed", "system", reason)
	if err := s.store.AppendLog(ctx, l); err != nil {
		return err
	}

	s.recordAction(ctx, "system", "transaction.gateway_fund_failed", txn.ID, string(txn.Status), string(txn.Status), reason)
	if s.anomaly != nil {
		s.anomaly.CheckFailures(ctx, txn.BuyerID)
	}
	s.notify(ctx, txn.BuyerID, "Payment failed",
		fmt.Sprintf("Your payment for %s failed. You can retry funding.", txn.Code), "transaction", txn.ID)
	return nil
}

// ApproveRefund settles an approved refund request: the seller's wallet
// is debited the principal, the buyer's is credited, and the transaction
// moves to REFUNDED. Operator-only; the platform fee is not returned.
func (s *Service) ApproveRefund(ctx context.Context, id, actorID string) (*Transaction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateTransition(txn, StatusRefunded, txn.EscrowStatus); err != nil || txn.Status != StatusRefundRequested {
		if err == nil {
			err = &TransitionError{TransactionID: txn.ID, FromStatus: txn.Status, ToStatus: StatusRefunded,
				FromEscrow: txn.EscrowStatus, ToEscrow: txn.EscrowStatus}
		}
		s.recordSecurity(ctx, actorID, "transaction.refund_approve.rejected", txn.ID, err.Error())
		return nil, err
	}

	debitRef := "refund_clawback:" + txn.ID
	if err := s.ledger.DebitSellerForRefund(ctx, txn.SellerID, txn.Amount, debitRef,
		fmt.Sprintf("refund clawback for %s", txn.Code), txn.ID); err != nil && !ledgerApplied(err) {
		return nil, fmt.Errorf("failed to debit seller for refund: %w", err)
	}

	// No compensation here: both movements are keyed by deterministic
	// references, so a failed attempt leaves the request settleable and
	// a retry picks up exactly where it stopped.
	creditRef := "refund_credit:" + txn.ID
	if err := s.ledger.RefundToBuyer(ctx, txn.BuyerID, txn.Amount, creditRef,
		fmt.Sprintf("refund for %s", txn.Code), txn.ID); err != nil && !ledgerApplied(err) {
		logging.L(ctx).Error("seller debited but buyer credit failed; retry the approval to settle",
			"transaction_id", txn.ID, "reference", creditRef, "error", err)
		return nil, fmt.Errorf("failed to credit buyer for refund: %w", err)
	}

	now := time.Now()
	m := &Mutation{
		ExpectStatus: txn.Status,
		ExpectEscrow: txn.EscrowStatus,
		Status:       StatusRefunded,
		EscrowStatus: txn.EscrowStatus,
		RefundedAt:   &now,
		Log:          *s.logEntry(txn, "refund_approved", actorID, "refund approved and settled"),
	}
	m.Log.Status = StatusRefunded

	updated, err := s.applyWithRetry(ctx, txn, m)
	if err != nil {
		return nil, err
	}
	s.recordAction(ctx, actorID, "transaction.refund_approve", txn.ID, string(StatusRefundRequested), string(StatusRefunded), "")
	s.notify(ctx, txn.BuyerID, "Refund settled",
		fmt.Sprintf("%s %s refunded to your wallet for %s.", txn.Currency, money.Format(txn.Amount), txn.Code),
		"wallet", txn.ID)
	s.notify(ctx, txn.SellerID, "Refund settled",
		fmt.Sprintf("A refund was settled against %s.", txn.Code), "transaction", txn.ID)
	if s.hooks != nil {
		s.hooks.TransactionRefunded(txn.BuyerID, txn.ID, txn.Code, money.Format(txn.Amount))
	}
	return updated, nil
}

// DenyRefund closes a refund request, returning the transaction to
// COMPLETED. Operator-only.
func (s *Service) DenyRefund(ctx context.Context, id, actorID, reason string) (*Transaction, error) {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusRefundRequested {
		return nil, &TransitionError{TransactionID: txn.ID, FromStatus: txn.Status, ToStatus: StatusCompleted,
			FromEscrow: txn.EscrowStatus, ToEscrow: txn.EscrowStatus}
	}

	m := &Mutation{
		ExpectStatus: txn.Status,
		ExpectEscrow: txn.EscrowStatus,
		Status:       StatusCompleted,
		EscrowStatus: txn.EscrowStatus,
		Log:          *s.logEntry(txn, "refund_denied", actorID, reason),
	}
	m.Log.Status = StatusCompleted

	updated, err := s.store.Apply(ctx, id, m)
	if err != nil {
		return nil, err
	}
	s.recordAction(ctx, actorID, "transaction.refund_deny", txn.ID, string(StatusRefundRequested), string(StatusCompleted), reason)
	s.notify(ctx, txn.BuyerID, "Refund denied",
		fmt.Sprintf("Your refund request on %s was denied.", txn.Code), "transaction", txn.ID)
	return updated, nil
}
