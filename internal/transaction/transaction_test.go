package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairhold/fairhold/internal/wallet"
)

type ledgerCall struct {
	method    string
	userID    string
	amount    decimal.Decimal
	reference string
}

// fakeLedger records calls and enforces reference uniqueness the way
// the real wallet store does.
type fakeLedger struct {
	calls  []ledgerCall
	refs   map[string]bool
	failOn map[string]error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{refs: make(map[string]bool), failOn: make(map[string]error)}
}

func (f *fakeLedger) call(method, userID string, amount decimal.Decimal, reference string) error {
	if err := f.failOn[method]; err != nil {
		return err
	}
	if f.refs[reference] {
		return fmt.Errorf("%s: %w", reference, wallet.ErrDuplicateReference)
	}
	f.refs[reference] = true
	f.calls = append(f.calls, ledgerCall{method, userID, amount, reference})
	return nil
}

func (f *fakeLedger) PayFromBalance(_ context.Context, userID string, amount decimal.Decimal, reference, _, _ string) error {
	return f.call("PayFromBalance", userID, amount, reference)
}

func (f *fakeLedger) RefundPayment(_ context.Context, userID string, amount decimal.Decimal, reference, _, _ string) error {
	return f.call("RefundPayment", userID, amount, reference)
}

func (f *fakeLedger) ReleaseToSeller(_ context.Context, userID string, amount decimal.Decimal, reference, _, _ string) error {
	return f.call("ReleaseToSeller", userID, amount, reference)
}

func (f *fakeLedger) RefundToBuyer(_ context.Context, userID string, amount decimal.Decimal, reference, _, _ string) error {
	return f.call("RefundToBuyer", userID, amount, reference)
}

func (f *fakeLedger) DebitSellerForRefund(_ context.Context, userID string, amount decimal.Decimal, reference, _, _ string) error {
	return f.call("DebitSellerForRefund", userID, amount, reference)
}

func (f *fakeLedger) callsTo(method string) []ledgerCall {
	var out []ledgerCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

type fakePayments struct {
	initiated   int
	recorded    int
	initiateErr error
	recordErr   error
}

func (f *fakePayments) Initiate(_ context.Context, txn *Transaction, _, gateway string) (*PaymentIntent, error) {
	f.initiated++
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	return &PaymentIntent{PaymentID: "pay_ext", Reference: "pay_ext", Gateway: gateway,
		AuthorizationURL: "https://pay.example/" + txn.ID}, nil
}

func (f *fakePayments) RecordWalletPayment(_ context.Context, _ *Transaction, _ string) (string, error) {
	f.recorded++
	if f.recordErr != nil {
		return "", f.recordErr
	}
	return "pay_wal", nil
}

type fakeNotifier struct {
	sent []string // userID
}

func (f *fakeNotifier) Notify(_ context.Context, userID, _, _, _, _ string) {
	f.sent = append(f.sent, userID)
}

type fakeAudit struct {
	actions  []string
	security []string
}

func (f *fakeAudit) RecordAction(_ context.Context, _, action, _, _, _, _, _ string) {
	f.actions = append(f.actions, action)
}

func (f *fakeAudit) RecordSecurity(_ context.Context, _, action, _, _, _ string) {
	f.security = append(f.security, action)
}

type fakeAnomaly struct {
	amountChecks  int
	failureChecks int
}

func (f *fakeAnomaly) CheckAmount(_ context.Context, _ string, _ decimal.Decimal) { f.amountChecks++ }
func (f *fakeAnomaly) CheckFailures(_ context.Context, _ string)                  { f.failureChecks++ }

type fixture struct {
	svc      *Service
	store    *MemoryStore
	ledger   *fakeLedger
	payments *fakePayments
	notifier *fakeNotifier
	audit    *fakeAudit
	anomaly  *fakeAnomaly
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		ledger:   newFakeLedger(),
		payments: &fakePayments{},
		notifier: &fakeNotifier{},
		audit:    &fakeAudit{},
		anomaly:  &fakeAnomaly{},
	}
	f.svc = NewService(f.store, f.ledger, "USD").
		WithPayments(f.payments).
		WithNotifier(f.notifier).
		WithAudit(f.audit).
		WithAnomalyChecker(f.anomaly)
	return f
}

func (f *fixture) create(t *testing.T, amount string) *Transaction {
	t.Helper()
	txn, err := f.svc.Create(context.Background(), CreateRequest{
		BuyerID:  "buyer-1",
		SellerID: "seller-1",
		Title:    "Road bike",
		Amount:   amount,
	})
	require.NoError(t, err)
	return txn
}

func (f *fixture) createFunded(t *testing.T, amount string) *Transaction {
	t.Helper()
	txn := f.create(t, amount)
	_, err := f.svc.Fund(context.Background(), txn.ID, "buyer-1", GatewayWallet, "")
	require.NoError(t, err)
	got, err := f.svc.Get(context.Background(), txn.ID)
	require.NoError(t, err)
	return got
}

func decs(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCreateComputesFeeOnce(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")

	assert.Equal(t, StatusPending, txn.Status)
	assert.Equal(t, EscrowNotFunded, txn.EscrowStatus)
	assert.True(t, txn.EscrowFee.Equal(decs("2.50")), "2.5%% of 100.00")
	assert.True(t, txn.TotalAmount.Equal(decs("102.50")))
	assert.Contains(t, txn.Code, "ESC-")
	assert.False(t, txn.IsPaid)

	logs, err := f.svc.Logs(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "created", logs[0].Action)

	assert.Equal(t, 1, f.anomaly.amountChecks)
	assert.Equal(t, []string{"seller-1"}, f.notifier.sent)
}

func TestCreateFeeRounding(t *testing.T) {
	f := newFixture(t)
	// 2.5% of 33.33 is 0.83325; rounds to 0.83.
	txn := f.create(t, "33.33")
	assert.True(t, txn.EscrowFee.Equal(decs("0.83")), "got %s", txn.EscrowFee)
	assert.True(t, txn.TotalAmount.Equal(decs("34.16")))
}

func TestCreateRejectsSelfDealing(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), CreateRequest{
		BuyerID: "user-1", SellerID: "USER-1", Title: "t", Amount: "10.00",
	})
	assert.ErrorIs(t, err, ErrSelfDealing)
}

func TestCreateRejectsBadAmounts(t *testing.T) {
	f := newFixture(t)
	for _, amount := range []string{"0", "-5.00", "abc", ""} {
		_, err := f.svc.Create(context.Background(), CreateRequest{
			BuyerID: "b", SellerID: "s", Title: "t", Amount: amount,
		})
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %q", amount)
	}
}

func TestFundFromWallet(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")

	intent, err := f.svc.Fund(context.Background(), txn.ID, "buyer-1", GatewayWallet, "")
	require.NoError(t, err)
	assert.Equal(t, GatewayWallet, intent.Gateway)
	assert.Equal(t, "pay_wal", intent.PaymentID)

	got, err := f.svc.Get(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, EscrowFunded, got.EscrowStatus)
	assert.True(t, got.IsPaid)
	assert.Equal(t, "pay_wal", got.PaymentID)

	debits := f.ledger.callsTo("PayFromBalance")
	require.Len(t, debits, 1)
	assert.Equal(t, "buyer-1", debits[0].userID)
	assert.True(t, debits[0].amount.Equal(decs("102.50")), "debit covers amount plus fee")
	assert.True(t, strings.HasPrefix(debits[0].reference, "escrow_fund:"+txn.ID+":"),
		"reference %s should carry the transaction and an attempt suffix", debits[0].reference)
}

func TestFundRequiresBuyer(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")

	_, err := f.svc.Fund(context.Background(), txn.ID, "seller-1", GatewayWallet, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, f.audit.security, "transaction.fund.unauthorized")
	assert.Empty(t, f.ledger.calls)
}

func TestFundTwiceRejected(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")

	_, err := f.svc.Fund(context.Background(), txn.ID, "buyer-1", GatewayWallet, "")
	assert.ErrorIs(t, err, ErrAlreadyPaid)
	assert.Len(t, f.ledger.callsTo("PayFromBalance"), 1, "no second debit")
}

func TestFundInsufficientBalanceLeavesTransactionUntouched(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")
	wantErr := errors.New("insufficient funds")
	f.ledger.failOn["PayFromBalance"] = wantErr

	_, err := f.svc.Fund(context.Background(), txn.ID, "buyer-1", GatewayWallet, "")
	assert.ErrorIs(t, err, wantErr)

	got, err := f.svc.Get(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.False(t, got.IsPaid)
}

func TestFundWalletCompensatesOnPartialFailure(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")
	f.payments.recordErr = errors.New("payments db down")

	_, err := f.svc.Fund(context.Background(), txn.ID, "buyer-1", GatewayWallet, "")
	require.Error(t, err)

	// The debit happened, then was reversed under a distinct reference.
	debits := f.ledger.callsTo("PayFromBalance")
	require.Len(t, debits, 1)
	refunds := f.ledger.callsTo("RefundPayment")
	require.Len(t, refunds, 1)
	assert.True(t, refunds[0].amount.Equal(decs("102.50")))
	assert.Equal(t, debits[0].reference+":reversal", refunds[0].reference)

	got, err := f.svc.Get(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.False(t, got.IsPaid)
	assert.Equal(t, StatusPending, got.Status)
}

func TestFundRetriesAfterCompensatedFailure(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")
	ctx := context.Background()

	f.payments.recordErr = errors.New("payments db down")
	_, err := f.svc.Fund(ctx, txn.ID, "buyer-1", GatewayWallet, "")
	require.Error(t, err)

	// Each attempt debits under its own reference, so the retry is not
	// blocked by the compensated first attempt.
	f.payments.recordErr = nil
	_, err = f.svc.Fund(ctx, txn.ID, "buyer-1", GatewayWallet, "")
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPaid)
	assert.Equal(t, StatusInProgress, got.Status)

	debits := f.ledger.callsTo("PayFromBalance")
	require.Len(t, debits, 2)
	assert.NotEqual(t, debits[0].reference, debits[1].reference)
	assert.Len(t, f.ledger.callsTo("RefundPayment"), 1, "only the failed attempt is reversed")
}

func TestFundExternalGatewayStaysPending(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")

	intent, err := f.svc.Fund(context.Background(), txn.ID, "buyer-1", "paystack", "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, f.payments.initiated)
	assert.NotEmpty(t, intent.AuthorizationURL)

	got, err := f.svc.Get(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "waits for the gateway to confirm")
	assert.Equal(t, EscrowNotFunded, got.EscrowStatus)
	assert.False(t, got.IsPaid)

	logs, err := f.svc.Logs(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, "payment_initiated", logs[len(logs)-1].Action)
}

func TestMarkFundedIdempotent(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")
	ctx := context.Background()

	require.NoError(t, f.svc.MarkFunded(ctx, txn.ID, "pay_1"))
	got, err := f.svc.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, "pay_1", got.PaymentID)

	// Second confirmation of the same charge changes nothing.
	require.NoError(t, f.svc.MarkFunded(ctx, txn.ID, "pay_1"))
	logs, err := f.svc.Logs(ctx, txn.ID)
	require.NoError(t, err)
	funded := 0
	for _, l := range logs {
		if l.Action == "funded" {
			funded++
		}
	}
	assert.Equal(t, 1, funded)
}

func TestMarkFundingFailedKeepsRetryable(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")
	ctx := context.Background()

	require.NoError(t, f.svc.MarkFundingFailed(ctx, txn.ID, "pay_1", "card declined"))

	got, err := f.svc.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.False(t, got.IsPaid)
	assert.Equal(t, 1, f.anomaly.failureChecks)

	// Retry still works.
	_, err = f.svc.Fund(ctx, txn.ID, "buyer-1", GatewayWallet, "")
	assert.NoError(t, err)
}

func TestUpdateDelivery(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")
	ctx := context.Background()

	eta := time.Now().Add(72 * time.Hour)
	got, err := f.svc.UpdateDelivery(ctx, txn.ID, "seller-1", DeliveryUpdate{
		DeliveryMethod: "courier", TrackingNumber: "TRK123", ExpectedDeliveryAt: &eta,
	})
	require.NoError(t, err)
	assert.Equal(t, "courier", got.DeliveryMethod)
	assert.Equal(t, "TRK123", got.TrackingNumber)

	_, err = f.svc.UpdateDelivery(ctx, txn.ID, "buyer-1", DeliveryUpdate{TrackingNumber: "X"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestUpdateDeliveryOnlyInProgress(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")
	_, err := f.svc.UpdateDelivery(context.Background(), txn.ID, "seller-1", DeliveryUpdate{TrackingNumber: "X"})
	assert.ErrorIs(t, err, ErrInvalidDelivery)
}

func TestConfirmDeliveryAutoReleases(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")

	got, err := f.svc.ConfirmDelivery(context.Background(), txn.ID, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, EscrowReleased, got.EscrowStatus)
	require.NotNil(t, got.DeliveredAt)
	require.NotNil(t, got.CompletedAt)

	credits := f.ledger.callsTo("ReleaseToSeller")
	require.Len(t, credits, 1)
	assert.Equal(t, "seller-1", credits[0].userID)
	assert.True(t, credits[0].amount.Equal(decs("100.00")), "seller gets the principal, fee stays with the platform")
}

func TestConfirmDeliverySurvivesReleaseFailure(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")
	f.ledger.failOn["ReleaseToSeller"] = errors.New("ledger offline")

	got, err := f.svc.ConfirmDelivery(context.Background(), txn.ID, "buyer-1")
	require.NoError(t, err, "confirmation must not roll back")
	assert.Equal(t, StatusDelivered, got.Status)
	assert.Equal(t, EscrowFunded, got.EscrowStatus)

	// Settle later once the ledger is back.
	delete(f.ledger.failOn, "ReleaseToSeller")
	settled, err := f.svc.ReleaseEscrow(context.Background(), txn.ID, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, settled.Status)
}

// flakyStore fails a configured number of Apply calls before behaving
// normally again.
type flakyStore struct {
	Store
	applyFailures int
}

func (s *flakyStore) Apply(ctx context.Context, id string, m *Mutation) (*Transaction, error) {
	if s.applyFailures > 0 {
		s.applyFailures--
		return nil, errors.New("store offline")
	}
	return s.Store.Apply(ctx, id, m)
}

func TestReleaseEscrowRetryAfterStatusUpdateFailure(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")
	ctx := context.Background()

	f.ledger.failOn["ReleaseToSeller"] = errors.New("ledger offline")
	_, err := f.svc.ConfirmDelivery(ctx, txn.ID, "buyer-1")
	require.NoError(t, err)
	delete(f.ledger.failOn, "ReleaseToSeller")

	// Seller gets credited but the status flip dies on both attempts.
	flaky := &flakyStore{Store: f.store, applyFailures: 2}
	broken := NewService(flaky, f.ledger, "USD")
	_, err = broken.ReleaseEscrow(ctx, txn.ID, "buyer-1")
	require.Error(t, err)
	require.Len(t, f.ledger.callsTo("ReleaseToSeller"), 1)

	got, err := f.svc.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)
	assert.Equal(t, EscrowFunded, got.EscrowStatus)

	// The retry sees the credit already applied and finishes the flip
	// without paying the seller twice.
	settled, err := f.svc.ReleaseEscrow(ctx, txn.ID, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, settled.Status)
	assert.Equal(t, EscrowReleased, settled.EscrowStatus)
	assert.Len(t, f.ledger.callsTo("ReleaseToSeller"), 1, "credit applied exactly once")
}

func TestConfirmDeliveryBuyerOnly(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")
	_, err := f.svc.ConfirmDelivery(context.Background(), txn.ID, "seller-1")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestReleaseEscrowRequiresDeliveredAndFunded(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")

	_, err := f.svc.ReleaseEscrow(context.Background(), txn.ID, "buyer-1")
	var te *TransitionError
	assert.ErrorAs(t, err, &te, "IN_PROGRESS cannot release directly")
	assert.Empty(t, f.ledger.callsTo("ReleaseToSeller"))
}

func TestCancelPending(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")

	got, err := f.svc.Cancel(context.Background(), txn.ID, "seller-1", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, got.Status)
	require.NotNil(t, got.CanceledAt)
}

func TestCancelFundedRejected(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")

	_, err := f.svc.Cancel(context.Background(), txn.ID, "buyer-1", "")
	var te *TransitionError
	assert.ErrorAs(t, err, &te, "funded transactions go through dispute, not cancel")
}

func TestCancelByOutsiderRejected(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")
	_, err := f.svc.Cancel(context.Background(), txn.ID, "stranger", "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRefundRequestLifecycleApproved(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")
	ctx := context.Background()

	_, err := f.svc.ConfirmDelivery(ctx, txn.ID, "buyer-1")
	require.NoError(t, err)

	got, err := f.svc.RequestRefund(ctx, txn.ID, "buyer-1", "item damaged")
	require.NoError(t, err)
	assert.Equal(t, StatusRefundRequested, got.Status)

	got, err = f.svc.ApproveRefund(ctx, txn.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	require.NotNil(t, got.RefundedAt)

	clawbacks := f.ledger.callsTo("DebitSellerForRefund")
	require.Len(t, clawbacks, 1)
	assert.Equal(t, "seller-1", clawbacks[0].userID)
	assert.True(t, clawbacks[0].amount.Equal(decs("100.00")))

	credits := f.ledger.callsTo("RefundToBuyer")
	require.Len(t, credits, 1)
	assert.Equal(t, "buyer-1", credits[0].userID)
	assert.True(t, credits[0].amount.Equal(decs("100.00")), "principal back, fee is not returned")
}

func TestRefundRequestDenied(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")
	ctx := context.Background()

	_, err := f.svc.ConfirmDelivery(ctx, txn.ID, "buyer-1")
	require.NoError(t, err)
	_, err = f.svc.RequestRefund(ctx, txn.ID, "buyer-1", "item damaged")
	require.NoError(t, err)

	got, err := f.svc.DenyRefund(ctx, txn.ID, "admin-1", "wear and tear")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Empty(t, f.ledger.callsTo("DebitSellerForRefund"))
}

func TestRefundRequestBeforeCompletionRejected(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")

	_, err := f.svc.RequestRefund(context.Background(), txn.ID, "buyer-1", "")
	var te *TransitionError
	assert.ErrorAs(t, err, &te, "refund requests only follow completion; use dispute before that")
}

func TestRefundRequestUnpaidRejected(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")
	_, err := f.svc.RequestRefund(context.Background(), txn.ID, "buyer-1", "")
	assert.ErrorIs(t, err, ErrNotPaid)
}

func TestApproveRefundRetryAfterCreditFailure(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")
	ctx := context.Background()

	_, err := f.svc.ConfirmDelivery(ctx, txn.ID, "buyer-1")
	require.NoError(t, err)
	_, err = f.svc.RequestRefund(ctx, txn.ID, "buyer-1", "damaged")
	require.NoError(t, err)

	f.ledger.failOn["RefundToBuyer"] = errors.New("buyer wallet frozen")
	_, err = f.svc.ApproveRefund(ctx, txn.ID, "admin-1")
	require.Error(t, err)

	got, err := f.svc.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefundRequested, got.Status, "request stays open for a retry")

	// The retry skips the already-applied clawback and settles.
	delete(f.ledger.failOn, "RefundToBuyer")
	settled, err := f.svc.ApproveRefund(ctx, txn.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, settled.Status)

	assert.Len(t, f.ledger.callsTo("DebitSellerForRefund"), 1, "seller debited exactly once")
	assert.Len(t, f.ledger.callsTo("RefundToBuyer"), 1, "buyer credited exactly once")
}

func TestOpenDispute(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")

	got, err := f.svc.OpenDispute(context.Background(), txn.ID, "seller-1", "buyer unresponsive")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, got.Status)
	assert.Equal(t, EscrowDisputed, got.EscrowStatus)
}

func TestOpenDisputeUnfundedRejected(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")
	_, err := f.svc.OpenDispute(context.Background(), txn.ID, "buyer-1", "")
	var te *TransitionError
	assert.ErrorAs(t, err, &te, "nothing in escrow to dispute")
}

func TestResolveDisputeRelease(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")
	ctx := context.Background()
	_, err := f.svc.OpenDispute(ctx, txn.ID, "buyer-1", "late")
	require.NoError(t, err)

	got, err := f.svc.ResolveDispute(ctx, txn.ID, "admin-1", ResolutionRelease, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, EscrowReleased, got.EscrowStatus)

	credits := f.ledger.callsTo("ReleaseToSeller")
	require.Len(t, credits, 1)
	assert.True(t, credits[0].amount.Equal(decs("100.00")))
}

func TestResolveDisputeReleaseRetryAfterStatusUpdateFailure(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")
	ctx := context.Background()
	_, err := f.svc.OpenDispute(ctx, txn.ID, "buyer-1", "late")
	require.NoError(t, err)

	flaky := &flakyStore{Store: f.store, applyFailures: 2}
	broken := NewService(flaky, f.ledger, "USD")
	_, err = broken.ResolveDispute(ctx, txn.ID, "admin-1", ResolutionRelease, decimal.Zero)
	require.Error(t, err)
	require.Len(t, f.ledger.callsTo("ReleaseToSeller"), 1)

	got, err := f.svc.ResolveDispute(ctx, txn.ID, "admin-1", ResolutionRelease, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Len(t, f.ledger.callsTo("ReleaseToSeller"), 1, "credit applied exactly once")
}

func TestResolveDisputeRefund(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")
	ctx := context.Background()
	_, err := f.svc.OpenDispute(ctx, txn.ID, "buyer-1", "never delivered")
	require.NoError(t, err)

	got, err := f.svc.ResolveDispute(ctx, txn.ID, "admin-1", ResolutionRefund, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	assert.Equal(t, EscrowRefunded, got.EscrowStatus)

	credits := f.ledger.callsTo("RefundToBuyer")
	require.Len(t, credits, 1)
	assert.True(t, credits[0].amount.Equal(decs("102.50")), "pre-completion refund returns the fee too")
}

func TestResolveDisputePartial(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")
	ctx := context.Background()
	_, err := f.svc.OpenDispute(ctx, txn.ID, "buyer-1", "half the order missing")
	require.NoError(t, err)

	got, err := f.svc.ResolveDispute(ctx, txn.ID, "admin-1", ResolutionPartial, decs("40.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, EscrowReleased, got.EscrowStatus)

	refunds := f.ledger.callsTo("RefundToBuyer")
	require.Len(t, refunds, 1)
	assert.True(t, refunds[0].amount.Equal(decs("40.00")))
	releases := f.ledger.callsTo("ReleaseToSeller")
	require.Len(t, releases, 1)
	assert.True(t, releases[0].amount.Equal(decs("60.00")))

	logs, err := f.svc.Logs(ctx, txn.ID)
	require.NoError(t, err)
	var actions []string
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	assert.Contains(t, actions, "dispute_partial_refund")
	assert.Contains(t, actions, "dispute_resolved")
}

func TestResolveDisputePartialInvalidSplit(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")
	ctx := context.Background()
	_, err := f.svc.OpenDispute(ctx, txn.ID, "buyer-1", "")
	require.NoError(t, err)

	for _, amount := range []string{"0", "-1", "100.00", "150.00"} {
		_, err := f.svc.ResolveDispute(ctx, txn.ID, "admin-1", ResolutionPartial, decs(amount))
		assert.ErrorIs(t, err, ErrInvalidSplit, "refund %s", amount)
	}
}

func TestResolveDisputeNotDisputed(t *testing.T) {
	f := newFixture(t)
	txn := f.createFunded(t, "100.00")
	_, err := f.svc.ResolveDispute(context.Background(), txn.ID, "admin-1", ResolutionRelease, decimal.Zero)
	assert.ErrorIs(t, err, ErrNotDisputed)
}

func TestListByUser(t *testing.T) {
	f := newFixture(t)
	f.create(t, "10.00")
	f.create(t, "20.00")

	txns, _, more, err := f.svc.ListByUser(context.Background(), "buyer-1", 10, "")
	require.NoError(t, err)
	assert.Len(t, txns, 2)
	assert.False(t, more)

	txns, _, _, err = f.svc.ListByUser(context.Background(), "seller-1", 10, "")
	require.NoError(t, err)
	assert.Len(t, txns, 2)

	txns, _, _, err = f.svc.ListByUser(context.Background(), "stranger", 10, "")
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestListByUserPagination(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.create(t, "10.00")
	}

	ctx := context.Background()
	page1, cursor, more, err := f.svc.ListByUser(ctx, "buyer-1", 2, "")
	require.NoError(t, err)
	assert.Len(t, page1, 2)
	assert.True(t, more)
	require.NotEmpty(t, cursor)

	page2, cursor2, more, err := f.svc.ListByUser(ctx, "buyer-1", 2, cursor)
	require.NoError(t, err)
	assert.Len(t, page2, 2)
	assert.True(t, more)

	page3, _, more, err := f.svc.ListByUser(ctx, "buyer-1", 2, cursor2)
	require.NoError(t, err)
	assert.Len(t, page3, 1)
	assert.False(t, more)

	seen := map[string]bool{}
	for _, txn := range append(append(page1, page2...), page3...) {
		assert.False(t, seen[txn.ID], "transaction %s returned twice", txn.ID)
		seen[txn.ID] = true
	}
	assert.Len(t, seen, 5)
}

func TestListByUserBadCursor(t *testing.T) {
	f := newFixture(t)
	_, _, _, err := f.svc.ListByUser(context.Background(), "buyer-1", 10, "not-base64!")
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestGetByCode(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "10.00")

	got, err := f.svc.GetByCode(context.Background(), txn.Code)
	require.NoError(t, err)
	assert.Equal(t, txn.ID, got.ID)

	_, err = f.svc.GetByCode(context.Background(), "ESC-NOPE1234")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLogsUnknownTransaction(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Logs(context.Background(), "txn_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
