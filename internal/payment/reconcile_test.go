package payment

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairhold/fairhold/internal/transaction"
)

type fakeProvider struct {
	name        string
	initiateErr error
	verifyEvent *Event
	sigErr      error
	parsedEvent *Event
	initiated   []InitiateRequest
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Initiate(_ context.Context, req InitiateRequest) (*InitiateResult, error) {
	f.initiated = append(f.initiated, req)
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	return &InitiateResult{
		ProviderReference: "prov_" + req.Reference,
		AuthorizationURL:  "https://pay.example/" + req.Reference,
	}, nil
}

func (f *fakeProvider) Verify(_ context.Context, _ string) (*Event, error) {
	if f.verifyEvent == nil {
		return nil, ErrPaymentNotFound
	}
	return f.verifyEvent, nil
}

func (f *fakeProvider) VerifySignature(_ []byte, _ http.Header) error { return f.sigErr }

func (f *fakeProvider) ParseWebhook(_ []byte) (*Event, error) { return f.parsedEvent, nil }

type fakeApplier struct {
	funded    []string
	failed    []string
	fundedErr error
}

func (f *fakeApplier) MarkFunded(_ context.Context, transactionID, _ string) error {
	if f.fundedErr != nil {
		return f.fundedErr
	}
	f.funded = append(f.funded, transactionID)
	return nil
}

func (f *fakeApplier) MarkFundingFailed(_ context.Context, transactionID, _, _ string) error {
	f.failed = append(f.failed, transactionID)
	return nil
}

type fakeSecuritySink struct {
	actions []string
}

func (f *fakeSecuritySink) RecordSecurity(_ context.Context, _, action, _, _, _ string) {
	f.actions = append(f.actions, action)
}

func testTxn() *transaction.Transaction {
	return &transaction.Transaction{
		ID:          "txn_1",
		BuyerID:     "buyer-1",
		SellerID:    "seller-1",
		Amount:      dec("100.00"),
		EscrowFee:   dec("2.50"),
		TotalAmount: dec("102.50"),
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestReconciler(provider Provider) (*Reconciler, *MemoryStore, *fakeApplier, *fakeSecuritySink) {
	store := NewMemoryStore()
	applier := &fakeApplier{}
	sink := &fakeSecuritySink{}
	r := NewReconciler(store, NewRegistry(provider), "USD", time.Second).
		WithApplier(applier).
		WithAudit(sink)
	return r, store, applier, sink
}

func TestInitiateCreatesPendingPayment(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{name: "testpay"}
	r, store, _, _ := newTestReconciler(provider)

	intent, err := r.Initiate(ctx, testTxn(), "buyer@example.com", "testpay")
	require.NoError(t, err)
	assert.NotEmpty(t, intent.PaymentID)
	assert.Equal(t, "https://pay.example/"+intent.Reference, intent.AuthorizationURL)

	p, err := store.Get(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
	assert.True(t, p.Amount.Equal(dec("102.50")), "charge is for the total including fee")
	assert.Equal(t, "prov_"+intent.Reference, p.ProviderReference)

	require.Len(t, provider.initiated, 1)
	assert.True(t, provider.initiated[0].Amount.Equal(dec("102.50")))
}

func TestInitiateUnknownGateway(t *testing.T) {
	r, _, _, _ := newTestReconciler(&fakeProvider{name: "testpay"})
	_, err := r.Initiate(context.Background(), testTxn(), "b@example.com", "nope")
	assert.ErrorIs(t, err, ErrUnknownGateway)
}

func TestInitiateDeletesPaymentOnGatewayFailure(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{name: "testpay", initiateErr: errors.New("gateway down")}
	r, store, _, _ := newTestReconciler(provider)

	_, err := r.Initiate(ctx, testTxn(), "b@example.com", "testpay")
	require.Error(t, err)

	payments, err := store.ListByTransaction(ctx, "txn_1")
	require.NoError(t, err)
	assert.Empty(t, payments, "no orphaned pending payment")
}

func TestInitiateAbandonsStalePending(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{name: "testpay"}
	r, store, _, _ := newTestReconciler(provider)

	first, err := r.Initiate(ctx, testTxn(), "b@example.com", "testpay")
	require.NoError(t, err)
	second, err := r.Initiate(ctx, testTxn(), "b@example.com", "testpay")
	require.NoError(t, err)

	p1, err := store.Get(ctx, first.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, p1.Status)
	p2, err := store.Get(ctx, second.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p2.Status)
}

func TestWebhookSignatureRejected(t *testing.T) {
	provider := &fakeProvider{name: "testpay", sigErr: ErrInvalidSignature}
	r, _, applier, sink := newTestReconciler(provider)

	err := r.HandleWebhook(context.Background(), "testpay", []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Empty(t, applier.funded)
	assert.Contains(t, sink.actions, "webhook_signature_invalid")
}

func TestWebhookSuccessMarksFunded(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{name: "testpay"}
	r, store, applier, _ := newTestReconciler(provider)

	intent, err := r.Initiate(ctx, testTxn(), "b@example.com", "testpay")
	require.NoError(t, err)

	provider.parsedEvent = &Event{
		Reference: intent.Reference,
		Amount:    dec("102.50"),
		Succeeded: true,
		Channel:   "card",
		PaidAt:    time.Now(),
	}
	require.NoError(t, r.HandleWebhook(ctx, "testpay", []byte(`{}`), http.Header{}))

	p, err := store.Get(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	require.NotNil(t, p.PaidAt)
	assert.Equal(t, []string{"txn_1"}, applier.funded)
}

func TestWebhookDuplicateIsNoOp(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{name: "testpay"}
	r, _, applier, _ := newTestReconciler(provider)

	intent, err := r.Initiate(ctx, testTxn(), "b@example.com", "testpay")
	require.NoError(t, err)
	provider.parsedEvent = &Event{Reference: intent.Reference, Amount: dec("102.50"), Succeeded: true, PaidAt: time.Now()}

	require.NoError(t, r.HandleWebhook(ctx, "testpay", []byte(`{}`), http.Header{}))
	require.NoError(t, r.HandleWebhook(ctx, "testpay", []byte(`{}`), http.Header{}))

	assert.Len(t, applier.funded, 1, "outcome applied exactly once")
}

func TestWebhookAmountMismatchFlagged(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{name: "testpay"}
	r, store, applier, sink := newTestReconciler(provider)

	intent, err := r.Initiate(ctx, testTxn(), "b@example.com", "testpay")
	require.NoError(t, err)

	// 102.50 expected, 95.00 reported: well outside the tolerance.
	provider.parsedEvent = &Event{Reference: intent.Reference, Amount: dec("95.00"), Succeeded: true, PaidAt: time.Now()}
	err = r.HandleWebhook(ctx, "testpay", []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, ErrAmountMismatch)

	p, err := store.Get(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Empty(t, applier.funded, "mismatched success is never applied")
	assert.Contains(t, sink.actions, "payment_amount_mismatch")
}

func TestWebhookAmountWithinToleranceApplied(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{name: "testpay"}
	r, _, applier, _ := newTestReconciler(provider)

	intent, err := r.Initiate(ctx, testTxn(), "b@example.com", "testpay")
	require.NoError(t, err)

	// Less than 1% off; rounding drift, not fraud.
	provider.parsedEvent = &Event{Reference: intent.Reference, Amount: dec("102.00"), Succeeded: true, PaidAt: time.Now()}
	require.NoError(t, r.HandleWebhook(ctx, "testpay", []byte(`{}`), http.Header{}))
	assert.Len(t, applier.funded, 1)
}

func TestWebhookFailureMarksFundingFailed(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{name: "testpay"}
	r, store, applier, _ := newTestReconciler(provider)

	intent, err := r.Initiate(ctx, testTxn(), "b@example.com", "testpay")
	require.NoError(t, err)

	provider.parsedEvent = &Event{Reference: intent.Reference, Amount: dec("102.50"), Succeeded: false, FailureReason: "card declined"}
	require.NoError(t, r.HandleWebhook(ctx, "testpay", []byte(`{}`), http.Header{}))

	p, err := store.Get(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "card declined", p.FailureReason)
	assert.Equal(t, []string{"txn_1"}, applier.failed)
}

func TestWebhookUnknownReference(t *testing.T) {
	provider := &fakeProvider{name: "testpay", parsedEvent: &Event{Reference: "pay_ghost", Amount: dec("10.00"), Succeeded: true}}
	r, _, _, sink := newTestReconciler(provider)

	err := r.HandleWebhook(context.Background(), "testpay", []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, ErrPaymentNotFound)
	assert.Contains(t, sink.actions, "unknown_payment_reference")
}

func TestWebhookIrrelevantEventIgnored(t *testing.T) {
	provider := &fakeProvider{name: "testpay", parsedEvent: nil}
	r, _, applier, _ := newTestReconciler(provider)

	require.NoError(t, r.HandleWebhook(context.Background(), "testpay", []byte(`{}`), http.Header{}))
	assert.Empty(t, applier.funded)
	assert.Empty(t, applier.failed)
}

func TestVerifyCallbackAppliesOutcome(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{name: "testpay"}
	r, _, applier, _ := newTestReconciler(provider)

	intent, err := r.Initiate(ctx, testTxn(), "b@example.com", "testpay")
	require.NoError(t, err)
	provider.verifyEvent = &Event{Reference: intent.Reference, Amount: dec("102.50"), Succeeded: true, PaidAt: time.Now()}

	p, err := r.VerifyCallback(ctx, "testpay", intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Len(t, applier.funded, 1)
}

func TestRecordWalletPayment(t *testing.T) {
	ctx := context.Background()
	r, store, _, _ := newTestReconciler(&fakeProvider{name: "testpay"})

	id, err := r.RecordWalletPayment(ctx, testTxn(), "escrow_fund:txn_1")
	require.NoError(t, err)

	p, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, transaction.GatewayWallet, p.Gateway)

	// The ledger reference doubles as the dedup key here too.
	_, err = r.RecordWalletPayment(ctx, testTxn(), "escrow_fund:txn_1")
	assert.ErrorIs(t, err, ErrDuplicatePayment)
}

func TestInitiateCircuitTripsAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{name: "testpay", initiateErr: errors.New("gateway down")}
	r, _, _, _ := newTestReconciler(provider)

	for i := 0; i < 5; i++ {
		_, err := r.Initiate(ctx, testTxn(), "buyer@example.com", "testpay")
		require.Error(t, err)
	}

	// Circuit is now open; the provider must not be called again.
	calls := len(provider.initiated)
	_, err := r.Initiate(ctx, testTxn(), "buyer@example.com", "testpay")
	assert.ErrorIs(t, err, ErrGatewayTripped)
	assert.Equal(t, calls, len(provider.initiated))
}

func TestInitiateSuccessResetsCircuit(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{name: "testpay", initiateErr: errors.New("gateway down")}
	r, _, _, _ := newTestReconciler(provider)

	for i := 0; i < 3; i++ {
		_, err := r.Initiate(ctx, testTxn(), "buyer@example.com", "testpay")
		require.Error(t, err)
	}

	provider.initiateErr = nil
	_, err := r.Initiate(ctx, testTxn(), "buyer@example.com", "testpay")
	require.NoError(t, err)

	// Failure count reset; three more failures must not trip the circuit.
	provider.initiateErr = errors.New("gateway down")
	for i := 0; i < 3; i++ {
		_, err := r.Initiate(ctx, testTxn(), "buyer@example.com", "testpay")
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrGatewayTripped)
	}
}
