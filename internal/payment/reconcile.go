package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairhold/fairhold/internal/circuitbreaker"
	"github.com/fairhold/fairhold/internal/idgen"
	"github.com/fairhold/fairhold/internal/money"
	"github.com/fairhold/fairhold/internal/retry"
	"github.com/fairhold/fairhold/internal/syncutil"
	"github.com/fairhold/fairhold/internal/traces"
	"github.com/fairhold/fairhold/internal/transaction"
)

// Applier is the transaction-side hook a verified outcome is applied
// through. Both methods are idempotent.
type Applier interface {
	MarkFunded(ctx context.Context, transactionID, paymentID string) error
	MarkFundingFailed(ctx context.Context, transactionID, paymentID, reason string) error
}

// SecuritySink records reconciliation security events: bad signatures,
// unknown references, amount mismatches.
type SecuritySink interface {
	RecordSecurity(ctx context.Context, userID, action, entity, entityID, description string)
}

// Hooks publishes settled payment outcomes to outbound integrations.
// Implementations must be fire-and-forget.
type Hooks interface {
	PaymentSucceeded(userID, paymentID, reference, amount string)
	PaymentFailed(userID, paymentID, reference, reason string)
}

// Reconciler initiates gateway charges and applies their verified
// outcomes exactly once.
type Reconciler struct {
	store    Store
	registry *Registry
	applier  Applier
	audit    SecuritySink
	hooks    Hooks
	logger   *slog.Logger
	currency string
	timeout  time.Duration
	breaker  *circuitbreaker.Breaker
	locks    syncutil.ContextShardedMutex // serializes concurrent webhook deliveries per reference
}

func NewReconciler(store Store, registry *Registry, currency string, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &Reconciler{
		store:    store,
		registry: registry,
		logger:   slog.Default(),
		currency: currency,
		timeout:  timeout,
		breaker:  circuitbreaker.New(5, 30*time.Second),
	}
	r.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		r.logger.Warn("gateway circuit transition",
			"gateway", key, "from", from.String(), "to", to.String())
	})
	return r
}

func (r *Reconciler) WithApplier(a Applier) *Reconciler {
	r.applier = a
	return r
}

func (r *Reconciler) WithAudit(s SecuritySink) *Reconciler {
	r.audit = s
	return r
}

// WithHooks attaches the outbound event publisher.
func (r *Reconciler) WithHooks(h Hooks) *Reconciler {
	r.hooks = h
	return r
}

func (r *Reconciler) WithLogger(l *slog.Logger) *Reconciler {
	if l != nil {
		r.logger = l
	}
	return r
}

// Gateways returns the names of the configured payment providers.
func (r *Reconciler) Gateways() []string {
	return r.registry.Names()
}

// Initiate starts a gateway charge for a transaction's total amount.
// Any previous pending payment for the transaction is abandoned first,
// so the partial-unique index never blocks a legitimate retry. If the
// gateway call fails the freshly created payment row is removed.
func (r *Reconciler) Initiate(ctx context.Context, txn *transaction.Transaction, buyerEmail, gateway string) (*transaction.PaymentIntent, error) {
	provider, err := r.registry.Get(gateway)
	if err != nil {
		return nil, err
	}
	if err := r.store.AbandonPending(ctx, txn.ID); err != nil {
		return nil, fmt.Errorf("abandon stale payments: %w", err)
	}

	now := time.Now()
	p := &Payment{
		ID:            idgen.WithPrefix("pay_"),
		TransactionID: txn.ID,
		UserID:        txn.BuyerID,
		Gateway:       gateway,
		Amount:        txn.TotalAmount,
		Currency:      r.currency,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	p.Reference = p.ID
	if err := r.store.Create(ctx, p); err != nil {
		return nil, err
	}

	if !r.breaker.Allow(gateway) {
		if derr := r.store.Delete(ctx, p.ID); derr != nil {
			r.logger.Error("orphaned pending payment after circuit rejection",
				"payment_id", p.ID, "error", derr)
		}
		return nil, ErrGatewayTripped
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := provider.Initiate(callCtx, InitiateRequest{
		Reference:     p.Reference,
		TransactionID: txn.ID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Email:         buyerEmail,
	})
	if err != nil {
		r.breaker.RecordFailure(gateway)
		if derr := r.store.Delete(ctx, p.ID); derr != nil {
			r.logger.Error("orphaned pending payment after gateway failure",
				"payment_id", p.ID, "error", derr)
		}
		return nil, fmt.Errorf("initiate %s charge: %w", gateway, err)
	}
	r.breaker.RecordSuccess(gateway)
	if res.ProviderReference != "" && res.ProviderReference != p.Reference {
		if err := r.store.SetProviderReference(ctx, p.ID, res.ProviderReference); err != nil {
			r.logger.Error("record provider reference", "payment_id", p.ID, "error", err)
		}
	}

	return &transaction.PaymentIntent{
		PaymentID:        p.ID,
		Reference:        p.Reference,
		Gateway:          gateway,
		AuthorizationURL: res.AuthorizationURL,
		ClientSecret:     res.ClientSecret,
	}, nil
}

// RecordWalletPayment records an already-settled wallet funding as a
// completed payment so every funded transaction has a payment row.
func (r *Reconciler) RecordWalletPayment(ctx context.Context, txn *transaction.Transaction, reference string) (string, error) {
	now := time.Now()
	p := &Payment{
		ID:            idgen.WithPrefix("pay_"),
		TransactionID: txn.ID,
		UserID:        txn.BuyerID,
		Gateway:       transaction.GatewayWallet,
		Reference:     reference,
		Amount:        txn.TotalAmount,
		Currency:      r.currency,
		Status:        StatusCompleted,
		Channel:       "wallet",
		PaidAt:        &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.Create(ctx, p); err != nil {
		return "", err
	}
	return p.ID, nil
}

// HandleWebhook authenticates and applies a gateway notification. The
// signature is verified against the raw body before anything in the
// payload is trusted; a failed verification is recorded as a security
// event and rejected.
func (r *Reconciler) HandleWebhook(ctx context.Context, gateway string, body []byte, headers map[string][]string) error {
	provider, err := r.registry.Get(gateway)
	if err != nil {
		return err
	}
	if err := provider.VerifySignature(body, headers); err != nil {
		r.recordSecurity(ctx, "", "webhook_signature_invalid", "payment", "",
			fmt.Sprintf("gateway %s: %v", gateway, err))
		return ErrInvalidSignature
	}
	ev, err := provider.ParseWebhook(body)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}
	_, err = r.reconcile(ctx, gateway, ev)
	return err
}

// VerifyCallback polls the gateway for a charge's outcome and applies
// it. Used by the browser-redirect return leg; the webhook usually gets
// there first, in which case this is a no-op.
func (r *Reconciler) VerifyCallback(ctx context.Context, gateway, reference string) (*Payment, error) {
	provider, err := r.registry.Get(gateway)
	if err != nil {
		return nil, err
	}
	if !r.breaker.Allow(gateway) {
		return nil, ErrGatewayTripped
	}

	// Verification is an idempotent poll, so transient gateway errors
	// are retried before the circuit counts a failure.
	var ev *Event
	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		var verr error
		ev, verr = provider.Verify(callCtx, reference)
		return verr
	})
	if err != nil {
		r.breaker.RecordFailure(gateway)
		return nil, err
	}
	r.breaker.RecordSuccess(gateway)
	return r.reconcile(ctx, gateway, ev)
}

// Get returns one payment.
func (r *Reconciler) Get(ctx context.Context, id string) (*Payment, error) {
	return r.store.Get(ctx, id)
}

// ListByTransaction returns every charge attempt for a transaction.
func (r *Reconciler) ListByTransaction(ctx context.Context, transactionID string) ([]*Payment, error) {
	return r.store.ListByTransaction(ctx, transactionID)
}

// reconcile applies one verified gateway outcome. A payment already in
// a terminal status is left untouched, which makes webhook retries and
// the webhook/callback race harmless. A reported amount outside
// tolerance of what we initiated is flagged and the success is NOT
// applied.
func (r *Reconciler) reconcile(ctx context.Context, gateway string, ev *Event) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payment.reconcile",
		traces.Gateway(gateway),
		traces.Reference(ev.Reference),
	)
	defer span.End()

	unlock, err := r.locks.LockContext(ctx, ev.Reference)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := r.store.GetByReference(ctx, ev.Reference)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			r.recordSecurity(ctx, "", "unknown_payment_reference", "payment", ev.Reference,
				fmt.Sprintf("gateway %s reported unknown reference", gateway))
		}
		return nil, err
	}
	if p.Status != StatusPending {
		r.logger.Info("payment already reconciled",
			"payment_id", p.ID, "status", string(p.Status))
		return p, nil
	}

	if ev.Succeeded && !money.WithinTolerance(p.Amount, ev.Amount) {
		r.recordSecurity(ctx, p.UserID, "payment_amount_mismatch", "payment", p.ID,
			fmt.Sprintf("expected %s, gateway reported %s", money.Format(p.Amount), money.Format(ev.Amount)))
		updated, uerr := r.store.UpdateStatus(ctx, p.ID, StatusPending, StatusFailed, nil, ev.Channel,
			"reported amount outside tolerance")
		if uerr != nil {
			if errors.Is(uerr, ErrConflict) {
				return p, nil
			}
			return nil, uerr
		}
		r.applyFailure(ctx, updated, "reported amount outside tolerance")
		return updated, ErrAmountMismatch
	}

	if ev.Succeeded {
		paidAt := ev.PaidAt
		updated, err := r.store.UpdateStatus(ctx, p.ID, StatusPending, StatusCompleted, &paidAt, ev.Channel, "")
		if err != nil {
			if errors.Is(err, ErrConflict) {
				// Another reconciler won the race; its outcome stands.
				return r.store.Get(ctx, p.ID)
			}
			return nil, err
		}
		r.applySuccess(ctx, updated)
		return updated, nil
	}

	updated, err := r.store.UpdateStatus(ctx, p.ID, StatusPending, StatusFailed, nil, ev.Channel, ev.FailureReason)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return r.store.Get(ctx, p.ID)
		}
		return nil, err
	}
	r.applyFailure(ctx, updated, ev.FailureReason)
	return updated, nil
}

// applySuccess drives the transaction forward after the payment row is
// already COMPLETED. MarkFunded is idempotent, so a retry after an
// error here converges rather than double-applying.
func (r *Reconciler) applySuccess(ctx context.Context, p *Payment) {
	if r.hooks != nil {
		r.hooks.PaymentSucceeded(p.UserID, p.ID, p.Reference, money.Format(p.Amount))
	}
	if r.applier == nil {
		return
	}
	if err := r.applier.MarkFunded(ctx, p.TransactionID, p.ID); err != nil {
		if err := r.applier.MarkFunded(ctx, p.TransactionID, p.ID); err != nil {
			r.logger.Error("CRITICAL: payment completed but transaction not marked funded",
				"payment_id", p.ID, "transaction_id", p.TransactionID, "error", err)
		}
	}
}

func (r *Reconciler) applyFailure(ctx context.Context, p *Payment, reason string) {
	if r.hooks != nil {
		r.hooks.PaymentFailed(p.UserID, p.ID, p.Reference, reason)
	}
	if r.applier == nil {
		return
	}
	if err := r.applier.MarkFundingFailed(ctx, p.TransactionID, p.ID, reason); err != nil {
		r.logger.Error("payment failed but transaction not notified",
			"payment_id", p.ID, "transaction_id", p.TransactionID, "error", err)
	}
}

func (r *Reconciler) recordSecurity(ctx context.Context, userID, action, entity, entityID, description string) {
	if r.audit == nil {
		return
	}
	r.audit.RecordSecurity(ctx, userID, action, entity, entityID, description)
}
