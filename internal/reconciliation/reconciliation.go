// Package reconciliation runs periodic consistency sweeps: stale pending
// payments are re-verified against their gateway, and delivered
// transactions whose escrow never released are retried.
package reconciliation

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairhold/fairhold/internal/payment"
	"github.com/fairhold/fairhold/internal/transaction"
)

// PaymentSource lists payments worth re-checking.
type PaymentSource interface {
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*payment.Payment, error)
}

// Verifier settles a payment by asking the gateway for its outcome. The
// payment reconciler's verification routine is idempotent, so a payment
// whose webhook already landed converges to the same state.
type Verifier interface {
	VerifyCallback(ctx context.Context, gateway, reference string) (*payment.Payment, error)
}

// TransactionSource lists delivered transactions whose escrow is stuck.
type TransactionSource interface {
	ListStuckDelivered(ctx context.Context, olderThan time.Time, limit int) ([]*transaction.Transaction, error)
}

// Releaser retries an escrow release. Release is keyed by reference in
// the ledger, so a retry can never double-credit the seller.
type Releaser interface {
	ReleaseEscrow(ctx context.Context, id, actorID string) (*transaction.Transaction, error)
}

// Result summarizes one sweep.
type Result struct {
	StalePayments   int `json:"stalePayments"`
	SettledPayments int `json:"settledPayments"`
	StuckEscrows    int `json:"stuckEscrows"`
	ReleasedEscrows int `json:"releasedEscrows"`
	Errors          int `json:"errors"`
}

// Runner executes the sweeps. Zero batch/grace values fall back to
// defaults from NewRunner.
type Runner struct {
	payments     PaymentSource
	verifier     Verifier
	transactions TransactionSource
	releaser     Releaser
	logger       *slog.Logger

	paymentGrace time.Duration
	escrowGrace  time.Duration
	batchSize    int
}

func NewRunner(payments PaymentSource, verifier Verifier, txns TransactionSource, releaser Releaser, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		payments:     payments,
		verifier:     verifier,
		transactions: txns,
		releaser:     releaser,
		logger:       logger,
		paymentGrace: 15 * time.Minute,
		escrowGrace:  10 * time.Minute,
		batchSize:    100,
	}
}

// RunAll executes both sweeps and reports what moved. Individual item
// failures are counted and logged, never fatal to the run.
func (r *Runner) RunAll(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	res := &Result{}
	if err := r.sweepPayments(ctx, res); err != nil {
		sweepErrors.Inc()
		return res, err
	}
	if err := r.sweepEscrows(ctx, res); err != nil {
		sweepErrors.Inc()
		return res, err
	}

	stalePayments.Set(float64(res.StalePayments - res.SettledPayments))
	stuckEscrows.Set(float64(res.StuckEscrows - res.ReleasedEscrows))

	if res.StalePayments > 0 || res.StuckEscrows > 0 {
		r.logger.Info("reconciliation sweep finished",
			"stale_payments", res.StalePayments,
			"settled_payments", res.SettledPayments,
			"stuck_escrows", res.StuckEscrows,
			"released_escrows", res.ReleasedEscrows,
			"errors", res.Errors,
		)
	}
	return res, nil
}

func (r *Runner) sweepPayments(ctx context.Context, res *Result) error {
	if r.payments == nil || r.verifier == nil {
		return nil
	}
	stale, err := r.payments.ListStalePending(ctx, time.Now().Add(-r.paymentGrace), r.batchSize)
	if err != nil {
		return err
	}
	res.StalePayments = len(stale)

	for _, p := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updated, err := r.verifier.VerifyCallback(ctx, p.Gateway, p.Reference)
		if err != nil {
			res.Errors++
			r.logger.Warn("stale payment verification failed",
				"payment_id", p.ID, "gateway", p.Gateway, "error", err)
			continue
		}
		if updated.Status != payment.StatusPending {
			res.SettledPayments++
		}
	}
	return nil
}

func (r *Runner) sweepEscrows(ctx context.Context, res *Result) error {
	if r.transactions == nil || r.releaser == nil {
		return nil
	}
	stuck, err := r.transactions.ListStuckDelivered(ctx, time.Now().Add(-r.escrowGrace), r.batchSize)
	if err != nil {
		return err
	}
	res.StuckEscrows = len(stuck)

	for _, txn := range stuck {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The buyer already confirmed delivery; the original auto-release
		// failed. Retry on their behalf.
		if _, err := r.releaser.ReleaseEscrow(ctx, txn.ID, txn.BuyerID); err != nil {
			res.Errors++
			r.logger.Warn("stuck escrow release retry failed",
				"transaction_id", txn.ID, "error", err)
			continue
		}
		res.ReleasedEscrows++
	}
	return nil
}
