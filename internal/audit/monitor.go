package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairhold/fairhold/internal/money"
)

const (
	failureWindow     = 24 * time.Hour
	failureThreshold  = 3
	trailingWindow    = 30 * 24 * time.Hour
	amountSpikeFactor = 3
)

// TransactionStats is the slice of transaction history the monitor
// reads. Implemented by the transaction store.
type TransactionStats interface {
	AverageCompletedAmount(ctx context.Context, buyerID string, since time.Time) (decimal.Decimal, error)
}

// PaymentStats counts failed charge attempts. Implemented by the
// payment store; funding failures live on payments, not transactions,
// because a failed attempt leaves the transaction retryable.
type PaymentStats interface {
	CountFailedSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// Monitor flags suspicious transaction patterns as security events.
// Flags are advisory; nothing here blocks an operation.
type Monitor struct {
	stats    TransactionStats
	payments PaymentStats
	recorder *Recorder
	logger   *slog.Logger
}

func NewMonitor(stats TransactionStats, payments PaymentStats, recorder *Recorder, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{stats: stats, payments: payments, recorder: recorder, logger: logger}
}

// CheckAmount flags a new transaction whose amount is more than three
// times the buyer's trailing 30-day completed average. A buyer with no
// completed history is never flagged.
func (m *Monitor) CheckAmount(ctx context.Context, buyerID string, amount decimal.Decimal) {
	avg, err := m.stats.AverageCompletedAmount(ctx, buyerID, time.Now().Add(-trailingWindow))
	if err != nil {
		m.logger.Error("anomaly amount check failed", "buyer_id", buyerID, "error", err)
		return
	}
	if avg.Sign() <= 0 {
		return
	}
	threshold := avg.Mul(decimal.NewFromInt(amountSpikeFactor))
	if amount.GreaterThan(threshold) {
		m.recorder.RecordSecurity(ctx, buyerID, "unusual_transaction_amount", "transaction", "",
			fmt.Sprintf("amount %s exceeds 3x trailing average %s", money.Format(amount), money.Format(avg)))
	}
}

// CheckFailures flags a user who has accumulated three or more failed
// payment attempts inside 24 hours.
func (m *Monitor) CheckFailures(ctx context.Context, userID string) {
	n, err := m.payments.CountFailedSince(ctx, userID, time.Now().Add(-failureWindow))
	if err != nil {
		m.logger.Error("anomaly failure check failed", "user_id", userID, "error", err)
		return
	}
	if n >= failureThreshold {
		m.recorder.RecordSecurity(ctx, userID, "repeated_payment_failures", "payment", "",
			fmt.Sprintf("%d failed payment attempts in the last 24h", n))
	}
}
