package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fairhold/fairhold/internal/idgen"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fairhold",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Webhook emit attempts by event type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fairhold",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

// Emitter turns escrow lifecycle moments into webhook events. All
// methods are fire-and-forget: a nil *Emitter or a delivery failure
// never disturbs the calling operation.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter wraps a dispatcher.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(userID string, t EventType, data map[string]any) {
	if e == nil || e.d == nil || userID == "" {
		return
	}
	emitTotal.WithLabelValues(string(t)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      t,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToUser(ctx, userID, event); err != nil {
		emitErrors.WithLabelValues(string(t)).Inc()
		e.logger.Warn("webhook emit failed", "event", t, "user_id", userID, "error", err)
	}
}

// TransactionFunded notifies both parties that escrow is funded.
func (e *Emitter) TransactionFunded(buyerID, sellerID, transactionID, code, amount string) {
	data := map[string]any{
		"transactionId": transactionID,
		"code":          code,
		"amount":        amount,
	}
	e.emit(buyerID, EventTransactionFunded, data)
	e.emit(sellerID, EventTransactionFunded, data)
}

// TransactionCompleted notifies both parties that escrow released.
func (e *Emitter) TransactionCompleted(buyerID, sellerID, transactionID, code, amount string) {
	data := map[string]any{
		"transactionId": transactionID,
		"code":          code,
		"amount":        amount,
	}
	e.emit(buyerID, EventTransactionCompleted, data)
	e.emit(sellerID, EventTransactionCompleted, data)
}

// TransactionDisputed notifies both parties that a dispute opened.
func (e *Emitter) TransactionDisputed(buyerID, sellerID, transactionID, code, reason string) {
	data := map[string]any{
		"transactionId": transactionID,
		"code":          code,
		"reason":        reason,
	}
	e.emit(buyerID, EventTransactionDisputed, data)
	e.emit(sellerID, EventTransactionDisputed, data)
}

// TransactionRefunded notifies the buyer a refund landed in their wallet.
func (e *Emitter) TransactionRefunded(buyerID, transactionID, code, amount string) {
	e.emit(buyerID, EventTransactionRefunded, map[string]any{
		"transactionId": transactionID,
		"code":          code,
		"amount":        amount,
	})
}

// TransactionCanceled notifies both parties of a cancellation.
func (e *Emitter) TransactionCanceled(buyerID, sellerID, transactionID, code string) {
	data := map[string]any{
		"transactionId": transactionID,
		"code":          code,
	}
	e.emit(buyerID, EventTransactionCanceled, data)
	e.emit(sellerID, EventTransactionCanceled, data)
}

// PaymentSucceeded notifies the payer their gateway charge settled.
func (e *Emitter) PaymentSucceeded(userID, paymentID, reference, amount string) {
	e.emit(userID, EventPaymentSucceeded, map[string]any{
		"paymentId": paymentID,
		"reference": reference,
		"amount":    amount,
	})
}

// PaymentFailed notifies the payer their gateway charge failed.
func (e *Emitter) PaymentFailed(userID, paymentID, reference, reason string) {
	e.emit(userID, EventPaymentFailed, map[string]any{
		"paymentId": paymentID,
		"reference": reference,
		"reason":    reason,
	})
}

// WithdrawalCompleted notifies the user a bank payout finished.
func (e *Emitter) WithdrawalCompleted(userID, withdrawalID, amount string) {
	e.emit(userID, EventWithdrawalCompleted, map[string]any{
		"withdrawalId": withdrawalID,
		"amount":       amount,
	})
}

// WithdrawalFailed notifies the user a bank payout failed.
func (e *Emitter) WithdrawalFailed(userID, withdrawalID, reason string) {
	e.emit(userID, EventWithdrawalFailed, map[string]any{
		"withdrawalId": withdrawalID,
		"reason":       reason,
	})
}
