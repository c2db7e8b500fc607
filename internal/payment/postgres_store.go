package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore backs payments with Postgres. The reference column is
// unique, and a partial unique index on (transaction_id) WHERE status =
// 'PENDING' enforces the one-pending-charge rule at the database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, transaction_id, user_id, gateway, reference, provider_reference,
	amount, currency, status, channel, failure_reason, paid_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.TransactionID, p.UserID, p.Gateway, p.Reference,
		nullStr(p.ProviderReference), p.Amount.StringFixed(2), p.Currency,
		string(p.Status), nullStr(p.Channel), nullStr(p.FailureReason),
		nullTimePtr(p.PaidAt), p.CreatedAt, p.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if pqErr.Constraint == "payments_pending_per_transaction" {
			return ErrPendingExists
		}
		return ErrDuplicatePayment
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (s *PostgresStore) GetByReference(ctx context.Context, reference string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE reference = $1`, reference)
	return scanPayment(row)
}

func (s *PostgresStore) SetProviderReference(ctx context.Context, id, providerRef string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payments SET provider_reference = $1, updated_at = $2 WHERE id = $3`,
		providerRef, time.Now(), id)
	return err
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, paidAt *time.Time, channel, failureReason string) (*Payment, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1,
		    paid_at = $2,
		    channel = COALESCE(NULLIF($3, ''), channel),
		    failure_reason = NULLIF($4, ''),
		    updated_at = $5
		WHERE id = $6 AND status = $7`,
		string(to), nullTimePtr(paidAt), channel, failureReason, time.Now(), id, string(from))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrConflict
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM payments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (s *PostgresStore) AbandonPending(ctx context.Context, transactionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, updated_at = $2
		WHERE transaction_id = $3 AND status = $4`,
		string(StatusAbandoned), time.Now(), transactionID, string(StatusPending))
	return err
}

func (s *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE transaction_id = $1
		ORDER BY created_at DESC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3`, string(StatusPending), olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountFailedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM payments
		WHERE user_id = $1 AND status = $2 AND updated_at >= $3`,
		userID, string(StatusFailed), since).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (*Payment, error) {
	var p Payment
	var providerRef, channel, failureReason sql.NullString
	var amount string
	var paidAt sql.NullTime
	err := row.Scan(&p.ID, &p.TransactionID, &p.UserID, &p.Gateway, &p.Reference,
		&providerRef, &amount, &p.Currency, &p.Status, &channel, &failureReason,
		&paidAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	p.ProviderReference = providerRef.String
	p.Channel = channel.String
	p.FailureReason = failureReason.String
	if paidAt.Valid {
		t := paidAt.Time
		p.PaidAt = &t
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse payment amount: %w", err)
	}
	return &p, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
