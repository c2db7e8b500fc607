package transaction

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairhold/fairhold/internal/pagination"
)

// PostgresStore persists transactions and their logs in PostgreSQL.
// Row writes and log inserts share one SQL transaction; status updates
// are guarded by the expected status pair so concurrent writers lose
// cleanly with ErrConflict.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txnColumns = `id, code, buyer_id, seller_id, title, description,
		       amount, escrow_fee, total_amount, currency,
		       status, escrow_status,
		       delivery_method, tracking_number, expected_delivery_at, delivered_at,
		       is_paid, payment_id,
		       created_at, updated_at, completed_at, canceled_at, refunded_at`

func (p *PostgresStore) Create(ctx context.Context, txn *Transaction, initial *Log) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, code, buyer_id, seller_id, title, description,
			amount, escrow_fee, total_amount, currency,
			status, escrow_status,
			delivery_method, tracking_number, expected_delivery_at,
			is_paid, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC(20,2), $8::NUMERIC(20,2), $9::NUMERIC(20,2), $10,
			$11, $12,
			$13, $14, $15,
			$16, $17, $18
		)`,
		txn.ID, txn.Code, txn.BuyerID, txn.SellerID, txn.Title, nullString(txn.Description),
		txn.Amount.StringFixed(2), txn.EscrowFee.StringFixed(2), txn.TotalAmount.StringFixed(2), txn.Currency,
		string(txn.Status), string(txn.EscrowStatus),
		nullString(txn.DeliveryMethod), nullString(txn.TrackingNumber), nullTime(txn.ExpectedDeliveryAt),
		txn.IsPaid, txn.CreatedAt, txn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	if initial != nil {
		if err := insertLog(ctx, tx, initial); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return txn, err
}

func (p *PostgresStore) GetByCode(ctx context.Context, code string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE code = $1`, code)
	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return txn, err
}

func (p *PostgresStore) Apply(ctx context.Context, id string, m *Mutation) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, escrow_status = $2,
			is_paid = COALESCE($3, is_paid),
			payment_id = COALESCE($4, payment_id),
			delivery_method = COALESCE($5, delivery_method),
			tracking_number = COALESCE($6, tracking_number),
			expected_delivery_at = COALESCE($7, expected_delivery_at),
			delivered_at = COALESCE($8, delivered_at),
			completed_at = COALESCE($9, completed_at),
			canceled_at = COALESCE($10, canceled_at),
			refunded_at = COALESCE($11, refunded_at),
			updated_at = NOW()
		WHERE id = $12 AND status = $13 AND escrow_status = $14`,
		string(m.Status), string(m.EscrowStatus),
		nullBool(m.IsPaid), nullStringPtr(m.PaymentID),
		nullStringPtr(m.DeliveryMethod), nullStringPtr(m.TrackingNumber),
		nullTime(m.ExpectedDeliveryAt), nullTime(m.DeliveredAt),
		nullTime(m.CompletedAt), nullTime(m.CanceledAt), nullTime(m.RefundedAt),
		id, string(m.ExpectStatus), string(m.ExpectEscrow),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Either the row is gone or another writer moved it first.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}

	l := m.Log
	if err := insertLog(ctx, tx, &l); err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
	txn, err := scanTransaction(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresStore) AppendLog(ctx context.Context, l *Log) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertLog(ctx, tx, l); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Logs(ctx context.Context, id string) ([]*Log, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, action, status, escrow_status, actor_id, description, created_at
		FROM transaction_logs
		WHERE transaction_id = $1
		ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Log
	for rows.Next() {
		var l Log
		var actor, desc sql.NullString
		if err := rows.Scan(&l.ID, &l.TransactionID, &l.Action, &l.Status, &l.EscrowStatus,
			&actor, &desc, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.ActorID = actor.String
		l.Description = desc.String
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int, after *pagination.Cursor) ([]*Transaction, error) {
	var rows *sql.Rows
	var err error
	if after != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txnColumns+` FROM transactions
			WHERE (buyer_id = $1 OR seller_id = $1)
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, after.CreatedAt, after.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txnColumns+` FROM transactions
			WHERE buyer_id = $1 OR seller_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AverageCompletedAmount(ctx context.Context, buyerID string, since time.Time) (decimal.Decimal, error) {
	var avg sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT AVG(amount)::TEXT FROM transactions
		WHERE buyer_id = $1
		  AND status = $2
		  AND completed_at >= $3`, buyerID, string(StatusCompleted), since).Scan(&avg)
	if err != nil {
		return decimal.Zero, err
	}
	if !avg.Valid {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(avg.String)
}

func (p *PostgresStore) ListStuckDelivered(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE status = $1 AND escrow_status = $2 AND delivered_at < $3
		ORDER BY delivered_at ASC
		LIMIT $4`, string(StatusDelivered), string(EscrowFunded), olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var txn Transaction
	var desc, deliveryMethod, tracking, paymentID sql.NullString
	var amount, fee, total string
	var expectedAt, deliveredAt, completedAt, canceledAt, refundedAt sql.NullTime

	err := row.Scan(
		&txn.ID, &txn.Code, &txn.BuyerID, &txn.SellerID, &txn.Title, &desc,
		&amount, &fee, &total, &txn.Currency,
		&txn.Status, &txn.EscrowStatus,
		&deliveryMethod, &tracking, &expectedAt, &deliveredAt,
		&txn.IsPaid, &paymentID,
		&txn.CreatedAt, &txn.UpdatedAt, &completedAt, &canceledAt, &refundedAt,
	)
	if err != nil {
		return nil, err
	}

	if txn.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid amount in row: %w", err)
	}
	if txn.EscrowFee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("invalid escrow_fee in row: %w", err)
	}
	if txn.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("invalid total_amount in row: %w", err)
	}

	txn.Description = desc.String
	txn.DeliveryMethod = deliveryMethod.String
	txn.TrackingNumber = tracking.String
	txn.PaymentID = paymentID.String
	txn.ExpectedDeliveryAt = timePtr(expectedAt)
	txn.DeliveredAt = timePtr(deliveredAt)
	txn.CompletedAt = timePtr(completedAt)
	txn.CanceledAt = timePtr(canceledAt)
	txn.RefundedAt = timePtr(refundedAt)
	return &txn, nil
}

func insertLog(ctx context.Context, tx *sql.Tx, l *Log) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transaction_logs (id, transaction_id, action, status, escrow_status, actor_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID, l.TransactionID, l.Action, string(l.Status), string(l.EscrowStatus),
		nullString(l.ActorID), nullString(l.Description), l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction log: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}
