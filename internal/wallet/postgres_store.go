package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/fairhold/fairhold/internal/idgen"
)

// PostgresStore backs the ledger with Postgres. Movements run inside a
// transaction that locks the wallet row, so the sufficiency check and
// the write are serialized per wallet; CHECK constraints on the balance
// columns and the unique index on reference are the backstop.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `id, user_id, balance, escrow_balance, currency, is_active, created_at, updated_at`

func (s *PostgresStore) CreateWallet(ctx context.Context, w *Wallet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.UserID, w.Balance.StringFixed(2), w.EscrowBalance.StringFixed(2),
		w.Currency, w.IsActive, w.CreatedAt, w.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrWalletExists
	}
	return err
}

func (s *PostgresStore) GetByUser(ctx context.Context, userID string) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
	return scanWallet(row)
}

func (s *PostgresStore) Apply(ctx context.Context, mv *Movement) (*Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin movement: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, mv.UserID)
	w, err := scanWallet(row)
	if err != nil {
		return nil, err
	}
	if !w.IsActive {
		return nil, ErrWalletInactive
	}

	newBal := w.Balance.Add(mv.BalanceDelta)
	newEsc := w.EscrowBalance.Add(mv.EscrowDelta)
	if newBal.Sign() < 0 || newEsc.Sign() < 0 {
		return nil, ErrInsufficientFunds
	}

	e := &Entry{
		ID:            idgen.WithPrefix("wtx_"),
		WalletID:      w.ID,
		PaymentID:     mv.PaymentID,
		TransactionID: mv.TransactionID,
		Type:          mv.Type,
		Amount:        mv.Amount,
		BalanceBefore: w.Balance,
		BalanceAfter:  newBal,
		EscrowBefore:  w.EscrowBalance,
		EscrowAfter:   newEsc,
		Reference:     mv.Reference,
		Status:        EntryCompleted,
		Description:   mv.Description,
		CreatedAt:     time.Now(),
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = $1, escrow_balance = $2, updated_at = $3
		WHERE id = $4`,
		newBal.StringFixed(2), newEsc.StringFixed(2), e.CreatedAt, w.ID); err != nil {
		return nil, fmt.Errorf("update wallet balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (
			id, wallet_id, payment_id, transaction_id, type, amount,
			balance_before, balance_after, escrow_before, escrow_after,
			reference, status, description, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.WalletID, nullString(e.PaymentID), nullString(e.TransactionID),
		string(e.Type), e.Amount.StringFixed(2),
		e.BalanceBefore.StringFixed(2), e.BalanceAfter.StringFixed(2),
		e.EscrowBefore.StringFixed(2), e.EscrowAfter.StringFixed(2),
		e.Reference, string(e.Status), nullString(e.Description), e.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit movement: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.wallet_id, t.payment_id, t.transaction_id, t.type, t.amount,
		       t.balance_before, t.balance_after, t.escrow_before, t.escrow_after,
		       t.reference, t.status, t.description, t.created_at
		FROM wallet_transactions t
		JOIN wallets w ON w.id = t.wallet_id
		WHERE w.user_id = $1
		ORDER BY t.created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EntryByReference(ctx context.Context, reference string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, wallet_id, payment_id, transaction_id, type, amount,
		       balance_before, balance_after, escrow_before, escrow_after,
		       reference, status, description, created_at
		FROM wallet_transactions WHERE reference = $1`, reference)
	return scanEntry(row)
}

func (s *PostgresStore) CreateWithdrawal(ctx context.Context, wd *Withdrawal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bank_withdrawals (
			id, user_id, amount, currency, bank_name, account_number,
			account_name, status, failure_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		wd.ID, wd.UserID, wd.Amount.StringFixed(2), wd.Currency,
		wd.BankName, wd.AccountNumber, wd.AccountName,
		string(wd.Status), nullString(wd.FailureReason), wd.CreatedAt, wd.UpdatedAt)
	return err
}

func (s *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, amount, currency, bank_name, account_number,
		       account_name, status, failure_reason, created_at, updated_at
		FROM bank_withdrawals WHERE id = $1`, id)
	return scanWithdrawal(row)
}

func (s *PostgresStore) UpdateWithdrawalStatus(ctx context.Context, id string, from, to WithdrawalStatus, failureReason string) (*Withdrawal, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bank_withdrawals
		SET status = $1, failure_reason = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(to), nullString(failureReason), time.Now(), id, string(from))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, gerr := s.GetWithdrawal(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrInvalidWithdrawal
	}
	return s.GetWithdrawal(ctx, id)
}

func (s *PostgresStore) ListWithdrawals(ctx context.Context, userID string, limit int) ([]*Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, currency, bank_name, account_number,
		       account_name, status, failure_reason, created_at, updated_at
		FROM bank_withdrawals
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Withdrawal
	for rows.Next() {
		wd, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wd)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (*Wallet, error) {
	var w Wallet
	var bal, esc string
	err := row.Scan(&w.ID, &w.UserID, &bal, &esc, &w.Currency, &w.IsActive, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	if w.Balance, err = decimal.NewFromString(bal); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	if w.EscrowBalance, err = decimal.NewFromString(esc); err != nil {
		return nil, fmt.Errorf("parse escrow balance: %w", err)
	}
	return &w, nil
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var paymentID, transactionID, description sql.NullString
	var amount, balBefore, balAfter, escBefore, escAfter string
	err := row.Scan(&e.ID, &e.WalletID, &paymentID, &transactionID, &e.Type, &amount,
		&balBefore, &balAfter, &escBefore, &escAfter,
		&e.Reference, &e.Status, &description, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	e.PaymentID = paymentID.String
	e.TransactionID = transactionID.String
	e.Description = description.String
	for _, p := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&e.Amount, amount},
		{&e.BalanceBefore, balBefore},
		{&e.BalanceAfter, balAfter},
		{&e.EscrowBefore, escBefore},
		{&e.EscrowAfter, escAfter},
	} {
		if *p.dst, err = decimal.NewFromString(p.src); err != nil {
			return nil, fmt.Errorf("parse entry amount: %w", err)
		}
	}
	return &e, nil
}

func scanWithdrawal(row rowScanner) (*Withdrawal, error) {
	var wd Withdrawal
	var amount string
	var reason sql.NullString
	err := row.Scan(&wd.ID, &wd.UserID, &amount, &wd.Currency, &wd.BankName,
		&wd.AccountNumber, &wd.AccountName, &wd.Status, &reason, &wd.CreatedAt, &wd.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}
	wd.FailureReason = reason.String
	if wd.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse withdrawal amount: %w", err)
	}
	return &wd, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
