package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PostgresStore backs the audit trail with Postgres. The table is
// insert-only; there is no update or delete path.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, e *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, kind, user_id, action, entity, entity_id,
			before_state, after_state, description, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, string(e.Kind), nullStr(e.UserID), e.Action, e.Entity,
		nullStr(e.EntityID), nullStr(e.Before), nullStr(e.After),
		nullStr(e.Description), e.CreatedAt)
	return err
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Event, error) {
	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Entity != "" {
		add("entity = $%d", f.Entity)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}

	query := `SELECT id, kind, user_id, action, entity, entity_id,
		before_state, after_state, description, created_at FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var userID, entityID, before, after, description sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &userID, &e.Action, &e.Entity,
			&entityID, &before, &after, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.UserID = userID.String
		e.EntityID = entityID.String
		e.Before = before.String
		e.After = after.String
		e.Description = description.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountSecuritySince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_log
		WHERE kind = 'security' AND user_id = $1 AND created_at >= $2`,
		userID, since).Scan(&n)
	return n, err
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
