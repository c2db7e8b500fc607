// Package audit keeps the append-only trail of state-changing actions
// and security events, and watches transaction activity for anomalies.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fairhold/fairhold/internal/idgen"
)

var ErrEventNotFound = errors.New("audit event not found")

// Kind separates the routine action trail from security events that an
// operator should look at.
type Kind string

const (
	KindAction   Kind = "action"
	KindSecurity Kind = "security"
)

// Event is one immutable audit record. Before and After hold JSON
// snapshots when the action changed an entity.
type Event struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	UserID      string    `json:"userId,omitempty"`
	Action      string    `json:"action"`
	Entity      string    `json:"entity"`
	EntityID    string    `json:"entityId,omitempty"`
	Before      string    `json:"before,omitempty"`
	After       string    `json:"after,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Filter narrows an audit query. Zero values mean "any".
type Filter struct {
	Kind     Kind
	UserID   string
	Entity   string
	EntityID string
	Action   string
	Since    time.Time
	Limit    int
}

// Store persists audit events. Insert failures must never block the
// operation being audited; the recorder logs and moves on.
type Store interface {
	Insert(ctx context.Context, e *Event) error
	List(ctx context.Context, f Filter) ([]*Event, error)
	CountSecuritySince(ctx context.Context, userID string, since time.Time) (int, error)
}

// Recorder writes audit events. It satisfies the audit hooks of the
// transaction and payment services.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// RecordAction records a state-changing action with optional before and
// after snapshots.
func (r *Recorder) RecordAction(ctx context.Context, userID, action, entity, entityID, before, after, description string) {
	r.insert(ctx, &Event{
		ID:          idgen.WithPrefix("aud_"),
		Kind:        KindAction,
		UserID:      userID,
		Action:      action,
		Entity:      entity,
		EntityID:    entityID,
		Before:      before,
		After:       after,
		Description: description,
		CreatedAt:   time.Now(),
	})
}

// RecordSecurity records a security event: failed signature checks,
// amount mismatches, permission denials.
func (r *Recorder) RecordSecurity(ctx context.Context, userID, action, entity, entityID, description string) {
	r.insert(ctx, &Event{
		ID:          idgen.WithPrefix("aud_"),
		Kind:        KindSecurity,
		UserID:      userID,
		Action:      action,
		Entity:      entity,
		EntityID:    entityID,
		Description: description,
		CreatedAt:   time.Now(),
	})
	r.logger.Warn("security event",
		"action", action, "user_id", userID, "entity", entity, "entity_id", entityID,
		"description", description)
}

// List queries the trail.
func (r *Recorder) List(ctx context.Context, f Filter) ([]*Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	return r.store.List(ctx, f)
}

func (r *Recorder) insert(ctx context.Context, e *Event) {
	if err := r.store.Insert(ctx, e); err != nil {
		r.logger.Error("audit insert failed",
			"action", e.Action, "entity_id", e.EntityID, "error", err)
	}
}
