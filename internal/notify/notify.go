// Package notify stores and dispatches in-app notifications. Dispatch
// is fire-and-forget: a notification failure never fails the operation
// that triggered it.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fairhold/fairhold/internal/idgen"
)

var ErrNotificationNotFound = errors.New("notification not found")

// Notification is one in-app message for a user.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Category  string    `json:"category"`
	EntityID  string    `json:"entityId,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists notifications.
type Store interface {
	Insert(ctx context.Context, n *Notification) error
	ListByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*Notification, error)
	MarkRead(ctx context.Context, id, userID string) error
	MarkAllRead(ctx context.Context, userID string) error
	CountUnread(ctx context.Context, userID string) (int, error)
}

// Publisher pushes a notification to connected clients. Implemented by
// the realtime hub.
type Publisher interface {
	Publish(userID string, payload any)
}

// Dispatcher writes notifications and fans them out to live
// connections.
type Dispatcher struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
}

func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, logger: logger}
}

func (d *Dispatcher) WithPublisher(p Publisher) *Dispatcher {
	d.publisher = p
	return d
}

// Notify records a notification for a user. Errors are logged, never
// returned; callers must not couple money movements to notification
// delivery.
func (d *Dispatcher) Notify(ctx context.Context, userID, title, message, category, entityID string) {
	n := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    userID,
		Title:     title,
		Message:   message,
		Category:  category,
		EntityID:  entityID,
		CreatedAt: time.Now(),
	}
	if err := d.store.Insert(ctx, n); err != nil {
		d.logger.Error("notification insert failed",
			"user_id", userID, "category", category, "error", err)
		return
	}
	if d.publisher != nil {
		d.publisher.Publish(userID, n)
	}
}

// List returns a user's notifications, newest first.
func (d *Dispatcher) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	return d.store.ListByUser(ctx, userID, unreadOnly, limit)
}

// MarkRead marks one of the user's notifications read.
func (d *Dispatcher) MarkRead(ctx context.Context, id, userID string) error {
	return d.store.MarkRead(ctx, id, userID)
}

// MarkAllRead marks everything read for a user.
func (d *Dispatcher) MarkAllRead(ctx context.Context, userID string) error {
	return d.store.MarkAllRead(ctx, userID)
}

// CountUnread returns the user's unread badge count.
func (d *Dispatcher) CountUnread(ctx context.Context, userID string) (int, error) {
	return d.store.CountUnread(ctx, userID)
}
