package notification

import (
	"context"
	"time"
)

type ListFilter struct {
	Recipient  string
	UnreadOnly bool
	Before     *time.Time
	Limit      int
}

type Store interface {
	// CreateOnce inserts n unless a notification with the same recipient,
	// type and related entity exists; it returns the stored record and
	// whether it was created now.
	CreateOnce(ctx context.Context, n *Notification) (*Notification, bool, error)
	Get(ctx context.Context, id string) (*Notification, error)
	List(ctx context.Context, f ListFilter) ([]*Notification, error)
	UnreadCount(ctx context.Context, recipient string) (int, error)
	MarkRead(ctx context.Context, id string, at time.Time) error
	MarkAllRead(ctx context.Context, recipient string, at time.Time) (int, error)
}
