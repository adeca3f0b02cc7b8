package message

import (
	"context"
	"time"
)

// OutboxEntry tracks the derived updates of one message until they are applied.
type OutboxEntry struct {
	MessageID string
	Attempts  int
	LastError string
	CreatedAt time.Time
}

type SearchFilter struct {
	// Participant scopes results to messages sent or received by this user.
	Participant    string
	Text           string
	HasAttachments *bool
	Since          *time.Time
	Sender         string
	Limit          int
}

type Store interface {
	// Create stores m and a pending outbox entry for it atomically.
	Create(ctx context.Context, m *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error
	// Delete removes the message and returns it as it was.
	Delete(ctx context.Context, id string) (*Message, error)
	AddReaction(ctx context.Context, id string, r Reaction) (bool, error)
	RemoveReaction(ctx context.Context, id, userID, emoji string) (bool, error)
	// MarkRead flips the listed messages addressed to reader and returns
	// only those that changed.
	MarkRead(ctx context.Context, ids []string, reader string, at time.Time) ([]*Message, error)
	MarkConversationRead(ctx context.Context, conversationID, reader string, at time.Time) ([]*Message, error)
	SetScanStatus(ctx context.Context, id, locator string, status ScanStatus) (bool, error)
	// ListConversation returns up to limit messages older than before,
	// newest first. A nil before starts from the newest message.
	ListConversation(ctx context.Context, conversationID string, before *time.Time, limit int) ([]*Message, error)
	Search(ctx context.Context, f SearchFilter) ([]*Message, error)

	PendingOutbox(ctx context.Context, olderThan time.Time, maxAttempts, limit int) ([]OutboxEntry, error)
	CompleteOutbox(ctx context.Context, messageID string, at time.Time) error
	FailOutbox(ctx context.Context, messageID, reason string) error
}
