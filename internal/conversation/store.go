package conversation

import (
	"context"
	"time"
)

// Store persists conversations. Implementations must make FindOrCreate and
// ApplyMessage atomic: concurrent callers never observe two conversations
// for one participant key, and a message is applied at most once.
type Store interface {
	// FindOrCreate returns the conversation with c.Key, inserting c when none exists.
	FindOrCreate(ctx context.Context, c *Conversation) (*Conversation, bool, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	ListForUser(ctx context.Context, userID string, includeArchived bool) ([]*Conversation, error)
	// ApplyMessage records ref as the newest activity and bumps unread
	// counters. It reports false when ref was applied before. A message
	// settled through DecrementUnread before it is applied is never counted.
	ApplyMessage(ctx context.Context, conversationID string, ref MessageRef) (bool, error)
	ResetUnread(ctx context.Context, conversationID, userID string) error
	// DecrementUnread gives back one unit of userID's counter for each of
	// messageIDs that was counted. Ids not applied yet are settled instead.
	DecrementUnread(ctx context.Context, conversationID, userID string, messageIDs []string) error
	TotalUnread(ctx context.Context, userID string) (int, error)
	SetActive(ctx context.Context, conversationID string, active bool) error
	SetLastMessage(ctx context.Context, conversationID, messageID string, at *time.Time) error
	Counterparts(ctx context.Context, userID string) ([]string, error)
}
