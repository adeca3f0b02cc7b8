package conversation

import (
	"time"
)

type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Tags link a conversation to marketplace entities.
type Tags struct {
	RelatedJob      string `json:"relatedJob,omitempty"`
	RelatedContract string `json:"relatedContract,omitempty"`
}

type Conversation struct {
	ID            string         `json:"id"`
	Key           string         `json:"-"`
	Kind          Kind           `json:"kind"`
	Participants  []string       `json:"participants"`
	UnreadCounts  map[string]int `json:"unreadCounts"`
	LastMessageID string         `json:"lastMessageId,omitempty"`
	LastMessageAt *time.Time     `json:"lastMessageAt,omitempty"`
	Tags
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Counterparts returns every participant except userID.
func (c *Conversation) Counterparts(userID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

func (c *Conversation) UnreadFor(userID string) int {
	return c.UnreadCounts[userID]
}

func (c *Conversation) clone() *Conversation {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	cp.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		cp.UnreadCounts[k] = v
	}
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		cp.LastMessageAt = &t
	}
	return &cp
}

// MessageRef is what the aggregate needs to know about a newly stored message.
type MessageRef struct {
	ID        string
	Sender    string
	CreatedAt time.Time
	// CountUnread is false when the message was already read by the time
	// the update is applied, e.g. on a late retry.
	CountUnread bool
}
