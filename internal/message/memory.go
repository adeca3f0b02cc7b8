package message

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memOutbox struct {
	entry     OutboxEntry
	completed bool
}

// MemoryStore keeps messages in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]*Message
	outbox   map[string]*memOutbox
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
		outbox:   make(map[string]*memOutbox),
	}
}

func (s *MemoryStore) Create(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m.clone()
	s.outbox[m.ID] = &memOutbox{entry: OutboxEntry{MessageID: m.ID, CreatedAt: m.CreatedAt}}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.clone(), nil
}

func (s *MemoryStore) UpdateContent(_ context.Context, id, content string, editedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Content = content
	m.EditedAt = &editedAt
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.messages, id)
	delete(s.outbox, id)
	return m, nil
}

func (s *MemoryStore) AddReaction(_ context.Context, id string, r Reaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	for _, existing := range m.Reactions {
		if existing.UserID == r.UserID && existing.Emoji == r.Emoji {
			return false, nil
		}
	}
	m.Reactions = append(m.Reactions, r)
	return true, nil
}

func (s *MemoryStore) RemoveReaction(_ context.Context, id, userID, emoji string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	for i, existing := range m.Reactions {
		if existing.UserID == userID && existing.Emoji == emoji {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) markRead(m *Message, at time.Time) *Message {
	t := at
	m.Read = ReadStatus{IsRead: true, ReadAt: &t}
	return m.clone()
}

func (s *MemoryStore) MarkRead(_ context.Context, ids []string, reader string, at time.Time) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok || m.Recipient != reader || m.Read.IsRead {
			continue
		}
		out = append(out, s.markRead(m, at))
	}
	return out, nil
}

func (s *MemoryStore) MarkConversationRead(_ context.Context, conversationID, reader string, at time.Time) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID || m.Recipient != reader || m.Read.IsRead {
			continue
		}
		out = append(out, s.markRead(m, at))
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) SetScanStatus(_ context.Context, id, locator string, status ScanStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	for i := range m.Attachments {
		if m.Attachments[i].Locator == locator {
			m.Attachments[i].ScanStatus = status
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListConversation(_ context.Context, conversationID string, before *time.Time, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, m.clone())
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Search(_ context.Context, f SearchFilter) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := strings.ToLower(f.Text)
	var out []*Message
	for _, m := range s.messages {
		if !m.HasParty(f.Participant) {
			continue
		}
		if text != "" && !strings.Contains(strings.ToLower(m.Content), text) {
			continue
		}
		if f.HasAttachments != nil && (len(m.Attachments) > 0) != *f.HasAttachments {
			continue
		}
		if f.Since != nil && m.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Sender != "" && m.Sender != f.Sender {
			continue
		}
		out = append(out, m.clone())
	}
	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) PendingOutbox(_ context.Context, olderThan time.Time, maxAttempts, limit int) ([]OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboxEntry
	for _, o := range s.outbox {
		if o.completed || o.entry.CreatedAt.After(olderThan) {
			continue
		}
		if maxAttempts > 0 && o.entry.Attempts >= maxAttempts {
			continue
		}
		out = append(out, o.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CompleteOutbox(_ context.Context, messageID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.outbox[messageID]; ok {
		o.completed = true
	}
	return nil
}

func (s *MemoryStore) FailOutbox(_ context.Context, messageID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.outbox[messageID]; ok {
		o.entry.Attempts++
		o.entry.LastError = reason
	}
	return nil
}

func sortNewestFirst(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID > msgs[j].ID
		}
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
}
