package conversation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps conversations in process memory. It backs the
// "memory" storage driver and the service tests.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*Conversation
	byKey   map[string]string
	applied map[string]*appliedMessage
	settled map[string]struct{}
}

// appliedMessage remembers whether a message still holds a unit of its
// recipients' unread counters.
type appliedMessage struct {
	conversationID string
	sender         string
	counted        bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Conversation),
		byKey:   make(map[string]string),
		applied: make(map[string]*appliedMessage),
		settled: make(map[string]struct{}),
	}
}

func (s *MemoryStore) FindOrCreate(_ context.Context, c *Conversation) (*Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[c.Key]; ok {
		return s.byID[id].clone(), false, nil
	}
	stored := c.clone()
	if stored.UnreadCounts == nil {
		stored.UnreadCounts = make(map[string]int, len(stored.Participants))
	}
	for _, p := range stored.Participants {
		stored.UnreadCounts[p] = 0
	}
	s.byID[stored.ID] = stored
	s.byKey[stored.Key] = stored.ID
	return stored.clone(), true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.clone(), nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userID string, includeArchived bool) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Conversation
	for _, c := range s.byID {
		if !c.HasParticipant(userID) || (!includeArchived && !c.IsActive) {
			continue
		}
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return lastActivity(out[i]).After(lastActivity(out[j]))
	})
	return out, nil
}

func lastActivity(c *Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func (s *MemoryStore) ApplyMessage(_ context.Context, conversationID string, ref MessageRef) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[conversationID]
	if !ok {
		return false, ErrNotFound
	}
	if _, done := s.applied[ref.ID]; done {
		return false, nil
	}
	am := &appliedMessage{conversationID: conversationID, sender: ref.Sender}
	s.applied[ref.ID] = am

	if c.LastMessageAt == nil || !ref.CreatedAt.Before(*c.LastMessageAt) {
		at := ref.CreatedAt
		c.LastMessageID = ref.ID
		c.LastMessageAt = &at
	}
	c.IsActive = true
	c.UpdatedAt = time.Now()
	if _, gone := s.settled[ref.ID]; ref.CountUnread && !gone {
		am.counted = true
		for _, p := range c.Participants {
			if p != ref.Sender {
				c.UnreadCounts[p]++
			}
		}
	}
	return true, nil
}

func (s *MemoryStore) ResetUnread(_ context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[conversationID]
	if !ok {
		return ErrNotFound
	}
	if !c.HasParticipant(userID) {
		return nil
	}
	c.UnreadCounts[userID] = 0
	for _, am := range s.applied {
		if am.conversationID == conversationID && am.sender != userID {
			am.counted = false
		}
	}
	return nil
}

func (s *MemoryStore) DecrementUnread(_ context.Context, conversationID, userID string, messageIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[conversationID]
	if !ok {
		return ErrNotFound
	}
	if !c.HasParticipant(userID) {
		return nil
	}
	n := 0
	for _, id := range messageIDs {
		am, ok := s.applied[id]
		switch {
		case !ok:
			s.settled[id] = struct{}{}
		case am.counted && am.conversationID == conversationID:
			am.counted = false
			n++
		}
	}
	v := c.UnreadCounts[userID] - n
	if v < 0 {
		v = 0
	}
	c.UnreadCounts[userID] = v
	return nil
}

func (s *MemoryStore) TotalUnread(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.byID {
		total += c.UnreadCounts[userID]
	}
	return total, nil
}

func (s *MemoryStore) SetActive(_ context.Context, conversationID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.IsActive = active
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetLastMessage(_ context.Context, conversationID, messageID string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.LastMessageID = messageID
	if at != nil {
		t := *at
		c.LastMessageAt = &t
	} else {
		c.LastMessageAt = nil
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Counterparts(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for _, c := range s.byID {
		if !c.HasParticipant(userID) {
			continue
		}
		for _, p := range c.Participants {
			if p != userID {
				seen[p] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
