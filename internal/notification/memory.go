package notification

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Notification)}
}

func sameSubject(a, b *Notification) bool {
	if a.Recipient != b.Recipient || a.Type != b.Type {
		return false
	}
	if a.RelatedEntity == nil || b.RelatedEntity == nil {
		return false
	}
	return *a.RelatedEntity == *b.RelatedEntity
}

func (s *MemoryStore) CreateOnce(_ context.Context, n *Notification) (*Notification, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.items {
		if sameSubject(existing, n) {
			return existing.clone(), false, nil
		}
	}
	s.items[n.ID] = n.clone()
	return n.clone(), true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n.clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Notification
	for _, n := range s.items {
		if n.Recipient != f.Recipient {
			continue
		}
		if f.UnreadOnly && n.Read.IsRead {
			continue
		}
		if f.Before != nil && !n.CreatedAt.Before(*f.Before) {
			continue
		}
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, recipient string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.items {
		if n.Recipient == recipient && !n.Read.IsRead {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	if !n.Read.IsRead {
		n.Read = ReadStatus{IsRead: true, ReadAt: &at}
	}
	return nil
}

func (s *MemoryStore) MarkAllRead(_ context.Context, recipient string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.items {
		if n.Recipient == recipient && !n.Read.IsRead {
			t := at
			n.Read = ReadStatus{IsRead: true, ReadAt: &t}
			count++
		}
	}
	return count, nil
}
