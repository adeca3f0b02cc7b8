package conversation

import (
	"context"
	"time"

	"gigchat/internal/apperr"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrNotFound       = apperr.NotFound("conversation not found")
	ErrNotParticipant = apperr.Forbidden("not a participant of this conversation")
)

type Service struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func NewService(store Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log.Named("conversation"), now: time.Now}
}

// FindOrCreate returns the single conversation for the unordered participant
// set, creating it on first use. Concurrent callers with the same set always
// get the same conversation. Tags only apply when the conversation is created.
func (s *Service) FindOrCreate(ctx context.Context, participants []string, tags Tags) (*Conversation, error) {
	normalized, err := Normalize(participants)
	if err != nil {
		return nil, err
	}

	kind := KindDirect
	if len(normalized) > 2 {
		kind = KindGroup
	}
	now := s.now().UTC()
	c := &Conversation{
		ID:           uuid.NewString(),
		Key:          ParticipantKey(normalized),
		Kind:         kind,
		Participants: normalized,
		Tags:         tags,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	found, created, err := s.store.FindOrCreate(ctx, c)
	if err != nil {
		return nil, errors.Wrap(err, "conversation.FindOrCreate")
	}
	if created {
		s.log.Debug("conversation created", zap.String("conversation_id", found.ID), zap.Int("participants", len(normalized)))
	}
	return found, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return s.store.Get(ctx, id)
}

// GetForParticipant is Get restricted to members of the conversation.
func (s *Service) GetForParticipant(ctx context.Context, id, userID string) (*Conversation, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return c, nil
}

// RecordNewMessage moves the last-message pointer and bumps every other
// participant's unread counter. Applying the same message twice is a no-op.
func (s *Service) RecordNewMessage(ctx context.Context, conversationID string, ref MessageRef) (*Conversation, error) {
	applied, err := s.store.ApplyMessage(ctx, conversationID, ref)
	if err != nil {
		return nil, err
	}
	if !applied {
		s.log.Debug("message already applied", zap.String("message_id", ref.ID))
	}
	return s.store.Get(ctx, conversationID)
}

func (s *Service) ResetUnread(ctx context.Context, conversationID, userID string) error {
	return s.store.ResetUnread(ctx, conversationID, userID)
}

// DecrementUnread releases the unread units held by messageIDs for userID.
// Messages whose activity was never applied release nothing and are kept
// from counting later. The counter never drops below zero.
func (s *Service) DecrementUnread(ctx context.Context, conversationID, userID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return s.store.DecrementUnread(ctx, conversationID, userID, messageIDs)
}

func (s *Service) TotalUnreadFor(ctx context.Context, userID string) (int, error) {
	return s.store.TotalUnread(ctx, userID)
}

func (s *Service) ListForUser(ctx context.Context, userID string, includeArchived bool) ([]*Conversation, error) {
	return s.store.ListForUser(ctx, userID, includeArchived)
}

// Archive hides the conversation from default listings. The next message
// reactivates it.
func (s *Service) Archive(ctx context.Context, id, userID string) (*Conversation, error) {
	c, err := s.GetForParticipant(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetActive(ctx, c.ID, false); err != nil {
		return nil, err
	}
	c.IsActive = false
	return c, nil
}

// RepointLastMessage replaces the last-message pointer, used when the
// message it referenced was deleted. An empty id clears it.
func (s *Service) RepointLastMessage(ctx context.Context, conversationID, messageID string, at *time.Time) error {
	return s.store.SetLastMessage(ctx, conversationID, messageID, at)
}

// Counterparts lists everyone who shares at least one conversation with userID.
func (s *Service) Counterparts(ctx context.Context, userID string) ([]string, error) {
	return s.store.Counterparts(ctx, userID)
}
