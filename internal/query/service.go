package query

import (
	"context"
	"strings"
	"time"

	"gigchat/internal/apperr"
	"gigchat/internal/conversation"
	"gigchat/internal/message"

	"go.uber.org/zap"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Search periods.
const (
	PeriodToday = "today"
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

var ErrInvalidPeriod = apperr.Validation("period must be today, week or month")

type Messages interface {
	ListConversation(ctx context.Context, conversationID string, before *time.Time, limit int) ([]*message.Message, error)
	Search(ctx context.Context, f message.SearchFilter) ([]*message.Message, error)
}

// Reader applies the read side effect of opening a conversation.
type Reader interface {
	ReadConversation(ctx context.Context, conversationID, readerID string) ([]*message.Message, error)
}

type Conversations interface {
	Get(ctx context.Context, id string) (*conversation.Conversation, error)
	GetForParticipant(ctx context.Context, id, userID string) (*conversation.Conversation, error)
	TotalUnreadFor(ctx context.Context, userID string) (int, error)
}

type Service struct {
	messages      Messages
	reader        Reader
	conversations Conversations
	now           func() time.Time
	loc           *time.Location
	log           *zap.Logger
}

func NewService(messages Messages, reader Reader, conversations Conversations, log *zap.Logger) *Service {
	return &Service{
		messages:      messages,
		reader:        reader,
		conversations: conversations,
		now:           time.Now,
		loc:           time.Local,
		log:           log.Named("query"),
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

type HistoryPage struct {
	Messages []*message.Message `json:"messages"`
	// NextCursor is the creation time of the oldest message returned when
	// the page is full. Pass it back as before to load older messages.
	NextCursor *time.Time `json:"nextCursor"`
}

// History returns one page of a conversation, newest first. Opening a
// conversation reads it: every unread message addressed to the requester
// is marked read and their counter there is reset.
func (s *Service) History(ctx context.Context, conversationID, requesterID string, limit int, before *time.Time) (*HistoryPage, error) {
	c, err := s.conversations.GetForParticipant(ctx, conversationID, requesterID)
	if err != nil {
		return nil, err
	}

	limit = clampLimit(limit)
	msgs, err := s.messages.ListConversation(ctx, c.ID, before, limit)
	if err != nil {
		return nil, err
	}

	flipped, err := s.reader.ReadConversation(ctx, c.ID, requesterID)
	if err != nil {
		return nil, err
	}
	if len(flipped) > 0 {
		read := make(map[string]message.ReadStatus, len(flipped))
		for _, m := range flipped {
			read[m.ID] = m.Read
		}
		for _, m := range msgs {
			if st, ok := read[m.ID]; ok {
				m.Read = st
			}
		}
	}

	page := &HistoryPage{Messages: msgs}
	if len(msgs) == limit {
		cursor := msgs[len(msgs)-1].CreatedAt
		page.NextCursor = &cursor
	}
	if page.Messages == nil {
		page.Messages = []*message.Message{}
	}
	return page, nil
}

type SearchQuery struct {
	RequesterID    string
	Text           string
	HasAttachments *bool
	Period         string
	SenderID       string
	Limit          int
}

// ConversationRef is how a search hit names the conversation it belongs to.
type ConversationRef struct {
	ID           string            `json:"id"`
	Kind         conversation.Kind `json:"kind"`
	Counterparts []string          `json:"counterparts"`
}

type SearchResult struct {
	*message.Message
	Conversation *ConversationRef `json:"conversation"`
}

// since turns a period name into a lower bound on creation time.
func (s *Service) since(period string) (*time.Time, error) {
	now := s.now().In(s.loc)
	var t time.Time
	switch period {
	case "":
		return nil, nil
	case PeriodToday:
		y, m, d := now.Date()
		t = time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	case PeriodWeek:
		t = now.AddDate(0, 0, -7)
	case PeriodMonth:
		t = now.AddDate(0, -1, 0)
	default:
		return nil, ErrInvalidPeriod
	}
	return &t, nil
}

// Search finds messages the requester sent or received.
func (s *Service) Search(ctx context.Context, q SearchQuery) ([]SearchResult, error) {
	if q.RequesterID == "" {
		return nil, apperr.Unauthenticated("requester is required")
	}
	since, err := s.since(strings.ToLower(strings.TrimSpace(q.Period)))
	if err != nil {
		return nil, err
	}

	msgs, err := s.messages.Search(ctx, message.SearchFilter{
		Participant:    q.RequesterID,
		Text:           strings.TrimSpace(q.Text),
		HasAttachments: q.HasAttachments,
		Since:          since,
		Sender:         strings.TrimSpace(q.SenderID),
		Limit:          clampLimit(q.Limit),
	})
	if err != nil {
		return nil, err
	}

	refs := make(map[string]*ConversationRef)
	out := make([]SearchResult, 0, len(msgs))
	for _, m := range msgs {
		ref, ok := refs[m.ConversationID]
		if !ok {
			ref = s.conversationRef(ctx, m, q.RequesterID)
			refs[m.ConversationID] = ref
		}
		out = append(out, SearchResult{Message: m, Conversation: ref})
	}
	return out, nil
}

func (s *Service) conversationRef(ctx context.Context, m *message.Message, requesterID string) *ConversationRef {
	c, err := s.conversations.Get(ctx, m.ConversationID)
	if err != nil {
		s.log.Warn("annotate search result", zap.String("conversation_id", m.ConversationID), zap.Error(err))
		return &ConversationRef{ID: m.ConversationID, Kind: conversation.KindDirect, Counterparts: []string{m.Other(requesterID)}}
	}
	return &ConversationRef{ID: c.ID, Kind: c.Kind, Counterparts: c.Counterparts(requesterID)}
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.conversations.TotalUnreadFor(ctx, userID)
}
