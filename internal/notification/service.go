package notification

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"gigchat/internal/events"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventNotification is the live event carrying a new notification.
const EventNotification = "notification"

type Deliverer interface {
	SendToUser(userID, event string, payload any) bool
}

type Service struct {
	store    Store
	delivery Deliverer
	events   events.Publisher
	log      *zap.Logger
	now      func() time.Time
}

func NewService(store Store, delivery Deliverer, pub events.Publisher, log *zap.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{store: store, delivery: delivery, events: pub, log: log.Named("notification"), now: time.Now}
}

// Draft is a notification before it is stored.
type Draft struct {
	Recipient     string
	Type          Type
	Title         string
	Content       string
	Priority      Priority
	ActionURL     string
	RelatedEntity *RelatedEntity
}

func (d *Draft) validate() error {
	if strings.TrimSpace(d.Recipient) == "" {
		return ErrRecipient
	}
	if !d.Type.Valid() {
		return ErrInvalidType
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(d.Title)); n == 0 || n > maxTitleLength {
		return ErrTitle
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(d.Content)); n == 0 || n > maxContentLength {
		return ErrContent
	}
	if d.Priority == "" {
		d.Priority = PriorityMedium
	}
	if !d.Priority.Valid() {
		return ErrPriority
	}
	return nil
}

// Create stores a notification and pushes it to the recipient if online.
// The record is written whether or not the push lands. Repeating a draft
// with the same related entity returns the existing record.
func (s *Service) Create(ctx context.Context, d Draft) (*Notification, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}

	n := &Notification{
		ID:            uuid.NewString(),
		Recipient:     d.Recipient,
		Type:          d.Type,
		Title:         d.Title,
		Content:       d.Content,
		Priority:      d.Priority,
		ActionURL:     d.ActionURL,
		RelatedEntity: d.RelatedEntity,
		CreatedAt:     s.now().UTC(),
	}
	stored, created, err := s.store.CreateOnce(ctx, n)
	if err != nil {
		return nil, err
	}
	if !created {
		return stored, nil
	}

	if !s.delivery.SendToUser(stored.Recipient, EventNotification, stored) {
		s.log.Debug("recipient offline, notification kept for pull", zap.String("recipient", stored.Recipient))
	}
	if err := s.events.Publish(ctx, events.SubjectNotificationCreated, stored.ID, stored); err != nil {
		s.log.Warn("publish notification event", zap.String("notification_id", stored.ID), zap.Error(err))
	}
	return stored, nil
}

// OnMessageReceived derives the recipient's message_received notification.
func (s *Service) OnMessageReceived(ctx context.Context, ev MessageEvent) (*Notification, error) {
	content := ev.Preview
	if strings.TrimSpace(content) == "" {
		content = "You have a new message"
	}
	return s.Create(ctx, Draft{
		Recipient:     ev.Recipient,
		Type:          TypeMessageReceived,
		Title:         "New message",
		Content:       content,
		Priority:      PriorityMedium,
		ActionURL:     "/conversations/" + ev.ConversationID,
		RelatedEntity: &RelatedEntity{Type: "message", ID: ev.MessageID},
	})
}

// SendSystem delivers an administrator notice to one user.
func (s *Service) SendSystem(ctx context.Context, notice SystemNotice) (*Notification, error) {
	priority := notice.Priority
	if priority == "" {
		priority = PriorityHigh
	}
	return s.Create(ctx, Draft{
		Recipient: notice.Recipient,
		Type:      TypeSystemAlert,
		Title:     notice.Title,
		Content:   notice.Content,
		Priority:  priority,
		ActionURL: notice.ActionURL,
	})
}

func (s *Service) get(ctx context.Context, id string) (*Notification, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return s.store.Get(ctx, id)
}

// MarkRead flags the notification read. Only its recipient may do so.
func (s *Service) MarkRead(ctx context.Context, id, userID string) (*Notification, error) {
	n, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Recipient != userID {
		return nil, ErrNotRecipient
	}
	if n.Read.IsRead {
		return n, nil
	}
	at := s.now().UTC()
	if err := s.store.MarkRead(ctx, id, at); err != nil {
		return nil, err
	}
	n.Read = ReadStatus{IsRead: true, ReadAt: &at}
	return n, nil
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) (int, error) {
	return s.store.MarkAllRead(ctx, userID, s.now().UTC())
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type Page struct {
	Notifications []*Notification `json:"notifications"`
	// NextCursor is the createdAt of the oldest returned item when more may follow.
	NextCursor *time.Time `json:"nextCursor,omitempty"`
}

func (s *Service) List(ctx context.Context, userID string, unreadOnly bool, limit int, before *time.Time) (*Page, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	list, err := s.store.List(ctx, ListFilter{Recipient: userID, UnreadOnly: unreadOnly, Before: before, Limit: limit})
	if err != nil {
		return nil, err
	}
	page := &Page{Notifications: list}
	if page.Notifications == nil {
		page.Notifications = []*Notification{}
	}
	if len(list) == limit {
		last := list[len(list)-1].CreatedAt
		page.NextCursor = &last
	}
	return page, nil
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.store.UnreadCount(ctx, userID)
}
