package message

import (
	"context"
	"time"

	"gigchat/internal/conversation"
	"gigchat/internal/events"
	"gigchat/internal/notification"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Events pushed to live connections.
const (
	EventNewMessage      = "new_message"
	EventMessageEdited   = "message_edited"
	EventMessageDeleted  = "message_deleted"
	EventReactionAdded   = "reaction_added"
	EventReactionRemoved = "reaction_removed"
	EventMessagesRead    = "messages_read"
)

// Deliverer pushes an event to every live connection of a user. It never
// blocks on the network and reports whether any connection accepted it.
type Deliverer interface {
	SendToUser(userID, event string, payload any) bool
}

type Conversations interface {
	FindOrCreate(ctx context.Context, participants []string, tags conversation.Tags) (*conversation.Conversation, error)
	Get(ctx context.Context, id string) (*conversation.Conversation, error)
	RecordNewMessage(ctx context.Context, conversationID string, ref conversation.MessageRef) (*conversation.Conversation, error)
	ResetUnread(ctx context.Context, conversationID, userID string) error
	DecrementUnread(ctx context.Context, conversationID, userID string, messageIDs []string) error
	RepointLastMessage(ctx context.Context, conversationID, messageID string, at *time.Time) error
}

type Notifier interface {
	OnMessageReceived(ctx context.Context, ev notification.MessageEvent) (*notification.Notification, error)
}

type Ledger struct {
	store         Store
	conversations Conversations
	notifier      Notifier
	delivery      Deliverer
	events        events.Publisher
	clock         *Clock
	log           *zap.Logger
}

func NewLedger(store Store, conversations Conversations, notifier Notifier, delivery Deliverer, pub events.Publisher, clock *Clock, log *zap.Logger) *Ledger {
	if clock == nil {
		clock = NewClock(nil)
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Ledger{
		store:         store,
		conversations: conversations,
		notifier:      notifier,
		delivery:      delivery,
		events:        pub,
		clock:         clock,
		log:           log.Named("ledger"),
	}
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*Message, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	return l.store.Get(ctx, id)
}

// Send stores a new message in the conversation between sender and
// recipient, then applies the derived updates: the conversation's last
// message and unread counters, and the recipient's notification. Those
// updates are tracked in the outbox, so a failure here leaves the message
// stored and the relay finishes the job.
func (l *Ledger) Send(ctx context.Context, cmd SendCommand) (*SendResult, error) {
	cmd.normalize()
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	conv, err := l.conversations.FindOrCreate(ctx, []string{cmd.Sender, cmd.Recipient}, cmd.Tags)
	if err != nil {
		return nil, err
	}

	m := &Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Sender:         cmd.Sender,
		Recipient:      cmd.Recipient,
		Content:        cmd.Content,
		Type:           cmd.Type,
		Attachments:    nonNilAttachments(cmd.Attachments),
		Envelope:       cmd.Envelope,
		Tags:           cmd.Tags,
		Reactions:      []Reaction{},
		CreatedAt:      l.clock.Next(),
	}
	if err := l.store.Create(ctx, m); err != nil {
		return nil, errors.Wrap(err, "ledger.Send.Create")
	}

	res := &SendResult{Message: m, Conversation: conv}
	updated, n, err := l.applyEffects(ctx, m)
	if err != nil {
		l.log.Warn("derived updates deferred to outbox", zap.String("message_id", m.ID), zap.Error(err))
		if ferr := l.store.FailOutbox(ctx, m.ID, err.Error()); ferr != nil {
			l.log.Warn("record outbox failure", zap.String("message_id", m.ID), zap.Error(ferr))
		}
		res.Pending = true
		return res, nil
	}

	res.Conversation = updated
	res.Notification = n
	res.Delivered = l.pushNew(m, updated)
	return res, nil
}

// applyEffects is idempotent per message id and safe to repeat.
func (l *Ledger) applyEffects(ctx context.Context, m *Message) (*conversation.Conversation, *notification.Notification, error) {
	conv, err := l.conversations.RecordNewMessage(ctx, m.ConversationID, conversation.MessageRef{
		ID:          m.ID,
		Sender:      m.Sender,
		CreatedAt:   m.CreatedAt,
		CountUnread: !m.Read.IsRead,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "record conversation activity")
	}

	n, err := l.notifier.OnMessageReceived(ctx, notification.MessageEvent{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Recipient:      m.Recipient,
		Preview:        preview(m.Content),
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "notify recipient")
	}

	if err := l.store.CompleteOutbox(ctx, m.ID, l.clock.Wall()); err != nil {
		return nil, nil, errors.Wrap(err, "complete outbox entry")
	}

	if err := l.events.Publish(ctx, events.SubjectMessageCreated, m.ID, m); err != nil {
		l.log.Warn("publish message event", zap.String("message_id", m.ID), zap.Error(err))
	}
	return conv, n, nil
}

type NewMessagePayload struct {
	Message        *Message `json:"message"`
	ConversationID string   `json:"conversationId"`
	UnreadCount    int      `json:"unreadCount"`
}

func (l *Ledger) pushNew(m *Message, conv *conversation.Conversation) bool {
	unread := 0
	if conv != nil {
		unread = conv.UnreadFor(m.Recipient)
	}
	return l.delivery.SendToUser(m.Recipient, EventNewMessage, NewMessagePayload{
		Message:        m,
		ConversationID: m.ConversationID,
		UnreadCount:    unread,
	})
}

// Edit replaces the content of a message. Only the sender may edit.
func (l *Ledger) Edit(ctx context.Context, id, editorID, content string) (*Message, error) {
	m, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Sender != editorID {
		return nil, ErrNotSender
	}
	if err := validateContent(content); err != nil {
		return nil, err
	}

	editedAt := l.clock.Wall()
	if err := l.store.UpdateContent(ctx, id, content, editedAt); err != nil {
		return nil, err
	}
	m.Content = content
	m.EditedAt = &editedAt

	l.delivery.SendToUser(m.Recipient, EventMessageEdited, m)
	return m, nil
}

type DeletedPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// Delete removes a message. Only the sender may delete. An unread message
// gives back its unit of the recipient's unread counter, and the
// conversation's last-message pointer falls back to the newest survivor.
func (l *Ledger) Delete(ctx context.Context, id, requesterID string) error {
	m, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.Sender != requesterID {
		return ErrNotSender
	}

	deleted, err := l.store.Delete(ctx, id)
	if err != nil {
		return err
	}

	if !deleted.Read.IsRead {
		if err := l.conversations.DecrementUnread(ctx, deleted.ConversationID, deleted.Recipient, []string{deleted.ID}); err != nil {
			l.log.Warn("decrement unread after delete", zap.String("message_id", id), zap.Error(err))
		}
	}
	l.repointIfLast(ctx, deleted)

	l.delivery.SendToUser(deleted.Recipient, EventMessageDeleted, DeletedPayload{
		MessageID:      deleted.ID,
		ConversationID: deleted.ConversationID,
	})
	return nil
}

func (l *Ledger) repointIfLast(ctx context.Context, deleted *Message) {
	conv, err := l.conversations.Get(ctx, deleted.ConversationID)
	if err != nil || conv.LastMessageID != deleted.ID {
		return
	}
	latest, err := l.store.ListConversation(ctx, deleted.ConversationID, nil, 1)
	if err != nil {
		l.log.Warn("load latest message", zap.String("conversation_id", conv.ID), zap.Error(err))
		return
	}
	var (
		nextID string
		nextAt *time.Time
	)
	if len(latest) > 0 {
		nextID = latest[0].ID
		at := latest[0].CreatedAt
		nextAt = &at
	}
	if err := l.conversations.RepointLastMessage(ctx, conv.ID, nextID, nextAt); err != nil {
		l.log.Warn("repoint last message", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
}

type ReactionPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Emoji          string `json:"emoji"`
}

// AddReaction adds (emoji, userID) to the message. Adding the same pair
// twice leaves a single reaction.
func (l *Ledger) AddReaction(ctx context.Context, id, userID, emoji string) (*Message, error) {
	return l.react(ctx, id, userID, emoji, true)
}

func (l *Ledger) RemoveReaction(ctx context.Context, id, userID, emoji string) (*Message, error) {
	return l.react(ctx, id, userID, emoji, false)
}

func (l *Ledger) react(ctx context.Context, id, userID, emoji string, add bool) (*Message, error) {
	emoji, err := validateEmoji(emoji)
	if err != nil {
		return nil, err
	}
	m, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.HasParty(userID) {
		return nil, ErrNotParty
	}

	var changed bool
	event := EventReactionAdded
	if add {
		changed, err = l.store.AddReaction(ctx, id, Reaction{Emoji: emoji, UserID: userID, CreatedAt: l.clock.Wall()})
	} else {
		event = EventReactionRemoved
		changed, err = l.store.RemoveReaction(ctx, id, userID, emoji)
	}
	if err != nil {
		return nil, err
	}

	updated, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if changed {
		l.delivery.SendToUser(m.Other(userID), event, ReactionPayload{
			MessageID:      id,
			ConversationID: m.ConversationID,
			UserID:         userID,
			Emoji:          emoji,
		})
	}
	return updated, nil
}

type ReadReceipt struct {
	ConversationID string    `json:"conversationId"`
	MessageIDs     []string  `json:"messageIds"`
	ReaderID       string    `json:"readerId"`
	ReadAt         time.Time `json:"readAt"`
}

// MarkRead flips the listed messages addressed to readerID. Messages the
// reader did not receive, or already read, are ignored. Each conversation's
// unread counter drops by the flipped messages it had counted. Messages whose
// derived updates are still pending are settled so the relay never counts them.
func (l *Ledger) MarkRead(ctx context.Context, ids []string, readerID string) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, ErrNoMessageIDs
	}
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if !validID(id) {
			return nil, ErrInvalidMessageID
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	at := l.clock.Wall()
	flipped, err := l.store.MarkRead(ctx, unique, readerID, at)
	if err != nil {
		return nil, err
	}

	perConversation := make(map[string][]string)
	for _, m := range flipped {
		perConversation[m.ConversationID] = append(perConversation[m.ConversationID], m.ID)
	}
	for convID, ids := range perConversation {
		if err := l.conversations.DecrementUnread(ctx, convID, readerID, ids); err != nil {
			return nil, err
		}
	}

	l.sendReceipts(ctx, flipped, readerID, at)
	return flipped, nil
}

// ReadConversation marks every unread message addressed to readerID in the
// conversation as read and resets the reader's counter there.
func (l *Ledger) ReadConversation(ctx context.Context, conversationID, readerID string) ([]*Message, error) {
	at := l.clock.Wall()
	flipped, err := l.store.MarkConversationRead(ctx, conversationID, readerID, at)
	if err != nil {
		return nil, err
	}
	if err := l.conversations.DecrementUnread(ctx, conversationID, readerID, messageIDs(flipped)); err != nil {
		return nil, err
	}
	if err := l.conversations.ResetUnread(ctx, conversationID, readerID); err != nil {
		return nil, err
	}
	l.sendReceipts(ctx, flipped, readerID, at)
	return flipped, nil
}

func messageIDs(msgs []*Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func (l *Ledger) sendReceipts(ctx context.Context, flipped []*Message, readerID string, at time.Time) {
	if len(flipped) == 0 {
		return
	}
	type key struct{ sender, conversation string }
	grouped := make(map[key][]string)
	var order []key
	for _, m := range flipped {
		k := key{m.Sender, m.ConversationID}
		if _, ok := grouped[k]; !ok {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], m.ID)
	}
	for _, k := range order {
		receipt := ReadReceipt{ConversationID: k.conversation, MessageIDs: grouped[k], ReaderID: readerID, ReadAt: at}
		l.delivery.SendToUser(k.sender, EventMessagesRead, receipt)
		if err := l.events.Publish(ctx, events.SubjectMessageRead, uuid.NewString(), receipt); err != nil {
			l.log.Warn("publish read event", zap.Error(err))
		}
	}
}

// AnnotateScan records the scanner verdict for the attachment at locator.
func (l *Ledger) AnnotateScan(ctx context.Context, id, locator string, status ScanStatus) (*Message, error) {
	if !status.Valid() {
		return nil, ErrInvalidScan
	}
	if !validID(id) {
		return nil, ErrNotFound
	}
	found, err := l.store.SetScanStatus(ctx, id, locator, status)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrAttachmentNotFound
	}
	return l.store.Get(ctx, id)
}
