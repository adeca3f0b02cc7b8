package presence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gigchat/internal/apperr"
	"gigchat/internal/auth"
	"gigchat/internal/config"
	"gigchat/internal/conversation"
	"gigchat/internal/message"

	"go.uber.org/zap"
)

type Conversations interface {
	GetForParticipant(ctx context.Context, id, userID string) (*conversation.Conversation, error)
	// Counterparts lists everyone sharing a conversation with userID.
	Counterparts(ctx context.Context, userID string) ([]string, error)
}

// Messenger accepts messaging commands arriving over the live channel.
type Messenger interface {
	Send(ctx context.Context, cmd message.SendCommand) (*message.SendResult, error)
	MarkRead(ctx context.Context, ids []string, readerID string) ([]*message.Message, error)
}

type PresenceInfo struct {
	UserID   string     `json:"userId"`
	Status   Status     `json:"status"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// Gateway pushes events to live connections and serves the inbound side of
// the live channel. Pushes are best effort: a connection that cannot take
// a frame is dropped and the caller never sees an error.
type Gateway struct {
	registry      *Registry
	lastSeen      LastSeenStore
	conversations Conversations
	messenger     Messenger
	cfg           config.Presence
	now           func() time.Time
	log           *zap.Logger
}

func NewGateway(registry *Registry, lastSeen LastSeenStore, conversations Conversations, cfg config.Presence, log *zap.Logger) *Gateway {
	return &Gateway{
		registry:      registry,
		lastSeen:      lastSeen,
		conversations: conversations,
		cfg:           cfg,
		now:           time.Now,
		log:           log.Named("presence"),
	}
}

// SetMessenger wires the message ledger in. The ledger delivers through the
// gateway, so the two are linked after construction.
func (g *Gateway) SetMessenger(m Messenger) {
	g.messenger = m
}

func (g *Gateway) Registry() *Registry { return g.registry }

// SendToUser pushes event to every live connection of userID and reports
// whether at least one accepted it.
func (g *Gateway) SendToUser(userID, event string, payload any) bool {
	handles := g.registry.Handles(userID)
	if len(handles) == 0 {
		return false
	}
	data, err := encodeFrame(event, payload, g.now())
	if err != nil {
		g.log.Error("encode frame", zap.String("event", event), zap.Error(err))
		return false
	}

	delivered := false
	for _, h := range handles {
		if err := h.Push(data); err != nil {
			g.log.Warn("dropping connection",
				zap.String("user_id", userID),
				zap.String("conn_id", h.ID()),
				zap.Error(err))
			g.drop(userID, h)
			continue
		}
		delivered = true
	}
	return delivered
}

// Broadcast pushes event to every connected user and returns how many were reached.
func (g *Gateway) Broadcast(event string, payload any) int {
	n := 0
	for _, userID := range g.registry.Online() {
		if g.SendToUser(userID, event, payload) {
			n++
		}
	}
	return n
}

func (g *Gateway) drop(userID string, h Handle) {
	h.Close()
	g.Disconnect(context.Background(), userID, h)
}

// Connect registers a new live connection. The first connection of a user
// turns them online for their counterparts.
func (g *Gateway) Connect(ctx context.Context, userID string, h Handle) {
	first := g.registry.Add(userID, h)
	g.reply(userID, h, EventConnected, ConnectedPayload{UserID: userID, Status: g.registry.Status(userID)})
	g.log.Debug("connection registered", zap.String("user_id", userID), zap.String("conn_id", h.ID()))
	if first {
		g.announce(ctx, userID, StatusOnline, nil)
	}
}

// Disconnect unregisters h. When it was the user's last connection the
// user goes offline and their last-seen time is recorded.
func (g *Gateway) Disconnect(ctx context.Context, userID string, h Handle) {
	if !g.registry.Remove(userID, h) {
		return
	}
	at := g.now().UTC()
	if err := g.lastSeen.Touch(ctx, userID, at); err != nil {
		g.log.Warn("record last seen", zap.String("user_id", userID), zap.Error(err))
	}
	g.announce(ctx, userID, StatusOffline, &at)
}

func (g *Gateway) announce(ctx context.Context, userID string, status Status, lastSeen *time.Time) {
	counterparts, err := g.conversations.Counterparts(ctx, userID)
	if err != nil {
		g.log.Warn("load presence audience", zap.String("user_id", userID), zap.Error(err))
		return
	}
	change := PresenceChange{UserID: userID, Status: status, LastSeen: lastSeen}
	for _, other := range counterparts {
		g.SendToUser(other, EventPresenceChanged, change)
	}
}

// Presence reports the live status of userID, or when they were last seen.
func (g *Gateway) Presence(ctx context.Context, userID string) (*PresenceInfo, error) {
	info := &PresenceInfo{
		UserID: userID,
		Status: g.registry.Status(userID),
		Online: g.registry.IsOnline(userID),
	}
	if info.Online {
		return info, nil
	}
	seen, err := g.lastSeen.LastSeen(ctx, userID)
	if err != nil {
		return nil, err
	}
	info.LastSeen = seen
	return info, nil
}

// reply pushes a frame to a single connection.
func (g *Gateway) reply(userID string, h Handle, event string, payload any) {
	data, err := encodeFrame(event, payload, g.now())
	if err != nil {
		g.log.Error("encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	if err := h.Push(data); err != nil {
		g.drop(userID, h)
	}
}

func (g *Gateway) replyError(userID string, h Handle, err error, clientID string) {
	p := ErrorPayload{Code: string(apperr.CodeOf(err)), Message: err.Error(), ClientID: clientID}
	var ae *apperr.AppError
	switch {
	case apperr.IsCode(err, apperr.CodeInternal):
		g.log.Error("live request failed", zap.String("user_id", userID), zap.Error(err))
		p.Code = string(apperr.CodeInternal)
		p.Message = "internal error"
	case errors.As(err, &ae):
		p.Message = ae.Message
	}
	g.reply(userID, h, EventError, p)
}

type MessageSentPayload struct {
	ClientID       string           `json:"clientId,omitempty"`
	Message        *message.Message `json:"message"`
	ConversationID string           `json:"conversationId"`
	Delivered      bool             `json:"delivered"`
	Pending        bool             `json:"pending"`
}

type sendMessageRequest struct {
	message.SendRequest
	ClientID string `json:"clientId"`
}

type MessagesMarkedPayload struct {
	Updated    int      `json:"updated"`
	MessageIDs []string `json:"messageIds"`
}

var (
	errMalformedFrame = apperr.Validation("malformed frame")
	errUnknownFrame   = apperr.Validation("unknown frame type")
	errBadStatus      = apperr.Validation("status must be online, away or busy")
	errNoConversation = apperr.Validation("conversationId is required")
	errChannel        = apperr.Forbidden("cannot subscribe to this channel")
)

// HandleFrame dispatches one inbound frame from a connection of id.
func (g *Gateway) HandleFrame(ctx context.Context, id auth.Identity, h Handle, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		g.replyError(id.UserID, h, errMalformedFrame, "")
		return
	}

	switch f.Type {
	case framePing:
		g.reply(id.UserID, h, EventPong, nil)

	case frameSubscribe:
		var req subscribeRequest
		if err := decodePayload(f.Payload, &req); err != nil {
			g.replyError(id.UserID, h, err, "")
			return
		}
		if req.Channel != UserChannel(id.UserID) {
			g.replyError(id.UserID, h, errChannel, "")
			return
		}
		g.reply(id.UserID, h, EventSubscribed, req)

	case frameStatus:
		var req statusRequest
		if err := decodePayload(f.Payload, &req); err != nil {
			g.replyError(id.UserID, h, err, "")
			return
		}
		if !req.Status.Settable() {
			g.replyError(id.UserID, h, errBadStatus, "")
			return
		}
		g.registry.SetStatus(id.UserID, req.Status)
		g.reply(id.UserID, h, EventStatusUpdated, req)
		g.announce(ctx, id.UserID, req.Status, nil)

	case frameSendMessage:
		g.handleSend(ctx, id, h, f.Payload)

	case frameMarkRead:
		var req markReadRequest
		if err := decodePayload(f.Payload, &req); err != nil {
			g.replyError(id.UserID, h, err, "")
			return
		}
		flipped, err := g.messenger.MarkRead(ctx, req.MessageIDs, id.UserID)
		if err != nil {
			g.replyError(id.UserID, h, err, "")
			return
		}
		ids := make([]string, 0, len(flipped))
		for _, m := range flipped {
			ids = append(ids, m.ID)
		}
		g.reply(id.UserID, h, EventMessagesMarked, MessagesMarkedPayload{Updated: len(ids), MessageIDs: ids})

	case frameTypingStart, frameTypingEnd:
		var req typingRequest
		if err := decodePayload(f.Payload, &req); err != nil {
			g.replyError(id.UserID, h, err, "")
			return
		}
		if err := g.relayTyping(ctx, id.UserID, req.ConversationID, f.Type); err != nil {
			g.replyError(id.UserID, h, err, "")
		}

	default:
		g.replyError(id.UserID, h, errUnknownFrame, "")
	}
}

func (g *Gateway) handleSend(ctx context.Context, id auth.Identity, h Handle, payload json.RawMessage) {
	var req sendMessageRequest
	if err := decodePayload(payload, &req); err != nil {
		g.replyError(id.UserID, h, err, "")
		return
	}
	cmd, err := req.Command(id)
	if err != nil {
		g.replyError(id.UserID, h, err, req.ClientID)
		return
	}
	res, err := g.messenger.Send(ctx, cmd)
	if err != nil {
		g.replyError(id.UserID, h, err, req.ClientID)
		return
	}
	g.reply(id.UserID, h, EventMessageSent, MessageSentPayload{
		ClientID:       req.ClientID,
		Message:        res.Message,
		ConversationID: res.Message.ConversationID,
		Delivered:      res.Delivered,
		Pending:        res.Pending,
	})
}

func (g *Gateway) relayTyping(ctx context.Context, userID, conversationID, event string) error {
	if conversationID == "" {
		return errNoConversation
	}
	c, err := g.conversations.GetForParticipant(ctx, conversationID, userID)
	if err != nil {
		return apperr.Conceal(err)
	}
	p := TypingPayload{ConversationID: c.ID, UserID: userID}
	for _, other := range c.Counterparts(userID) {
		g.SendToUser(other, event, p)
	}
	return nil
}

// UserChannel is the only channel a connection may subscribe to.
func UserChannel(userID string) string { return "user:" + userID }

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errMalformedFrame
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "malformed payload", err)
	}
	return nil
}
