package presence

import (
	"encoding/json"
	"time"
)

// Events owned by the gateway itself.
const (
	EventConnected       = "connected"
	EventPresenceChanged = "presence_changed"
	EventPong            = "pong"
	EventSubscribed      = "subscribed"
	EventStatusUpdated   = "status_updated"
	EventMessageSent     = "message_sent"
	EventMessagesMarked  = "messages_marked"
	EventTypingStart     = "typing_start"
	EventTypingEnd       = "typing_end"
	EventError           = "error"
	EventBroadcast       = "broadcast"
)

// Inbound frame types.
const (
	framePing        = "ping"
	frameSubscribe   = "subscribe"
	frameStatus      = "status"
	frameSendMessage = "send_message"
	frameMarkRead    = "mark_read"
	frameTypingStart = "typing_start"
	frameTypingEnd   = "typing_end"
)

// Frame is the envelope of every message on the live channel.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      int64           `json:"ts"`
}

type outFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	TS      int64  `json:"ts"`
}

func encodeFrame(event string, payload any, at time.Time) ([]byte, error) {
	return json.Marshal(outFrame{Type: event, Payload: payload, TS: at.UnixMilli()})
}

type ErrorPayload struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	ClientID string `json:"clientId,omitempty"`
}

type ConnectedPayload struct {
	UserID string `json:"userId"`
	Status Status `json:"status"`
}

type PresenceChange struct {
	UserID   string     `json:"userId"`
	Status   Status     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type subscribeRequest struct {
	Channel string `json:"channel"`
}

type statusRequest struct {
	Status Status `json:"status"`
}

type markReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

type typingRequest struct {
	ConversationID string `json:"conversationId"`
}
