package presence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"gigchat/internal/auth"
	"gigchat/internal/config"
	"gigchat/internal/conversation"
	"gigchat/internal/events"
	"gigchat/internal/message"
	"gigchat/internal/notification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	gateway  *Gateway
	convs    *conversation.Service
	ledger   *message.Ledger
	lastSeen *MemoryLastSeen
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()
	convs := conversation.NewService(conversation.NewMemoryStore(), log)
	lastSeen := NewMemoryLastSeen()
	g := NewGateway(NewRegistry(), lastSeen, convs, config.Presence{SendBuffer: 16}, log)
	notes := notification.NewService(notification.NewMemoryStore(), g, &events.Recorder{}, log)
	ledger := message.NewLedger(message.NewMemoryStore(), convs, notes, g, &events.Recorder{}, nil, log)
	g.SetMessenger(ledger)
	return &fixture{gateway: g, convs: convs, ledger: ledger, lastSeen: lastSeen}
}

func (f *fixture) connect(userID, connID string) *fakeHandle {
	h := newFakeHandle(connID)
	f.gateway.Connect(context.Background(), userID, h)
	return h
}

func (f *fixture) frame(t *testing.T, h *fakeHandle, userID, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(Frame{Type: typ, Payload: raw})
	require.NoError(t, err)
	f.gateway.HandleFrame(context.Background(), auth.Identity{UserID: userID, Role: auth.RoleUser}, h, data)
}

func decode[T any](t *testing.T, f Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Payload, &v))
	return v
}

func TestGateway_SendToUser(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.gateway.SendToUser("bob", "ping", nil))

	h1 := f.connect("bob", "b1")
	h2 := f.connect("bob", "b2")
	require.Len(t, h1.received(t, EventConnected), 1)

	assert.True(t, f.gateway.SendToUser("bob", "hello", map[string]string{"k": "v"}))
	for _, h := range []*fakeHandle{h1, h2} {
		frames := h.received(t, "hello")
		require.Len(t, frames, 1)
		assert.Equal(t, map[string]string{"k": "v"}, decode[map[string]string](t, frames[0]))
		assert.NotZero(t, frames[0].TS)
	}

	// A connection that cannot keep up is dropped; the others still get the push.
	h1.fail = true
	assert.True(t, f.gateway.SendToUser("bob", "hello", nil))
	assert.True(t, h1.isClosed())
	assert.Len(t, f.gateway.Registry().Handles("bob"), 1)

	h2.fail = true
	assert.False(t, f.gateway.SendToUser("bob", "hello", nil))
	assert.False(t, f.gateway.Registry().IsOnline("bob"))
}

func TestGateway_PresenceLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.convs.FindOrCreate(ctx, []string{"alice", "bob"}, conversation.Tags{})
	require.NoError(t, err)

	alice := f.connect("alice", "a1")
	bob := f.connect("bob", "b1")

	changes := alice.received(t, EventPresenceChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, PresenceChange{UserID: "bob", Status: StatusOnline}, decode[PresenceChange](t, changes[0]))

	// A second connection does not announce again.
	bob2 := f.connect("bob", "b2")
	assert.Len(t, alice.received(t, EventPresenceChanged), 1)

	info, err := f.gateway.Presence(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, info.Online)
	assert.Equal(t, StatusOnline, info.Status)

	f.gateway.Disconnect(ctx, "bob", bob)
	assert.Len(t, alice.received(t, EventPresenceChanged), 1)
	f.gateway.Disconnect(ctx, "bob", bob2)

	changes = alice.received(t, EventPresenceChanged)
	require.Len(t, changes, 2)
	offline := decode[PresenceChange](t, changes[1])
	assert.Equal(t, StatusOffline, offline.Status)
	require.NotNil(t, offline.LastSeen)

	info, err = f.gateway.Presence(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, info.Online)
	assert.Equal(t, StatusOffline, info.Status)
	require.NotNil(t, info.LastSeen)
	assert.WithinDuration(t, *offline.LastSeen, *info.LastSeen, time.Millisecond)

	info, err = f.gateway.Presence(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, info.LastSeen)
}

func TestGateway_Broadcast(t *testing.T) {
	f := newFixture(t)
	a := f.connect("alice", "a1")
	f.connect("bob", "b1")
	f.connect("bob", "b2")

	assert.Equal(t, 2, f.gateway.Broadcast(EventBroadcast, BroadcastPayload{Message: "maintenance at noon"}))
	frames := a.received(t, EventBroadcast)
	require.Len(t, frames, 1)
	assert.Equal(t, "maintenance at noon", decode[BroadcastPayload](t, frames[0]).Message)
}

func TestGateway_InboundFrames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect("alice", "a1")
	bob := f.connect("bob", "b1")

	t.Run("ping", func(t *testing.T) {
		f.frame(t, alice, "alice", "ping", struct{}{})
		assert.Len(t, alice.received(t, EventPong), 1)
	})

	t.Run("subscribe to own channel only", func(t *testing.T) {
		f.frame(t, alice, "alice", "subscribe", subscribeRequest{Channel: "user:alice"})
		assert.Len(t, alice.received(t, EventSubscribed), 1)

		f.frame(t, alice, "alice", "subscribe", subscribeRequest{Channel: "user:bob"})
		errs := alice.received(t, EventError)
		require.Len(t, errs, 1)
		assert.Equal(t, "PERMISSION_DENIED", decode[ErrorPayload](t, errs[0]).Code)
	})

	t.Run("malformed and unknown frames", func(t *testing.T) {
		f.gateway.HandleFrame(ctx, auth.Identity{UserID: "bob"}, bob, []byte("{nope"))
		f.frame(t, bob, "bob", "dance", struct{}{})
		errs := bob.received(t, EventError)
		require.Len(t, errs, 2)
		for _, e := range errs {
			assert.Equal(t, "INVALID_ARGUMENT", decode[ErrorPayload](t, e).Code)
		}
	})

	var sent MessageSentPayload
	t.Run("send message", func(t *testing.T) {
		f.frame(t, alice, "alice", "send_message", map[string]string{
			"recipient": "bob", "content": "Hello over the wire", "clientId": "c-1",
		})
		acks := alice.received(t, EventMessageSent)
		require.Len(t, acks, 1)
		sent = decode[MessageSentPayload](t, acks[0])
		assert.Equal(t, "c-1", sent.ClientID)
		assert.Equal(t, "alice", sent.Message.Sender)
		assert.True(t, sent.Delivered)

		assert.Len(t, bob.received(t, message.EventNewMessage), 1)
		assert.Len(t, bob.received(t, notification.EventNotification), 1)
	})

	t.Run("send message validation", func(t *testing.T) {
		f.frame(t, alice, "alice", "send_message", map[string]string{"recipient": "bob", "content": " ", "clientId": "c-2"})
		errs := alice.received(t, EventError)
		last := decode[ErrorPayload](t, errs[len(errs)-1])
		assert.Equal(t, "c-2", last.ClientID)
		assert.Equal(t, "INVALID_ARGUMENT", last.Code)
	})

	t.Run("system messages need an admin", func(t *testing.T) {
		f.frame(t, alice, "alice", "send_message", map[string]string{"recipient": "bob", "content": "x", "messageType": "system"})
		errs := alice.received(t, EventError)
		assert.Equal(t, "PERMISSION_DENIED", decode[ErrorPayload](t, errs[len(errs)-1]).Code)
	})

	t.Run("mark read", func(t *testing.T) {
		f.frame(t, bob, "bob", "mark_read", markReadRequest{MessageIDs: []string{sent.Message.ID}})
		marked := bob.received(t, EventMessagesMarked)
		require.Len(t, marked, 1)
		assert.Equal(t, MessagesMarkedPayload{Updated: 1, MessageIDs: []string{sent.Message.ID}}, decode[MessagesMarkedPayload](t, marked[0]))
		assert.Len(t, alice.received(t, message.EventMessagesRead), 1)
	})

	t.Run("typing", func(t *testing.T) {
		f.frame(t, alice, "alice", "typing_start", typingRequest{ConversationID: sent.ConversationID})
		typing := bob.received(t, EventTypingStart)
		require.Len(t, typing, 1)
		assert.Equal(t, TypingPayload{ConversationID: sent.ConversationID, UserID: "alice"}, decode[TypingPayload](t, typing[0]))
		assert.Empty(t, alice.received(t, EventTypingStart))

		f.frame(t, alice, "alice", "typing_end", typingRequest{ConversationID: sent.ConversationID})
		assert.Len(t, bob.received(t, EventTypingEnd), 1)

		carol := f.connect("carol", "c1")
		f.frame(t, carol, "carol", "typing_start", typingRequest{ConversationID: sent.ConversationID})
		errs := carol.received(t, EventError)
		require.Len(t, errs, 1)
		assert.Equal(t, "not authorized", decode[ErrorPayload](t, errs[0]).Message)
	})

	t.Run("status", func(t *testing.T) {
		f.frame(t, bob, "bob", "status", statusRequest{Status: StatusBusy})
		assert.Len(t, bob.received(t, EventStatusUpdated), 1)
		assert.Equal(t, StatusBusy, f.gateway.Registry().Status("bob"))

		changes := alice.received(t, EventPresenceChanged)
		assert.Equal(t, StatusBusy, decode[PresenceChange](t, changes[len(changes)-1]).Status)

		f.frame(t, bob, "bob", "status", statusRequest{Status: StatusOffline})
		errs := bob.received(t, EventError)
		assert.Equal(t, "INVALID_ARGUMENT", decode[ErrorPayload](t, errs[len(errs)-1]).Code)
	})
}
