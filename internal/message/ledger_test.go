package message

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"gigchat/internal/apperr"
	"gigchat/internal/config"
	"gigchat/internal/conversation"
	"gigchat/internal/events"
	"gigchat/internal/notification"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type push struct {
	user    string
	event   string
	payload any
}

type fakeDelivery struct {
	mu     sync.Mutex
	online map[string]bool
	pushes []push
}

func (f *fakeDelivery) SendToUser(userID, event string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online[userID] {
		return false
	}
	f.pushes = append(f.pushes, push{userID, event, payload})
	return true
}

func (f *fakeDelivery) setOnline(user string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[user] = on
}

func (f *fakeDelivery) eventsFor(user, event string) []push {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []push
	for _, p := range f.pushes {
		if p.user == user && p.event == event {
			out = append(out, p)
		}
	}
	return out
}

// flakyConversations fails RecordNewMessage while fail is set.
type flakyConversations struct {
	*conversation.Service
	mu   sync.Mutex
	fail bool
}

func (f *flakyConversations) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *flakyConversations) RecordNewMessage(ctx context.Context, id string, ref conversation.MessageRef) (*conversation.Conversation, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return nil, errors.New("store unavailable")
	}
	return f.Service.RecordNewMessage(ctx, id, ref)
}

// stepClock advances a millisecond on every reading.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type fixture struct {
	ledger   *Ledger
	store    *MemoryStore
	convs    *flakyConversations
	notes    *notification.Service
	delivery *fakeDelivery
	events   *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()
	delivery := &fakeDelivery{online: make(map[string]bool)}
	rec := &events.Recorder{}
	convs := &flakyConversations{Service: conversation.NewService(conversation.NewMemoryStore(), log)}
	notes := notification.NewService(notification.NewMemoryStore(), delivery, rec, log)
	store := NewMemoryStore()
	clock := &stepClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	return &fixture{
		ledger:   NewLedger(store, convs, notes, delivery, rec, NewClock(clock.now), log),
		store:    store,
		convs:    convs,
		notes:    notes,
		delivery: delivery,
		events:   rec,
	}
}

func (f *fixture) send(t *testing.T, from, to, content string) *SendResult {
	t.Helper()
	res, err := f.ledger.Send(context.Background(), SendCommand{Sender: from, Recipient: to, Content: content})
	require.NoError(t, err)
	return res
}

func (f *fixture) unread(t *testing.T, conversationID, user string) int {
	t.Helper()
	c, err := f.convs.Get(context.Background(), conversationID)
	require.NoError(t, err)
	return c.UnreadFor(user)
}

func TestLedger_SendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		cmd  SendCommand
		want error
	}{
		{"empty content", SendCommand{Sender: "alice", Recipient: "bob", Content: ""}, ErrContentRequired},
		{"blank content", SendCommand{Sender: "alice", Recipient: "bob", Content: "  \n "}, ErrContentRequired},
		{"too long", SendCommand{Sender: "alice", Recipient: "bob", Content: strings.Repeat("é", MaxContentLength+1)}, ErrContentTooLong},
		{"missing recipient", SendCommand{Sender: "alice", Content: "hi"}, ErrRecipientMissing},
		{"self message", SendCommand{Sender: "alice", Recipient: "alice", Content: "hi"}, ErrSelfMessage},
		{"unknown type", SendCommand{Sender: "alice", Recipient: "bob", Content: "hi", Type: "sticker"}, ErrInvalidType},
		{"too many attachments", SendCommand{Sender: "alice", Recipient: "bob", Content: "hi", Attachments: make([]Attachment, MaxAttachments+1)}, ErrTooManyFiles},
		{"bad envelope", SendCommand{Sender: "alice", Recipient: "bob", Content: "hi", Envelope: &Envelope{Scheme: "x25519"}}, ErrInvalidEnvelope},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.ledger.Send(ctx, tc.cmd)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	t.Run("bad attachment", func(t *testing.T) {
		_, err := f.ledger.Send(ctx, SendCommand{Sender: "alice", Recipient: "bob", Content: "hi",
			Attachments: []Attachment{{Kind: "hologram", Name: "a", Locator: "s3://a"}}})
		assert.True(t, apperr.IsCode(err, apperr.CodeInvalidArgument))
	})

	t.Run("max length is accepted", func(t *testing.T) {
		_, err := f.ledger.Send(ctx, SendCommand{Sender: "alice", Recipient: "bob", Content: strings.Repeat("é", MaxContentLength)})
		assert.NoError(t, err)
	})
}

func TestLedger_SendAndDeliver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.delivery.setOnline("bob", true)

	first := f.send(t, "alice", "bob", "Hello")
	assert.True(t, first.Delivered)
	assert.False(t, first.Pending)
	assert.Equal(t, TypeText, first.Message.Type)
	assert.Equal(t, map[string]int{"alice": 0, "bob": 1}, first.Conversation.UnreadCounts)
	assert.Equal(t, first.Message.ID, first.Conversation.LastMessageID)

	require.NotNil(t, first.Notification)
	assert.Equal(t, "bob", first.Notification.Recipient)
	assert.Equal(t, notification.TypeMessageReceived, first.Notification.Type)
	assert.Equal(t, &notification.RelatedEntity{Type: "message", ID: first.Message.ID}, first.Notification.RelatedEntity)

	newMsgs := f.delivery.eventsFor("bob", EventNewMessage)
	require.Len(t, newMsgs, 1)
	payload := newMsgs[0].payload.(NewMessagePayload)
	assert.Equal(t, 1, payload.UnreadCount)

	f.delivery.setOnline("bob", false)
	second := f.send(t, "alice", "bob", "Still there?")
	assert.False(t, second.Delivered)
	assert.NotNil(t, second.Notification)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
	assert.Equal(t, 2, second.Conversation.UnreadFor("bob"))

	count, err := f.notes.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.Len(t, f.events.Events(events.SubjectMessageCreated), 2)
	assert.True(t, second.Message.CreatedAt.After(first.Message.CreatedAt))
}

func TestLedger_OutboxRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.delivery.setOnline("bob", true)

	// Create the conversation first so only the derived update fails.
	f.send(t, "alice", "bob", "warm up")
	f.convs.setFail(true)

	res := f.send(t, "alice", "bob", "during outage")
	assert.True(t, res.Pending)
	assert.False(t, res.Delivered)
	assert.Nil(t, res.Notification)

	stored, err := f.ledger.Get(ctx, res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, "during outage", stored.Content)
	assert.Equal(t, 1, f.unread(t, res.Conversation.ID, "bob"))

	relay := NewRelay(f.ledger, config.Outbox{Interval: time.Second, BatchSize: 10, MaxAttempts: 5}, zap.NewNop())

	done, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, done)

	f.convs.setFail(false)
	done, err = relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, 2, f.unread(t, res.Conversation.ID, "bob"))
	assert.Len(t, f.delivery.eventsFor("bob", EventNewMessage), 2)

	count, err := f.notes.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	done, err = relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, done)
	assert.Equal(t, 2, f.unread(t, res.Conversation.ID, "bob"))
}

// A message whose derived updates are still pending never held a unit of the
// counter, so reading or deleting it must not take one from another message.
func TestLedger_SettleWhilePending(t *testing.T) {
	ctx := context.Background()
	outbox := config.Outbox{Interval: time.Second, BatchSize: 10, MaxAttempts: 5}

	setup := func(t *testing.T) (*fixture, *SendResult, *SendResult) {
		f := newFixture(t)
		applied := f.send(t, "alice", "bob", "applied")
		f.convs.setFail(true)
		pending := f.send(t, "alice", "bob", "pending")
		require.True(t, pending.Pending)
		f.convs.setFail(false)
		return f, applied, pending
	}

	t.Run("mark read", func(t *testing.T) {
		f, applied, pending := setup(t)
		flipped, err := f.ledger.MarkRead(ctx, []string{pending.Message.ID}, "bob")
		require.NoError(t, err)
		require.Len(t, flipped, 1)
		assert.Equal(t, 1, f.unread(t, applied.Conversation.ID, "bob"))

		_, err = NewRelay(f.ledger, outbox, zap.NewNop()).Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, f.unread(t, applied.Conversation.ID, "bob"))

		_, err = f.ledger.MarkRead(ctx, []string{applied.Message.ID}, "bob")
		require.NoError(t, err)
		assert.Equal(t, 0, f.unread(t, applied.Conversation.ID, "bob"))
	})

	t.Run("delete", func(t *testing.T) {
		f, applied, pending := setup(t)
		require.NoError(t, f.ledger.Delete(ctx, pending.Message.ID, "alice"))
		assert.Equal(t, 1, f.unread(t, applied.Conversation.ID, "bob"))

		_, err := NewRelay(f.ledger, outbox, zap.NewNop()).Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, f.unread(t, applied.Conversation.ID, "bob"))
	})

	t.Run("read conversation", func(t *testing.T) {
		f, applied, _ := setup(t)
		_, err := f.ledger.ReadConversation(ctx, applied.Conversation.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, 0, f.unread(t, applied.Conversation.ID, "bob"))

		_, err = NewRelay(f.ledger, outbox, zap.NewNop()).Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, f.unread(t, applied.Conversation.ID, "bob"))

		f.send(t, "alice", "bob", "after")
		assert.Equal(t, 1, f.unread(t, applied.Conversation.ID, "bob"))
	})
}

func TestLedger_OutboxGivesUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, "alice", "bob", "warm up")
	f.convs.setFail(true)
	f.send(t, "alice", "bob", "stuck")

	relay := NewRelay(f.ledger, config.Outbox{Interval: time.Second, BatchSize: 10, MaxAttempts: 2}, zap.NewNop())
	for i := 0; i < 3; i++ {
		_, err := relay.Drain(ctx)
		require.NoError(t, err)
	}
	pending, err := f.store.PendingOutbox(ctx, time.Now(), 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "store unavailable")
}

func TestLedger_Edit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.delivery.setOnline("bob", true)
	res := f.send(t, "alice", "bob", "helo")

	t.Run("not found", func(t *testing.T) {
		_, err := f.ledger.Edit(ctx, uuid.NewString(), "alice", "hello")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("not the sender", func(t *testing.T) {
		_, err := f.ledger.Edit(ctx, res.Message.ID, "bob", "hello")
		assert.ErrorIs(t, err, ErrNotSender)
	})

	t.Run("empty content", func(t *testing.T) {
		_, err := f.ledger.Edit(ctx, res.Message.ID, "alice", " ")
		assert.ErrorIs(t, err, ErrContentRequired)
	})

	t.Run("sender", func(t *testing.T) {
		m, err := f.ledger.Edit(ctx, res.Message.ID, "alice", "hello")
		require.NoError(t, err)
		assert.Equal(t, "hello", m.Content)
		require.NotNil(t, m.EditedAt)
		assert.Equal(t, res.Message.CreatedAt, m.CreatedAt)
		assert.Equal(t, res.Message.ID, m.ID)
		assert.Len(t, f.delivery.eventsFor("bob", EventMessageEdited), 1)
	})
}

func TestLedger_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.delivery.setOnline("bob", true)

	first := f.send(t, "alice", "bob", "one")
	second := f.send(t, "alice", "bob", "two")
	convID := first.Conversation.ID
	require.Equal(t, 2, f.unread(t, convID, "bob"))

	err := f.ledger.Delete(ctx, second.Message.ID, "bob")
	assert.ErrorIs(t, err, ErrNotSender)

	require.NoError(t, f.ledger.Delete(ctx, second.Message.ID, "alice"))
	_, err = f.ledger.Get(ctx, second.Message.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	c, err := f.convs.Get(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.UnreadFor("bob"))
	assert.Equal(t, first.Message.ID, c.LastMessageID)
	assert.Len(t, f.delivery.eventsFor("bob", EventMessageDeleted), 1)

	err = f.ledger.Delete(ctx, second.Message.ID, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedger_Reactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.delivery.setOnline("alice", true)
	res := f.send(t, "alice", "bob", "deal?")
	id := res.Message.ID

	m, err := f.ledger.AddReaction(ctx, id, "bob", "👍")
	require.NoError(t, err)
	require.Len(t, m.Reactions, 1)

	m, err = f.ledger.AddReaction(ctx, id, "bob", "👍")
	require.NoError(t, err)
	assert.Len(t, m.Reactions, 1)
	assert.Len(t, f.delivery.eventsFor("alice", EventReactionAdded), 1)

	m, err = f.ledger.AddReaction(ctx, id, "alice", "👍")
	require.NoError(t, err)
	assert.Len(t, m.Reactions, 2)

	m, err = f.ledger.RemoveReaction(ctx, id, "bob", "🎉")
	require.NoError(t, err)
	assert.Len(t, m.Reactions, 2)

	m, err = f.ledger.RemoveReaction(ctx, id, "bob", "👍")
	require.NoError(t, err)
	require.Len(t, m.Reactions, 1)
	assert.Equal(t, "alice", m.Reactions[0].UserID)
	assert.Len(t, f.delivery.eventsFor("alice", EventReactionRemoved), 1)

	_, err = f.ledger.AddReaction(ctx, id, "mallory", "👍")
	assert.ErrorIs(t, err, ErrNotParty)

	_, err = f.ledger.AddReaction(ctx, id, "bob", " ")
	assert.ErrorIs(t, err, ErrInvalidEmoji)
}

func TestLedger_MarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.delivery.setOnline("alice", true)

	a := f.send(t, "alice", "bob", "one")
	b := f.send(t, "alice", "bob", "two")
	reply := f.send(t, "bob", "alice", "back at you")
	convID := a.Conversation.ID

	t.Run("validation", func(t *testing.T) {
		_, err := f.ledger.MarkRead(ctx, nil, "bob")
		assert.ErrorIs(t, err, ErrNoMessageIDs)
		_, err = f.ledger.MarkRead(ctx, []string{"nope"}, "bob")
		assert.ErrorIs(t, err, ErrInvalidMessageID)
	})

	t.Run("only messages addressed to the reader flip", func(t *testing.T) {
		flipped, err := f.ledger.MarkRead(ctx, []string{a.Message.ID, reply.Message.ID, a.Message.ID}, "bob")
		require.NoError(t, err)
		require.Len(t, flipped, 1)
		assert.Equal(t, a.Message.ID, flipped[0].ID)
		assert.Equal(t, 1, f.unread(t, convID, "bob"))
		assert.Equal(t, 1, f.unread(t, convID, "alice"))

		receipts := f.delivery.eventsFor("alice", EventMessagesRead)
		require.Len(t, receipts, 1)
		assert.Equal(t, []string{a.Message.ID}, receipts[0].payload.(ReadReceipt).MessageIDs)
	})

	t.Run("second mark is a no-op", func(t *testing.T) {
		flipped, err := f.ledger.MarkRead(ctx, []string{a.Message.ID}, "bob")
		require.NoError(t, err)
		assert.Empty(t, flipped)
		assert.Equal(t, 1, f.unread(t, convID, "bob"))
	})

	t.Run("read whole conversation", func(t *testing.T) {
		flipped, err := f.ledger.ReadConversation(ctx, convID, "bob")
		require.NoError(t, err)
		require.Len(t, flipped, 1)
		assert.Equal(t, b.Message.ID, flipped[0].ID)
		assert.Equal(t, 0, f.unread(t, convID, "bob"))
	})
}

func TestLedger_AnnotateScan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.ledger.Send(ctx, SendCommand{
		Sender: "alice", Recipient: "bob", Content: "see attached", Type: TypeFile,
		Attachments: []Attachment{{Kind: AttachmentDocument, Name: "brief.pdf", Locator: "s3://bucket/brief.pdf", Size: 1024}},
	})
	require.NoError(t, err)
	assert.Equal(t, ScanPending, res.Message.Attachments[0].ScanStatus)

	m, err := f.ledger.AnnotateScan(ctx, res.Message.ID, "s3://bucket/brief.pdf", ScanClean)
	require.NoError(t, err)
	assert.Equal(t, ScanClean, m.Attachments[0].ScanStatus)

	_, err = f.ledger.AnnotateScan(ctx, res.Message.ID, "s3://bucket/other", ScanClean)
	assert.ErrorIs(t, err, ErrAttachmentNotFound)

	_, err = f.ledger.AnnotateScan(ctx, res.Message.ID, "s3://bucket/brief.pdf", "maybe")
	assert.ErrorIs(t, err, ErrInvalidScan)
}

// The unread counter always equals the number of unread messages addressed
// to the participant, whatever the order of sends and reads.
func TestLedger_UnreadMatchesLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	users := []string{"alice", "bob"}

	var convID string
	var sent []*Message
	for i := 0; i < 200; i++ {
		switch rng.Intn(4) {
		case 0, 1:
			from := users[rng.Intn(2)]
			to := users[1-indexOf(users, from)]
			res := f.send(t, from, to, "msg")
			convID = res.Conversation.ID
			sent = append(sent, res.Message)
		case 2:
			if len(sent) == 0 {
				continue
			}
			pick := sent[rng.Intn(len(sent))]
			_, err := f.ledger.MarkRead(ctx, []string{pick.ID}, users[rng.Intn(2)])
			require.NoError(t, err)
		case 3:
			if convID == "" {
				continue
			}
			_, err := f.ledger.ReadConversation(ctx, convID, users[rng.Intn(2)])
			require.NoError(t, err)
		}

		if convID == "" {
			continue
		}
		for _, u := range users {
			want := 0
			for _, m := range sent {
				stored, err := f.store.Get(ctx, m.ID)
				require.NoError(t, err)
				if stored.Recipient == u && !stored.Read.IsRead {
					want++
				}
			}
			require.Equal(t, want, f.unread(t, convID, u), "step %d user %s", i, u)
		}
	}
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func TestClock(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewClock(func() time.Time { return fixed })

	a := c.Next()
	b := c.Next()
	assert.Equal(t, fixed, a)
	assert.Equal(t, fixed.Add(time.Microsecond), b)
	assert.Equal(t, fixed, c.Wall())
}
