package presence

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func newFakeHandle(id string) *fakeHandle { return &fakeHandle{id: id} }

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Push(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail || h.closed {
		return errors.New("queue full")
	}
	h.frames = append(h.frames, data)
	return nil
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// received decodes every frame pushed so far with the given type.
func (h *fakeHandle) received(t *testing.T, typ string) []Frame {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Frame
	for _, data := range h.frames {
		var f Frame
		require.NoError(t, json.Unmarshal(data, &f))
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a1, a2, b := newFakeHandle("a1"), newFakeHandle("a2"), newFakeHandle("b")

	assert.Equal(t, StatusOffline, r.Status("alice"))
	assert.True(t, r.Add("alice", a1))
	assert.False(t, r.Add("alice", a2))
	assert.True(t, r.Add("bob", b))
	assert.Equal(t, []string{"alice", "bob"}, r.Online())
	assert.Len(t, r.Handles("alice"), 2)
	assert.Equal(t, StatusOnline, r.Status("alice"))

	assert.True(t, r.SetStatus("alice", StatusAway))
	assert.Equal(t, StatusAway, r.Status("alice"))
	assert.False(t, r.SetStatus("carol", StatusBusy))

	assert.False(t, r.Remove("alice", a1))
	assert.False(t, r.Remove("alice", a1), "second removal is a no-op")
	assert.True(t, r.IsOnline("alice"))
	assert.True(t, r.Remove("alice", a2))
	assert.False(t, r.IsOnline("alice"))
	assert.Equal(t, StatusOffline, r.Status("alice"))

	assert.Equal(t, 1, r.Drain())
	assert.True(t, b.isClosed())
	assert.Empty(t, r.Online())
}

func TestStatusSettable(t *testing.T) {
	assert.True(t, StatusAway.Settable())
	assert.False(t, StatusOffline.Settable())
	assert.False(t, Status("invisible").Settable())
}
