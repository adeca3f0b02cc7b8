package presence

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gigchat/internal/auth"
	"gigchat/internal/config"
	"gigchat/internal/conversation"
	myMiddleware "gigchat/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestServeWs(t *testing.T) {
	log := zap.NewNop()
	convs := conversation.NewService(conversation.NewMemoryStore(), log)
	g := NewGateway(NewRegistry(), NewMemoryLastSeen(), convs, config.Presence{
		SendBuffer:     16,
		WriteWait:      time.Second,
		PongWait:       time.Minute,
		MaxMessageSize: 4096,
	}, log)
	authSvc := auth.NewService("test-secret", "")
	h := NewHandler(g, log)

	r := chi.NewRouter()
	r.With(myMiddleware.NewAuthMiddleware(authSvc).Handle).Get("/ws", h.ServeWs)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := authSvc.Issue("alice", auth.RoleUser, time.Hour)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, EventConnected, f.Type)
	assert.True(t, g.Registry().IsOnline("alice"))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping", "payload": map[string]any{}}))
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, EventPong, f.Type)

	handles := g.Registry().Handles("alice")
	require.Len(t, handles, 1)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return !g.Registry().IsOnline("alice") }, 5*time.Second, 10*time.Millisecond)

	// The read side shutting down closes the send queue, which ends the writer.
	assert.Eventually(t, func() bool {
		return errors.Is(handles[0].Push([]byte(`{}`)), ErrClosed)
	}, 5*time.Second, 10*time.Millisecond)
}
