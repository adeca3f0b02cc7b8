package presence

import (
	"context"
	"net/http"
	"strings"

	"gigchat/internal/apperr"
	"gigchat/internal/httpx"
	myMiddleware "gigchat/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers connect from the web app's origin; tokens, not cookies,
	// authenticate the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	gateway *Gateway
	log     *zap.Logger
}

func NewHandler(gateway *Gateway, log *zap.Logger) *Handler {
	return &Handler{gateway: gateway, log: log}
}

// ServeWs upgrades an authenticated request to the live channel.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, h.log, apperr.Unauthenticated("missing identity"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	// The connection outlives the request.
	ctx := context.WithoutCancel(r.Context())
	client := newClient(h.gateway, conn, id, h.gateway.cfg)
	h.gateway.Connect(ctx, id.UserID, client)

	go client.writePump()
	go client.readPump(ctx)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if _, ok := myMiddleware.IdentityFrom(r.Context()); !ok {
		httpx.Error(w, h.log, apperr.Unauthenticated("missing identity"))
		return
	}
	info, err := h.gateway.Presence(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, info)
}

// broadcastEvents are the frame types an announcement may carry. Ledger and
// presence events are reserved for the gateway.
var broadcastEvents = map[string]bool{
	EventBroadcast: true,
}

type BroadcastRequest struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

type BroadcastPayload struct {
	Message string `json:"message"`
	From    string `json:"from"`
}

// Broadcast pushes an administrator announcement to everyone online.
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, h.log, apperr.Unauthenticated("missing identity"))
		return
	}
	var req BroadcastRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		httpx.Error(w, h.log, apperr.Validation("message must not be empty"))
		return
	}
	event := req.Event
	if event == "" {
		event = EventBroadcast
	}
	if !broadcastEvents[event] {
		httpx.Error(w, h.log, apperr.Validationf("event %q cannot be broadcast", event))
		return
	}

	n := h.gateway.Broadcast(event, BroadcastPayload{Message: req.Message, From: id.UserID})
	h.log.Info("admin broadcast", zap.String("admin_id", id.UserID), zap.String("event", event), zap.Int("reached", n))
	httpx.JSON(w, http.StatusOK, map[string]int{"reached": n})
}
