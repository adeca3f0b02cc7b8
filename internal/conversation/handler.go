package conversation

import (
	"net/http"
	"strings"

	"gigchat/internal/apperr"
	"gigchat/internal/httpx"
	myMiddleware "gigchat/internal/middleware"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Handler struct {
	service *Service
	log     *zap.Logger
}

func NewHandler(service *Service, log *zap.Logger) *Handler {
	return &Handler{service: service, log: log}
}

type StartConversationRequest struct {
	Participants []string `json:"participants"`
	Tags
}

// StartConversation finds or creates the direct conversation between the
// caller and one other participant.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, h.log, apperr.Unauthenticated("missing identity"))
		return
	}

	var req StartConversationRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	others := make(map[string]struct{}, len(req.Participants))
	for _, p := range req.Participants {
		if p = strings.TrimSpace(p); p != "" && p != id.UserID {
			others[p] = struct{}{}
		}
	}
	if len(others) != 1 {
		httpx.Error(w, h.log, apperr.Validation("a conversation takes exactly one other participant"))
		return
	}

	participants := append([]string{id.UserID}, req.Participants...)
	c, err := h.service.FindOrCreate(r.Context(), participants, req.Tags)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, h.log, apperr.Unauthenticated("missing identity"))
		return
	}

	includeArchived := r.URL.Query().Get("archived") == "true"
	list, err := h.service.ListForUser(r.Context(), id.UserID, includeArchived)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	if list == nil {
		list = []*Conversation{}
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, h.log, apperr.Unauthenticated("missing identity"))
		return
	}

	c, err := h.service.GetForParticipant(r.Context(), chi.URLParam(r, "id"), id.UserID)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, h.log, apperr.Unauthenticated("missing identity"))
		return
	}

	c, err := h.service.Archive(r.Context(), chi.URLParam(r, "id"), id.UserID)
	if err != nil {
		httpx.Error(w, h.log, apperr.Conceal(err))
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}
