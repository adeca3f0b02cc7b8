package notification

import (
	"net/http"
	"strconv"
	"time"

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

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, h.log, apperr.Unauthenticated("missing identity"))
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	var before *time.Time
	if raw := q.Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			httpx.Error(w, h.log, apperr.Validation("before must be an RFC3339 timestamp"))
			return
		}
		before = &t
	}

	page, err := h.service.List(r.Context(), id.UserID, q.Get("unread") == "true", limit, before)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, h.log, apperr.Unauthenticated("missing identity"))
		return
	}
	count, err := h.service.UnreadCount(r.Context(), id.UserID)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"unreadCount": count})
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, h.log, apperr.Unauthenticated("missing identity"))
		return
	}
	n, err := h.service.MarkRead(r.Context(), chi.URLParam(r, "id"), id.UserID)
	if err != nil {
		httpx.Error(w, h.log, apperr.Conceal(err))
		return
	}
	httpx.JSON(w, http.StatusOK, n)
}

func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, h.log, apperr.Unauthenticated("missing identity"))
		return
	}
	n, err := h.service.MarkAllRead(r.Context(), id.UserID)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"updated": n})
}

// SendSystem is the admin-only targeted notice.
func (h *Handler) SendSystem(w http.ResponseWriter, r *http.Request) {
	var notice SystemNotice
	if err := httpx.Decode(r, &notice); err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	n, err := h.service.SendSystem(r.Context(), notice)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, n)
}
