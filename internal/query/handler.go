package query

import (
	"net/http"
	"strconv"
	"time"

	"gigchat/internal/apperr"
	"gigchat/internal/auth"
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

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, h.log, apperr.Unauthenticated("missing identity"))
	}
	return id, ok
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validationf("%s must be an integer", name)
	}
	return n, nil
}

func timeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, apperr.Validationf("%s must be an RFC 3339 timestamp", name)
	}
	return &t, nil
}

func boolParam(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, apperr.Validationf("%s must be true or false", name)
	}
	return &b, nil
}

// History serves GET /api/conversations/{id}/messages?limit=&before=
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	before, err := timeParam(r, "before")
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	page, err := h.service.History(r.Context(), chi.URLParam(r, "id"), id.UserID, limit, before)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

// Search serves GET /api/messages/search?q=&hasAttachments=&period=&senderId=&limit=
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	hasAttachments, err := boolParam(r, "hasAttachments")
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	q := r.URL.Query()
	results, err := h.service.Search(r.Context(), SearchQuery{
		RequesterID:    id.UserID,
		Text:           q.Get("q"),
		HasAttachments: hasAttachments,
		Period:         q.Get("period"),
		SenderID:       q.Get("senderId"),
		Limit:          limit,
	})
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	n, err := h.service.UnreadCount(r.Context(), id.UserID)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"unreadCount": n})
}
