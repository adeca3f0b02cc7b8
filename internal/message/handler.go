package message

import (
	"net/http"
	"net/url"

	"gigchat/internal/apperr"
	"gigchat/internal/auth"
	"gigchat/internal/conversation"
	"gigchat/internal/httpx"
	myMiddleware "gigchat/internal/middleware"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Handler struct {
	ledger *Ledger
	log    *zap.Logger
}

func NewHandler(ledger *Ledger, log *zap.Logger) *Handler {
	return &Handler{ledger: ledger, log: log}
}

type SendRequest struct {
	Recipient   string       `json:"recipient"`
	Content     string       `json:"content"`
	Type        Type         `json:"messageType"`
	Attachments []Attachment `json:"attachments"`
	Envelope    *Envelope    `json:"encryption"`
	conversation.Tags
}

// Command builds the send command for an authenticated caller. Only
// admins may author system messages.
func (req SendRequest) Command(id auth.Identity) (SendCommand, error) {
	if req.Type == TypeSystem && !id.IsAdmin() {
		return SendCommand{}, apperr.Forbidden("system messages are reserved for administrators")
	}
	return SendCommand{
		Sender:      id.UserID,
		Recipient:   req.Recipient,
		Content:     req.Content,
		Type:        req.Type,
		Attachments: req.Attachments,
		Envelope:    req.Envelope,
		Tags:        req.Tags,
	}, nil
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, h.log, apperr.Unauthenticated("missing identity"))
	}
	return id, ok
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req SendRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	cmd, err := req.Command(id)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	res, err := h.ledger.Send(r.Context(), cmd)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	status := http.StatusCreated
	if res.Pending {
		status = http.StatusAccepted
	}
	httpx.JSON(w, status, res)
}

type EditRequest struct {
	Content string `json:"content"`
}

func (h *Handler) Edit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req EditRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	m, err := h.ledger.Edit(r.Context(), chi.URLParam(r, "id"), id.UserID, req.Content)
	if err != nil {
		httpx.Error(w, h.log, apperr.Conceal(err))
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	if err := h.ledger.Delete(r.Context(), chi.URLParam(r, "id"), id.UserID); err != nil {
		httpx.Error(w, h.log, apperr.Conceal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func emojiParam(r *http.Request) string {
	raw := chi.URLParam(r, "emoji")
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func (h *Handler) AddReaction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	m, err := h.ledger.AddReaction(r.Context(), chi.URLParam(r, "id"), id.UserID, emojiParam(r))
	if err != nil {
		httpx.Error(w, h.log, apperr.Conceal(err))
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	m, err := h.ledger.RemoveReaction(r.Context(), chi.URLParam(r, "id"), id.UserID, emojiParam(r))
	if err != nil {
		httpx.Error(w, h.log, apperr.Conceal(err))
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

type MarkReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

type MarkReadResponse struct {
	Updated    int      `json:"updated"`
	MessageIDs []string `json:"messageIds"`
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req MarkReadRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	flipped, err := h.ledger.MarkRead(r.Context(), req.MessageIDs, id.UserID)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	ids := make([]string, len(flipped))
	for i, m := range flipped {
		ids[i] = m.ID
	}
	httpx.JSON(w, http.StatusOK, MarkReadResponse{Updated: len(ids), MessageIDs: ids})
}

type ScanRequest struct {
	Locator string     `json:"locator"`
	Status  ScanStatus `json:"status"`
}

// AnnotateScan is called by the attachment scanner. Admin only.
func (h *Handler) AnnotateScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	m, err := h.ledger.AnnotateScan(r.Context(), chi.URLParam(r, "id"), req.Locator, req.Status)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}
