package myMiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gigchat/internal/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoIdentity(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		require.True(t, ok)
		w.Header().Set("X-User", id.UserID)
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuthMiddleware(t *testing.T) {
	svc := auth.NewService("secret", "")
	am := NewAuthMiddleware(svc)
	tok, err := svc.Issue("alice", auth.RoleUser, time.Minute)
	require.NoError(t, err)

	t.Run("bearer header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/messages", nil)
		r.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		am.Handle(echoIdentity(t)).ServeHTTP(rec, r)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "alice", rec.Header().Get("X-User"))
	})

	t.Run("query param", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil)
		rec := httptest.NewRecorder()
		am.Handle(echoIdentity(t)).ServeHTTP(rec, r)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		am.Handle(echoIdentity(t)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bad token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		am.Handle(echoIdentity(t)).ServeHTTP(rec, r)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := RequireRole(auth.RoleAdmin)(ok)

	r := httptest.NewRequest(http.MethodPost, "/api/admin/broadcast", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r.WithContext(WithIdentity(r.Context(), auth.Identity{UserID: "u", Role: auth.RoleUser})))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r.WithContext(WithIdentity(r.Context(), auth.Identity{UserID: "a", Role: auth.RoleAdmin})))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
