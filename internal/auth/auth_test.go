package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateToken(t *testing.T) {
	svc := NewService("secret", "gigchat")

	t.Run("round trip", func(t *testing.T) {
		tok, err := svc.Issue("user-1", RoleAdmin, time.Minute)
		require.NoError(t, err)

		id, err := svc.ValidateToken(tok)
		require.NoError(t, err)
		assert.Equal(t, "user-1", id.UserID)
		assert.True(t, id.IsAdmin())
	})

	t.Run("role defaults to user", func(t *testing.T) {
		tok, err := svc.Issue("user-2", "", time.Minute)
		require.NoError(t, err)

		id, err := svc.ValidateToken(tok)
		require.NoError(t, err)
		assert.Equal(t, RoleUser, id.Role)
	})

	t.Run("expired", func(t *testing.T) {
		tok, err := svc.Issue("user-1", RoleUser, -time.Minute)
		require.NoError(t, err)
		_, err = svc.ValidateToken(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		tok, err := NewService("other", "gigchat").Issue("user-1", RoleUser, time.Minute)
		require.NoError(t, err)
		_, err = svc.ValidateToken(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		tok, err := NewService("secret", "elsewhere").Issue("user-1", RoleUser, time.Minute)
		require.NoError(t, err)
		_, err = svc.ValidateToken(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("unknown role", func(t *testing.T) {
		tok, err := svc.Issue("user-1", Role("root"), time.Minute)
		require.NoError(t, err)
		_, err = svc.ValidateToken(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing subject", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
			RegisteredClaims: jwt.RegisteredClaims{Issuer: "gigchat", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
		}).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = svc.ValidateToken(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.ValidateToken("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
