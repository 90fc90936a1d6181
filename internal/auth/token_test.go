package auth

import (
	"testing"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

func TestIssueAndParse(t *testing.T) {
	m := NewTokenManager(testSecret, "wallet", "wallet-api", time.Hour)
	user := models.User{ID: uuid.New(), Username: "alice", RegionID: 2}

	token, expires, err := m.Issue(user)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	claims, err := m.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.UserID)
	assert.Equal(t, int32(2), claims.RegionID)
	assert.Equal(t, "alice", claims.Username)
}

func TestParseRejects(t *testing.T) {
	m := NewTokenManager(testSecret, "wallet", "wallet-api", time.Hour)
	user := models.User{ID: uuid.New(), Username: "alice", RegionID: 1}

	t.Run("wrong secret", func(t *testing.T) {
		other := NewTokenManager("another-secret-that-is-also-32-bytes!!", "wallet", "wallet-api", time.Hour)
		token, _, err := other.Issue(user)
		require.NoError(t, err)
		_, err = m.Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong audience", func(t *testing.T) {
		other := NewTokenManager(testSecret, "wallet", "someone-else", time.Hour)
		token, _, err := other.Issue(user)
		require.NoError(t, err)
		_, err = m.Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		past := NewTokenManager(testSecret, "wallet", "wallet-api", time.Minute)
		past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		token, _, err := past.Issue(user)
		require.NoError(t, err)
		_, err = m.Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing region", func(t *testing.T) {
		claims := Claims{
			UserID: user.ID.String(),
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "wallet",
				Audience:  jwt.ClaimStrings{"wallet-api"},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = m.Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := m.Parse("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
