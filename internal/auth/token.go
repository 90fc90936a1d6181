// Package auth issues and verifies the HS256 access tokens carried by API
// callers.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims identify the caller and the region that owns their account.
type Claims struct {
	UserID   string `json:"user_id"`
	RegionID int32  `json:"region_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type TokenManager struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenManager(secret, issuer, audience string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Issue signs a token for user.
func (m *TokenManager) Issue(user models.User) (string, time.Time, error) {
	if len(m.secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret is not configured")
	}
	now := m.now()
	expires := now.Add(m.ttl)
	claims := Claims{
		UserID:   user.ID.String(),
		RegionID: user.RegionID,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Parse verifies signature, expiry, issuer and audience.
func (m *TokenManager) Parse(tokenString string) (*Claims, error) {
	if len(m.secret) == 0 {
		return nil, errors.New("jwt secret is not configured")
	}
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return m.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if _, err := uuid.Parse(claims.UserID); err != nil {
		return nil, fmt.Errorf("%w: user_id claim", ErrInvalidToken)
	}
	if claims.Subject != "" && claims.Subject != claims.UserID {
		return nil, fmt.Errorf("%w: subject mismatch", ErrInvalidToken)
	}
	if claims.RegionID <= 0 {
		return nil, fmt.Errorf("%w: region_id claim", ErrInvalidToken)
	}
	return claims, nil
}
