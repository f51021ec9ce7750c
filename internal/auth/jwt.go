// Package auth covers account registration, password verification and
// the JWT session layer in front of the REST API.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token validation failures.
var (
	ErrTokenExpired = errors.New("auth: token expired")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims is the access-token payload.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// TokenPair is what a successful login or refresh returns. Refresh
// tokens are opaque and single use.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // access token lifetime, seconds
	TokenType    string `json:"token_type"` // always "Bearer"
}

// JWTManager signs and validates session tokens.
type JWTManager struct {
	secret          []byte
	accessLifetime  time.Duration
	refreshLifetime time.Duration
}

// NewJWTManager wires a manager.
func NewJWTManager(secret string, accessLifetime, refreshLifetime time.Duration) *JWTManager {
	return &JWTManager{
		secret:          []byte(secret),
		accessLifetime:  accessLifetime,
		refreshLifetime: refreshLifetime,
	}
}

// GenerateAccessToken signs an HS256 access token for the user.
func (m *JWTManager) GenerateAccessToken(userID, email string, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessLifetime)),
			Issuer:    "upbit-trading-bot",
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// GenerateRefreshToken returns an opaque 256-bit token.
func (m *JWTManager) GenerateRefreshToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: refresh token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// ValidateAccessToken parses and verifies an access token.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AccessLifetimeSeconds is the advertised expires_in value.
func (m *JWTManager) AccessLifetimeSeconds() int64 {
	return int64(m.accessLifetime.Seconds())
}

// RefreshLifetime is how long a refresh token row stays valid.
func (m *JWTManager) RefreshLifetime() time.Duration {
	return m.refreshLifetime
}
