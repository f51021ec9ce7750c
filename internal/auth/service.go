package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"upbit-trading-bot/internal/database"
)

// Account-level failures surfaced to the API layer.
var (
	ErrEmailTaken         = errors.New("auth: email already registered")
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	ErrRefreshRejected    = errors.New("auth: refresh token rejected")
)

// UserStore is the persistence surface the service needs.
type UserStore interface {
	Create(ctx context.Context, u *database.User) error
	GetByID(ctx context.Context, id string) (*database.User, error)
	GetByEmail(ctx context.Context, email string) (*database.User, error)
	SaveRefreshToken(ctx context.Context, t *database.RefreshToken) error
	ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (*database.RefreshToken, error)
}

// Service implements the account lifecycle.
type Service struct {
	users UserStore
	jwt   *JWTManager
	log   zerolog.Logger
}

// NewService wires the auth service.
func NewService(users UserStore, jwt *JWTManager, log zerolog.Logger) *Service {
	return &Service{users: users, jwt: jwt, log: log}
}

// Register creates an account. New accounts start with auto trading
// disabled and no exchange credentials.
func (s *Service) Register(ctx context.Context, email, password string) (*database.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("auth: email required")
	}

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &database.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		StrategyMode: "DEFAULT",
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	s.log.Info().Str("user", user.ID).Msg("account registered")
	return user, nil
}

// Login verifies the password and issues a token pair. The refresh
// token is persisted so it can be consumed exactly once.
func (s *Service) Login(ctx context.Context, email, password string, now time.Time) (*database.User, *TokenPair, error) {
	user, err := s.users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, database.ErrNotFound) {
		// Burn comparable time so missing accounts are not
		// distinguishable by latency.
		VerifyPassword(password, "$2a$12$000000000000000000000uGyUvPzikaAapW0q9kqEnvuWjXo07fG2")
		return nil, nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, nil, err
	}
	if !VerifyPassword(password, user.PasswordHash) {
		return nil, nil, ErrInvalidCredentials
	}

	pair, err := s.issue(ctx, user, now)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Refresh rotates a refresh token. The old token is consumed whether
// or not the rotation succeeds.
func (s *Service) Refresh(ctx context.Context, refreshToken string, now time.Time) (*TokenPair, error) {
	stored, err := s.users.ConsumeRefreshToken(ctx, refreshToken, now)
	if err != nil {
		return nil, ErrRefreshRejected
	}
	user, err := s.users.GetByID(ctx, stored.UserID)
	if err != nil {
		return nil, ErrRefreshRejected
	}
	return s.issue(ctx, user, now)
}

func (s *Service) issue(ctx context.Context, user *database.User, now time.Time) (*TokenPair, error) {
	access, err := s.jwt.GenerateAccessToken(user.ID, user.Email, now)
	if err != nil {
		return nil, err
	}
	refresh, err := s.jwt.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := s.users.SaveRefreshToken(ctx, &database.RefreshToken{
		Token:     refresh,
		UserID:    user.ID,
		ExpiresAt: now.Add(s.jwt.RefreshLifetime()),
	}); err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    s.jwt.AccessLifetimeSeconds(),
		TokenType:    "Bearer",
	}, nil
}
