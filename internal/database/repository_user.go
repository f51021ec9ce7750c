package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("database: not found")

// UserRepository persists users and refresh tokens.
type UserRepository struct {
	db *DB
}

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, password_hash,
	COALESCE(access_key_encrypted, ''), COALESCE(secret_key_encrypted, ''),
	auto_trading_enabled, strategy_mode, target_markets, excluded_markets,
	auto_select_top, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash,
		&u.AccessKeyEncrypted, &u.SecretKeyEncrypted,
		&u.AutoTradingEnabled, &u.StrategyMode, &u.TargetMarkets, &u.ExcludedMarkets,
		&u.AutoSelectTop, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// Create inserts a new user.
func (r *UserRepository) Create(ctx context.Context, u *User) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, strategy_mode)
		VALUES ($1, $2, $3, $4)`,
		u.ID, u.Email, u.PasswordHash, u.StrategyMode)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetByID loads one user.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*User, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetByEmail loads one user by login email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// ListAutoTrading returns every user with auto trading switched on.
func (r *UserRepository) ListAutoTrading(ctx context.Context) ([]*User, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+userColumns+` FROM users WHERE auto_trading_enabled ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list auto-trading users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetCredentials stores the encrypted exchange keys.
func (r *UserRepository) SetCredentials(ctx context.Context, userID, accessEnc, secretEnc string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE users SET access_key_encrypted = $2, secret_key_encrypted = $3, updated_at = NOW()
		WHERE id = $1`, userID, accessEnc, secretEnc)
	if err != nil {
		return fmt.Errorf("set credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAutoTrading toggles the auto-trading flag.
func (r *UserRepository) SetAutoTrading(ctx context.Context, userID string, enabled bool) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE users SET auto_trading_enabled = $2, updated_at = NOW() WHERE id = $1`,
		userID, enabled)
	if err != nil {
		return fmt.Errorf("set auto trading: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTradingSettings stores the market working-set configuration.
func (r *UserRepository) UpdateTradingSettings(ctx context.Context, u *User) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE users SET strategy_mode = $2, target_markets = $3, excluded_markets = $4,
			auto_select_top = $5, updated_at = NOW()
		WHERE id = $1`,
		u.ID, u.StrategyMode, u.TargetMarkets, u.ExcludedMarkets, u.AutoSelectTop)
	if err != nil {
		return fmt.Errorf("update trading settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveRefreshToken stores a refresh token.
func (r *UserRepository) SaveRefreshToken(ctx context.Context, t *RefreshToken) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO refresh_tokens (token, user_id, expires_at) VALUES ($1, $2, $3)`,
		t.Token, t.UserID, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken deletes and returns the token in one step so a
// token can be redeemed at most once.
func (r *UserRepository) ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (*RefreshToken, error) {
	row := r.db.Pool.QueryRow(ctx, `
		DELETE FROM refresh_tokens WHERE token = $1 RETURNING token, user_id, expires_at`, token)

	var t RefreshToken
	err := row.Scan(&t.Token, &t.UserID, &t.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume refresh token: %w", err)
	}
	if now.After(t.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &t, nil
}
