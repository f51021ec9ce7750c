package database

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// StrategyRepository persists per-user strategy selections and tunable
// parameters, and serves them through an in-memory cache so strategy
// evaluation never touches the database mid-tick.
type StrategyRepository struct {
	db *DB

	mu     sync.RWMutex
	params map[string]string // "user|strategy|key" -> value, "" user = global
}

func NewStrategyRepository(db *DB) *StrategyRepository {
	return &StrategyRepository{db: db, params: make(map[string]string)}
}

// EnabledStrategies returns the user's enabled strategy names, or nil
// when the user has no explicit selection (callers substitute the
// system default bundle).
func (r *StrategyRepository) EnabledStrategies(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT strategy_name FROM user_strategies
		WHERE user_id = $1 AND enabled ORDER BY strategy_name`, userID)
	if err != nil {
		return nil, fmt.Errorf("enabled strategies: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan strategy name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// SetStrategyEnabled upserts one selection row.
func (r *StrategyRepository) SetStrategyEnabled(ctx context.Context, userID, name string, enabled bool) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO user_strategies (user_id, strategy_name, enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, strategy_name) DO UPDATE SET enabled = EXCLUDED.enabled`,
		userID, name, enabled)
	if err != nil {
		return fmt.Errorf("set strategy enabled: %w", err)
	}
	return nil
}

// ListParameters returns parameter rows for a strategy: the global set
// plus the user's overrides when userID is non-empty.
func (r *StrategyRepository) ListParameters(ctx context.Context, strategyName, userID string) ([]*StrategyParameter, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT strategy_name, COALESCE(user_id::text, ''), param_key, param_value, param_type, updated_at
		FROM strategy_parameters
		WHERE strategy_name = $1 AND (user_id IS NULL OR user_id::text = $2)
		ORDER BY param_key, user_id NULLS FIRST`, strategyName, userID)
	if err != nil {
		return nil, fmt.Errorf("list parameters: %w", err)
	}
	defer rows.Close()

	var out []*StrategyParameter
	for rows.Next() {
		var p StrategyParameter
		if err := rows.Scan(&p.StrategyName, &p.UserID, &p.Key, &p.Value, &p.Type, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan parameter: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// SetParameter upserts one parameter row and refreshes the cache entry.
func (r *StrategyRepository) SetParameter(ctx context.Context, p *StrategyParameter) error {
	var userID any
	if p.UserID != "" {
		userID = p.UserID
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO strategy_parameters (strategy_name, user_id, param_key, param_value, param_type, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (strategy_name, COALESCE(user_id, '00000000-0000-0000-0000-000000000000'::uuid), param_key)
		DO UPDATE SET param_value = EXCLUDED.param_value, param_type = EXCLUDED.param_type, updated_at = NOW()`,
		p.StrategyName, userID, p.Key, p.Value, p.Type)
	if err != nil {
		return fmt.Errorf("set parameter: %w", err)
	}

	r.mu.Lock()
	r.params[p.UserID+"|"+p.StrategyName+"|"+p.Key] = p.Value
	r.mu.Unlock()
	return nil
}

// DeleteParameter removes a user override so the global value applies
// again. Empty userID removes the global row.
func (r *StrategyRepository) DeleteParameter(ctx context.Context, strategyName, userID, key string) error {
	var err error
	if userID == "" {
		_, err = r.db.Pool.Exec(ctx, `
			DELETE FROM strategy_parameters
			WHERE strategy_name = $1 AND user_id IS NULL AND param_key = $2`, strategyName, key)
	} else {
		_, err = r.db.Pool.Exec(ctx, `
			DELETE FROM strategy_parameters
			WHERE strategy_name = $1 AND user_id::text = $2 AND param_key = $3`, strategyName, userID, key)
	}
	if err != nil {
		return fmt.Errorf("delete parameter: %w", err)
	}

	r.mu.Lock()
	delete(r.params, userID+"|"+strategyName+"|"+key)
	r.mu.Unlock()
	return nil
}

// Refresh reloads the whole parameter cache. The scheduler calls it
// once per tick cycle; lookups in between are pure memory reads.
func (r *StrategyRepository) Refresh(ctx context.Context) error {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT COALESCE(user_id::text, ''), strategy_name, param_key, param_value
		FROM strategy_parameters`)
	if err != nil {
		return fmt.Errorf("refresh parameters: %w", err)
	}
	defer rows.Close()

	fresh := make(map[string]string)
	for rows.Next() {
		var userID, name, key, value string
		if err := rows.Scan(&userID, &name, &key, &value); err != nil {
			return fmt.Errorf("scan parameter row: %w", err)
		}
		fresh[userID+"|"+name+"|"+key] = value
	}
	if err := rows.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.params = fresh
	r.mu.Unlock()
	return nil
}

func (r *StrategyRepository) lookup(userID, strategyName, key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.params[userID+"|"+strategyName+"|"+key]; ok {
		return v, true
	}
	v, ok := r.params["|"+strategyName+"|"+key]
	return v, ok
}

// Int implements strategy.Params against the cache.
func (r *StrategyRepository) Int(userID, strategyName, key string, def int) int {
	if v, ok := r.lookup(userID, strategyName, key); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

// Float implements strategy.Params against the cache.
func (r *StrategyRepository) Float(userID, strategyName, key string, def float64) float64 {
	if v, ok := r.lookup(userID, strategyName, key); ok {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

// Bool implements strategy.Params against the cache.
func (r *StrategyRepository) Bool(userID, strategyName, key string, def bool) bool {
	if v, ok := r.lookup(userID, strategyName, key); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

// String implements strategy.Params against the cache.
func (r *StrategyRepository) String(userID, strategyName, key string, def string) string {
	if v, ok := r.lookup(userID, strategyName, key); ok {
		return v
	}
	return def
}
