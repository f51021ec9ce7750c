package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"upbit-trading-bot/internal/position"
)

// PositionRepository persists position records. Entry and exit legs are
// stored as JSONB; scalar lifecycle fields get their own columns so the
// risk queries can filter on them.
type PositionRepository struct {
	db *DB
}

func NewPositionRepository(db *DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Save upserts the open position for its (user, market) pair.
func (r *PositionRepository) Save(ctx context.Context, p *position.Position) error {
	legs, err := json.Marshal(p.EntryLegs)
	if err != nil {
		return fmt.Errorf("marshal entry legs: %w", err)
	}
	partial, err := marshalLeg(p.PartialExit)
	if err != nil {
		return err
	}
	final, err := marshalLeg(p.FinalExit)
	if err != nil {
		return err
	}

	args := []any{
		p.UserID, p.Market, string(p.Status), p.EntryPhase, p.ExitPhase,
		legs, partial, final,
		p.TotalQuantity, p.TotalInvested, p.AvgEntryPrice,
		p.StopLossPrice, p.TargetPrice, p.TrailingHighPrice, p.TrailingStopPrice, p.TrailingArmed,
		p.RealizedPnL, p.TotalFees, p.TotalSlippage,
		p.StrategyName, p.SignalStrength, string(p.CloseReason), p.CreatedAt, p.UpdatedAt,
	}

	// Closing flips the open row to CLOSED in place, so the update must
	// match on the pair's single open row rather than on status.
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE positions SET
			status = $3, entry_phase = $4, exit_phase = $5,
			entry_legs = $6, partial_exit = $7, final_exit = $8,
			total_quantity = $9, total_invested = $10, avg_entry_price = $11,
			stop_loss_price = $12, target_price = $13,
			trailing_high_price = $14, trailing_stop_price = $15, trailing_armed = $16,
			realized_pnl = $17, total_fees = $18, total_slippage = $19,
			strategy_name = $20, signal_strength = $21, close_reason = NULLIF($22, ''),
			created_at = $23, updated_at = $24
		WHERE user_id = $1 AND market = $2 AND status <> 'CLOSED'`, args...)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO positions (user_id, market, status, entry_phase, exit_phase,
			entry_legs, partial_exit, final_exit,
			total_quantity, total_invested, avg_entry_price,
			stop_loss_price, target_price, trailing_high_price, trailing_stop_price, trailing_armed,
			realized_pnl, total_fees, total_slippage,
			strategy_name, signal_strength, close_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, NULLIF($22, ''), $23, $24)`, args...)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func marshalLeg(leg *position.Leg) ([]byte, error) {
	if leg == nil {
		return nil, nil
	}
	b, err := json.Marshal(leg)
	if err != nil {
		return nil, fmt.Errorf("marshal leg: %w", err)
	}
	return b, nil
}

const positionColumns = `user_id, market, status, entry_phase, exit_phase,
	entry_legs, partial_exit, final_exit,
	total_quantity, total_invested, avg_entry_price,
	stop_loss_price, target_price, trailing_high_price, trailing_stop_price, trailing_armed,
	realized_pnl, total_fees, total_slippage,
	COALESCE(strategy_name, ''), signal_strength, COALESCE(close_reason, ''),
	COALESCE(pending_order_uuid, ''), created_at, updated_at`

func scanPosition(row pgx.Row) (*position.Position, string, error) {
	var (
		p             position.Position
		status        string
		closeReason   string
		pendingUUID   string
		legsJSON      []byte
		partialJSON   []byte
		finalJSON     []byte
	)
	err := row.Scan(&p.UserID, &p.Market, &status, &p.EntryPhase, &p.ExitPhase,
		&legsJSON, &partialJSON, &finalJSON,
		&p.TotalQuantity, &p.TotalInvested, &p.AvgEntryPrice,
		&p.StopLossPrice, &p.TargetPrice, &p.TrailingHighPrice, &p.TrailingStopPrice, &p.TrailingArmed,
		&p.RealizedPnL, &p.TotalFees, &p.TotalSlippage,
		&p.StrategyName, &p.SignalStrength, &closeReason,
		&pendingUUID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("scan position: %w", err)
	}

	p.Status = position.Status(status)
	p.CloseReason = position.ExitReason(closeReason)
	if len(legsJSON) > 0 {
		if err := json.Unmarshal(legsJSON, &p.EntryLegs); err != nil {
			return nil, "", fmt.Errorf("unmarshal entry legs: %w", err)
		}
	}
	if len(partialJSON) > 0 {
		p.PartialExit = &position.Leg{}
		if err := json.Unmarshal(partialJSON, p.PartialExit); err != nil {
			return nil, "", fmt.Errorf("unmarshal partial exit: %w", err)
		}
	}
	if len(finalJSON) > 0 {
		p.FinalExit = &position.Leg{}
		if err := json.Unmarshal(finalJSON, p.FinalExit); err != nil {
			return nil, "", fmt.Errorf("unmarshal final exit: %w", err)
		}
	}
	return &p, pendingUUID, nil
}

// GetOpen loads the open position for the pair, or ErrNotFound.
func (r *PositionRepository) GetOpen(ctx context.Context, userID, market string) (*position.Position, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_id = $1 AND market = $2 AND status <> 'CLOSED'`, userID, market)
	p, _, err := scanPosition(row)
	return p, err
}

// ListOpenByUser returns all of a user's open positions.
func (r *PositionRepository) ListOpenByUser(ctx context.Context, userID string) ([]*position.Position, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_id = $1 AND status <> 'CLOSED' ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var out []*position.Position
	for rows.Next() {
		p, _, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountOpenByUser returns the number of open positions for a user.
func (r *PositionRepository) CountOpenByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM positions WHERE user_id = $1 AND status <> 'CLOSED'`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open positions: %w", err)
	}
	return n, nil
}

// PendingOrder returns the in-flight order UUID for the pair, or "".
func (r *PositionRepository) PendingOrder(ctx context.Context, userID, market string) (string, error) {
	var uuid string
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(pending_order_uuid, '') FROM positions
		WHERE user_id = $1 AND market = $2 AND status <> 'CLOSED'`, userID, market).Scan(&uuid)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pending order: %w", err)
	}
	return uuid, nil
}

// SetPendingOrder records the in-flight order UUID. Empty clears it.
// The first entry leg has no open row yet, so marking it inserts a bare
// PENDING row; the later settlement fills it in through Save.
func (r *PositionRepository) SetPendingOrder(ctx context.Context, userID, market, orderUUID string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE positions SET pending_order_uuid = NULLIF($3, ''), updated_at = NOW()
		WHERE user_id = $1 AND market = $2 AND status <> 'CLOSED'`, userID, market, orderUUID)
	if err != nil {
		return fmt.Errorf("set pending order: %w", err)
	}
	if tag.RowsAffected() > 0 || orderUUID == "" {
		return nil
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO positions (user_id, market, status, pending_order_uuid)
		VALUES ($1, $2, $3, $4)`,
		userID, market, string(position.StatusPending), orderUUID)
	if err != nil {
		return fmt.Errorf("insert pending marker: %w", err)
	}
	return nil
}
