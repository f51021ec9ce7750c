package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// TradeRepository is the append-only trade journal.
type TradeRepository struct {
	db *DB
}

func NewTradeRepository(db *DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Append writes one filled trade side and sets rec.ID.
func (r *TradeRepository) Append(ctx context.Context, rec *TradeRecord) error {
	row := r.db.Pool.QueryRow(ctx, `
		INSERT INTO trade_history (user_id, market, side, executed_at, amount, volume, price,
			fee, order_uuid, strategy_name, target_price, highest_price, half_sold, stop_loss, exit_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NULLIF($15, ''))
		RETURNING id`,
		rec.UserID, rec.Market, rec.Side, rec.ExecutedAt, rec.Amount, rec.Volume, rec.Price,
		rec.Fee, rec.OrderUUID, rec.StrategyName, rec.TargetPrice, rec.HighestPrice,
		rec.HalfSold, rec.StopLoss, rec.ExitReason)
	if err := row.Scan(&rec.ID); err != nil {
		return fmt.Errorf("append trade: %w", err)
	}
	return nil
}

const tradeColumns = `id, user_id, market, side, executed_at, amount, volume, price,
	fee, COALESCE(order_uuid, ''), COALESCE(strategy_name, ''),
	COALESCE(target_price, 0), COALESCE(highest_price, 0), half_sold, stop_loss,
	COALESCE(exit_reason, '')`

func scanTrade(rows pgx.Rows) (*TradeRecord, error) {
	var rec TradeRecord
	err := rows.Scan(&rec.ID, &rec.UserID, &rec.Market, &rec.Side, &rec.ExecutedAt,
		&rec.Amount, &rec.Volume, &rec.Price, &rec.Fee, &rec.OrderUUID, &rec.StrategyName,
		&rec.TargetPrice, &rec.HighestPrice, &rec.HalfSold, &rec.StopLoss, &rec.ExitReason)
	if err != nil {
		return nil, fmt.Errorf("scan trade: %w", err)
	}
	return &rec, nil
}

// ListByUser returns the user's trades, newest first.
func (r *TradeRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*TradeRecord, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+tradeColumns+` FROM trade_history
		WHERE user_id = $1 ORDER BY executed_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var records []*TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LastTrade returns the most recent trade for the pair, or ErrNotFound.
func (r *TradeRepository) LastTrade(ctx context.Context, userID, market string) (*TradeRecord, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+tradeColumns+` FROM trade_history
		WHERE user_id = $1 AND market = $2 ORDER BY executed_at DESC LIMIT 1`, userID, market)
	if err != nil {
		return nil, fmt.Errorf("last trade: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanTrade(rows)
}

// TodayRealizedLoss sums the user's realized losses since midnight in
// the given location. Only losing round trips contribute. realized_pnl
// is stored gross of fees, so the gate nets the fees back out: a round
// trip that only loses its fees still counts against the daily limit.
func (r *TradeRepository) TodayRealizedLoss(ctx context.Context, userID string, now time.Time, loc *time.Location) (decimal.Decimal, error) {
	y, m, d := now.In(loc).Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)

	// Realized PnL lives on the closed position rows.
	row := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(p.realized_pnl - p.total_fees), 0)
		FROM positions p
		WHERE p.user_id = $1 AND p.status = 'CLOSED'
			AND p.updated_at >= $2 AND p.realized_pnl - p.total_fees < 0`, userID, midnight)

	var loss decimal.Decimal
	if err := row.Scan(&loss); err != nil {
		return decimal.Zero, fmt.Errorf("today realized loss: %w", err)
	}
	return loss.Neg(), nil
}

// LastLossAt returns when the pair last closed at a loss, or zero time.
// Losses are net of fees, matching the daily gate.
func (r *TradeRepository) LastLossAt(ctx context.Context, userID, market string) (time.Time, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(updated_at), 'epoch'::timestamptz)
		FROM positions
		WHERE user_id = $1 AND market = $2 AND status = 'CLOSED'
			AND realized_pnl - total_fees < 0`,
		userID, market)

	var at time.Time
	if err := row.Scan(&at); err != nil {
		return time.Time{}, fmt.Errorf("last loss at: %w", err)
	}
	if at.Unix() <= 0 {
		return time.Time{}, nil
	}
	return at, nil
}

// PruneBefore removes trade rows older than the cutoff. Reporting keeps
// its own aggregates; the journal only needs the working window.
func (r *TradeRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM trade_history WHERE executed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune trades: %w", err)
	}
	return tag.RowsAffected(), nil
}
