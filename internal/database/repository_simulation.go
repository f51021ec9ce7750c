package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// SimulationRepository tracks backtest tasks.
type SimulationRepository struct {
	db *DB
}

func NewSimulationRepository(db *DB) *SimulationRepository {
	return &SimulationRepository{db: db}
}

// Create inserts a PENDING task.
func (r *SimulationRepository) Create(ctx context.Context, t *SimulationTask) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO simulation_tasks (id, user_id, status, request)
		VALUES ($1, $2, $3, $4)`,
		t.ID, t.UserID, TaskPending, t.Request)
	if err != nil {
		return fmt.Errorf("create simulation task: %w", err)
	}
	return nil
}

const taskColumns = `id, user_id, status, request, progress,
	COALESCE(result, 'null'::jsonb), COALESCE(error_message, ''), created_at, updated_at`

func scanTask(row pgx.Row) (*SimulationTask, error) {
	var t SimulationTask
	err := row.Scan(&t.ID, &t.UserID, &t.Status, &t.Request, &t.Progress,
		&t.Result, &t.Error, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan simulation task: %w", err)
	}
	return &t, nil
}

// Get loads one task.
func (r *SimulationRepository) Get(ctx context.Context, id string) (*SimulationTask, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM simulation_tasks WHERE id = $1`, id)
	return scanTask(row)
}

// ListByUser returns the user's tasks, newest first.
func (r *SimulationRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*SimulationTask, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+taskColumns+` FROM simulation_tasks
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list simulation tasks: %w", err)
	}
	defer rows.Close()

	var out []*SimulationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetStatus moves a task to a new state.
func (r *SimulationRepository) SetStatus(ctx context.Context, id, status string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE simulation_tasks SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProgress updates the completion fraction of a RUNNING task.
func (r *SimulationRepository) SetProgress(ctx context.Context, id string, progress float64) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE simulation_tasks SET progress = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3`, id, progress, TaskRunning)
	if err != nil {
		return fmt.Errorf("set task progress: %w", err)
	}
	return nil
}

// Complete stores the result and marks the task COMPLETED.
func (r *SimulationRepository) Complete(ctx context.Context, id string, result []byte) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE simulation_tasks SET status = $2, result = $3, progress = 1, updated_at = NOW()
		WHERE id = $1`, id, TaskCompleted, result)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail marks the task FAILED with a message.
func (r *SimulationRepository) Fail(ctx context.Context, id, message string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE simulation_tasks SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1`, id, TaskFailed, message)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneBefore removes tasks older than the cutoff.
func (r *SimulationRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM simulation_tasks WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}
