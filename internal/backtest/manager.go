package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
)

// CandleSource loads the historical window a simulation replays.
// The market cache satisfies it.
type CandleSource interface {
	Candles(ctx context.Context, market string, unit, count int) ([]upbit.Candle, error)
}

// progressEvery is how many evaluated candles pass between persisted
// progress updates.
const progressEvery = 200

// Manager runs simulations asynchronously and tracks them through the
// task table. Tasks survive restarts as rows; in-flight cancellation is
// process-local.
type Manager struct {
	repo    *database.SimulationRepository
	engine  *Engine
	source  CandleSource
	log     zerolog.Logger
	slots   *semaphore.Weighted // concurrent tasks across all users
	perTask int                 // concurrent markets inside one task

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewManager wires a manager. maxTasks bounds concurrently running
// simulations; marketWorkers bounds the per-task market pool.
func NewManager(repo *database.SimulationRepository, engine *Engine, source CandleSource, maxTasks, marketWorkers int, log zerolog.Logger) *Manager {
	if maxTasks <= 0 {
		maxTasks = 2
	}
	if marketWorkers <= 0 {
		marketWorkers = 4
	}
	return &Manager{
		repo:    repo,
		engine:  engine,
		source:  source,
		log:     log,
		slots:   semaphore.NewWeighted(int64(maxTasks)),
		perTask: marketWorkers,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Submit records the task and starts it in the background. The returned
// task is in the PENDING state.
func (m *Manager) Submit(ctx context.Context, userID string, req Request) (*database.SimulationTask, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.UserID = userID

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	task := &database.SimulationTask{
		ID:      uuid.NewString(),
		UserID:  userID,
		Status:  database.TaskPending,
		Request: raw,
	}
	if err := m.repo.Create(ctx, task); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[task.ID] = cancel
	m.mu.Unlock()

	go m.run(runCtx, task.ID, req)
	return task, nil
}

// Cancel stops a running task. The engine notices at the next candle
// boundary, so the wallet state is never torn mid trade.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[taskID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (m *Manager) run(ctx context.Context, taskID string, req Request) {
	defer func() {
		m.mu.Lock()
		delete(m.cancels, taskID)
		m.mu.Unlock()
	}()

	if err := m.slots.Acquire(ctx, 1); err != nil {
		m.finish(taskID, nil, err)
		return
	}
	defer m.slots.Release(1)

	if err := m.repo.SetStatus(context.Background(), taskID, database.TaskRunning); err != nil {
		m.log.Error().Err(err).Str("task", taskID).Msg("task start failed")
		return
	}

	report, err := m.runMarkets(ctx, taskID, req)
	m.finish(taskID, report, err)
}

// runMarkets replays every requested market through a bounded pool and
// merges the per-market results.
func (m *Manager) runMarkets(ctx context.Context, taskID string, req Request) (*Report, error) {
	warmup := strategy.MinWindow
	perMarket := req.CandleCount - warmup
	if perMarket < 1 {
		perMarket = 1
	}
	total := int64(perMarket * len(req.Markets))
	var done int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.perTask)

	results := make([]*Result, len(req.Markets))
	for i, market := range req.Markets {
		g.Go(func() error {
			candles, err := m.source.Candles(gctx, market, req.CandleUnit, req.CandleCount)
			if err != nil {
				return err
			}
			res, err := m.engine.Run(gctx, req, market, candles, func() {
				n := atomic.AddInt64(&done, 1)
				if n%progressEvery == 0 {
					_ = m.repo.SetProgress(context.Background(), taskID, float64(n)/float64(total))
				}
			})
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*Result, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	sortResults(out)
	return &Report{Results: out}, nil
}

// finish persists the terminal state. Writes use a fresh context so a
// cancelled run can still record that it was cancelled.
func (m *Manager) finish(taskID string, report *Report, err error) {
	ctx := context.Background()
	switch {
	case err == nil:
		raw, marshalErr := json.Marshal(report)
		if marshalErr != nil {
			_ = m.repo.Fail(ctx, taskID, marshalErr.Error())
			return
		}
		if dbErr := m.repo.Complete(ctx, taskID, raw); dbErr != nil {
			m.log.Error().Err(dbErr).Str("task", taskID).Msg("task completion write failed")
		}
		m.log.Info().Str("task", taskID).Int("markets", len(report.Results)).Msg("simulation completed")

	case errors.Is(err, context.Canceled):
		if dbErr := m.repo.SetStatus(ctx, taskID, database.TaskCancelled); dbErr != nil {
			m.log.Error().Err(dbErr).Str("task", taskID).Msg("task cancel write failed")
		}
		m.log.Info().Str("task", taskID).Msg("simulation cancelled")

	default:
		if dbErr := m.repo.Fail(ctx, taskID, err.Error()); dbErr != nil {
			m.log.Error().Err(dbErr).Str("task", taskID).Msg("task failure write failed")
		}
		m.log.Warn().Err(err).Str("task", taskID).Msg("simulation failed")
	}
}
