// Package scheduler owns the clocks: the polling tick that evaluates
// every auto-trading user, the hourly status report and the daily
// retention cleanup.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"upbit-trading-bot/internal/clock"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/events"
)

// UserSource lists the users to evaluate.
type UserSource interface {
	ListAutoTrading(ctx context.Context) ([]*database.User, error)
}

// WorkingSetResolver turns a user's market settings into the concrete
// market list for one tick.
type WorkingSetResolver interface {
	WorkingSet(ctx context.Context, targets []string, topN int, excluded []string) ([]string, error)
}

// Ticker evaluates one user over their working set.
type Ticker interface {
	TickUser(ctx context.Context, user *database.User, markets []string) error
}

// Pruner deletes rows older than a cutoff.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ParamRefresher reloads tunables before a tick cycle.
type ParamRefresher interface {
	Refresh(ctx context.Context) error
}

// Config tunes the schedules.
type Config struct {
	TickSpec        string        // cron spec of the evaluation tick
	StatusSpec      string        // cron spec of the status report
	CleanupSpec     string        // cron spec of the retention cleanup
	TickDeadline    time.Duration // hard cap on one full tick
	UserWorkers     int           // users evaluated concurrently
	CandleRetention time.Duration
	TaskRetention   time.Duration
}

// DefaultConfig mirrors the shipped schedule: evaluate every minute,
// report hourly, clean up at 04:10 with 7 days of candles and 30 days
// of simulation tasks retained.
func DefaultConfig() Config {
	return Config{
		TickSpec:        "@every 1m",
		StatusSpec:      "0 * * * *",
		CleanupSpec:     "10 4 * * *",
		TickDeadline:    30 * time.Second,
		UserWorkers:     8,
		CandleRetention: 7 * 24 * time.Hour,
		TaskRetention:   30 * 24 * time.Hour,
	}
}

// Scheduler runs the cron entries.
type Scheduler struct {
	cron    *cron.Cron
	users   UserSource
	markets WorkingSetResolver
	engine  Ticker
	candles Pruner
	tasks   Pruner
	trades  Pruner
	params  ParamRefresher
	bus     *events.Bus
	clock   clock.Clock
	config  Config
	log     zerolog.Logger

	ticking   atomic.Bool
	lastStats atomic.Value // tickStats
}

type tickStats struct {
	At       time.Time
	Users    int
	Failures int
	Elapsed  time.Duration
}

// New wires a scheduler. trades may be nil when trade history is kept
// forever.
func New(users UserSource, markets WorkingSetResolver, engine Ticker, candles, tasks, trades Pruner, params ParamRefresher, bus *events.Bus, clk clock.Clock, config Config, log zerolog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{
		cron:    cron.New(),
		users:   users,
		markets: markets,
		engine:  engine,
		candles: candles,
		tasks:   tasks,
		trades:  trades,
		params:  params,
		bus:     bus,
		clock:   clk,
		config:  config,
		log:     log,
	}
}

// Start registers the cron entries and starts the loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.config.TickSpec, func() { s.RunTick(context.Background()) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.config.StatusSpec, s.reportStatus); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.config.CleanupSpec, func() { s.RunCleanup(context.Background()) }); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info().Str("tick", s.config.TickSpec).Msg("scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

// RunTick evaluates every auto-trading user once. A tick that overruns
// into the next slot makes the next slot a no-op instead of stacking
// evaluations of the same pairs.
func (s *Scheduler) RunTick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.log.Warn().Msg("previous tick still running, skipping")
		return
	}
	defer s.ticking.Store(false)

	started := s.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, s.config.TickDeadline)
	defer cancel()

	if s.params != nil {
		if err := s.params.Refresh(ctx); err != nil {
			s.log.Warn().Err(err).Msg("parameter refresh failed, using last known values")
		}
	}

	users, err := s.users.ListAutoTrading(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("user listing failed, tick aborted")
		return
	}

	var failures atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.UserWorkers)
	for _, user := range users {
		g.Go(func() error {
			markets, err := s.markets.WorkingSet(gctx, user.TargetMarkets, user.AutoSelectTop, user.ExcludedMarkets)
			if err != nil {
				s.log.Error().Err(err).Str("user", user.ID).Msg("working set resolution failed")
				failures.Add(1)
				return nil
			}
			if len(markets) == 0 {
				return nil
			}
			if err := s.engine.TickUser(gctx, user, markets); err != nil {
				failures.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := tickStats{
		At:       started,
		Users:    len(users),
		Failures: int(failures.Load()),
		Elapsed:  s.clock.Now().Sub(started),
	}
	s.lastStats.Store(stats)

	s.log.Info().Int("users", stats.Users).Int("failures", stats.Failures).
		Dur("elapsed", stats.Elapsed).Msg("tick completed")
	s.bus.Publish(events.Event{
		Type: events.EventTickCompleted,
		Data: map[string]interface{}{
			"users":    stats.Users,
			"failures": stats.Failures,
			"elapsed":  stats.Elapsed.String(),
		},
	})
}

// reportStatus emits the hourly heartbeat with the last tick's stats.
func (s *Scheduler) reportStatus() {
	entry := s.log.Info()
	data := map[string]interface{}{}
	if v := s.lastStats.Load(); v != nil {
		stats := v.(tickStats)
		entry = entry.Time("last_tick", stats.At).Int("users", stats.Users).
			Int("failures", stats.Failures).Dur("elapsed", stats.Elapsed)
		data["last_tick"] = stats.At
		data["users"] = stats.Users
		data["failures"] = stats.Failures
	}
	entry.Msg("status report")
	s.bus.Publish(events.Event{Type: events.EventStatusReport, Data: data})
}

// RunCleanup enforces the retention windows.
func (s *Scheduler) RunCleanup(ctx context.Context) {
	now := s.clock.Now()

	if n, err := s.candles.PruneBefore(ctx, now.Add(-s.config.CandleRetention)); err != nil {
		s.log.Error().Err(err).Msg("candle cleanup failed")
	} else if n > 0 {
		s.log.Info().Int64("rows", n).Msg("candles pruned")
	}

	if n, err := s.tasks.PruneBefore(ctx, now.Add(-s.config.TaskRetention)); err != nil {
		s.log.Error().Err(err).Msg("task cleanup failed")
	} else if n > 0 {
		s.log.Info().Int64("rows", n).Msg("simulation tasks pruned")
	}

	if s.trades != nil {
		// Trade history keeps a year; it is the audit trail.
		if n, err := s.trades.PruneBefore(ctx, now.Add(-365*24*time.Hour)); err != nil {
			s.log.Error().Err(err).Msg("trade cleanup failed")
		} else if n > 0 {
			s.log.Info().Int64("rows", n).Msg("trade history pruned")
		}
	}
}
