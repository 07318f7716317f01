package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// CycleRunner runs one cycle for a bot.
type CycleRunner interface {
	RunCycle(ctx context.Context, botID string) (CycleResult, error)
}

// Supervisor keeps one cycle loop running per active bot. Loops for
// different bots run concurrently; a bot never has two cycles in flight.
type Supervisor struct {
	runner    CycleRunner
	bots      domain.BotStore
	positions domain.PositionStore
	interval  time.Duration
	refresh   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// NewSupervisor creates a Supervisor that runs a cycle per bot every
// interval and looks for newly activated bots every refresh. Paused bots are
// cycled while they still hold open positions.
func NewSupervisor(runner CycleRunner, bots domain.BotStore, positions domain.PositionStore, interval, refresh time.Duration, logger *slog.Logger) *Supervisor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	return &Supervisor{
		runner:    runner,
		bots:      bots,
		positions: positions,
		interval:  interval,
		refresh:   refresh,
		logger:    logger.With(slog.String("component", "supervisor")),
		running:   make(map[string]bool),
	}
}

// Run blocks until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor started", slog.Duration("interval", s.interval))
	defer s.logger.Info("supervisor stopped")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(s.refresh)
		defer ticker.Stop()
		for {
			s.startLoops(gctx, g)
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
		}
	})
	return g.Wait()
}

// RunOnce runs a single cycle for every bot that needs one, concurrently.
func (s *Supervisor) RunOnce(ctx context.Context) error {
	bots, err := s.due(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, bot := range bots {
		g.Go(func() error {
			_, err := s.runner.RunCycle(gctx, bot.ID)
			if err != nil && !errors.Is(err, domain.ErrBotNotActive) {
				s.logger.ErrorContext(gctx, "cycle failed",
					slog.String("bot_id", bot.ID),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

// Running returns the IDs of bots with an active loop.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for id := range s.running {
		out = append(out, id)
	}
	return out
}

// due returns the active bots plus paused bots that still hold open
// positions.
func (s *Supervisor) due(ctx context.Context) ([]domain.Bot, error) {
	bots, err := s.bots.ListByStatus(ctx, domain.BotStatusActive)
	if err != nil {
		return nil, fmt.Errorf("supervisor: list active bots: %w", err)
	}
	paused, err := s.bots.ListByStatus(ctx, domain.BotStatusPaused)
	if err != nil {
		return nil, fmt.Errorf("supervisor: list paused bots: %w", err)
	}
	for _, b := range paused {
		open, err := s.positions.GetOpen(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("supervisor: open positions of %s: %w", b.ID, err)
		}
		if len(open) > 0 {
			bots = append(bots, b)
		}
	}
	return bots, nil
}

func (s *Supervisor) startLoops(ctx context.Context, g *errgroup.Group) {
	bots, err := s.due(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "list bots failed", slog.String("error", err.Error()))
		return
	}
	for _, bot := range bots {
		s.mu.Lock()
		if s.running[bot.ID] {
			s.mu.Unlock()
			continue
		}
		s.running[bot.ID] = true
		s.mu.Unlock()

		s.logger.InfoContext(ctx, "bot loop started", slog.String("bot_id", bot.ID), slog.String("name", bot.Name))
		g.Go(func() error {
			defer func() {
				s.mu.Lock()
				delete(s.running, bot.ID)
				s.mu.Unlock()
			}()
			s.loop(ctx, bot.ID)
			return nil
		})
	}
}

// loop runs cycles until the bot stops needing them or ctx is done.
func (s *Supervisor) loop(ctx context.Context, botID string) {
	log := s.logger.With(slog.String("bot_id", botID))
	for {
		res, err := s.runner.RunCycle(ctx, botID)
		switch {
		case err == nil:
			log.InfoContext(ctx, "cycle complete",
				slog.Int("opened", len(res.Opened)),
				slog.Int("closed", len(res.Closed)),
				slog.Int("rejected", res.Rejected),
				slog.Int("skipped", res.Skipped),
				slog.Float64("equity", res.Snapshot.Equity),
			)
		case errors.Is(err, domain.ErrBotNotActive):
			log.InfoContext(ctx, "bot loop stopped", slog.String("reason", err.Error()))
			return
		case domain.IsFatal(err):
			log.ErrorContext(ctx, "bot loop stopped on fatal error", slog.String("error", err.Error()))
			return
		case ctx.Err() != nil:
			return
		default:
			log.ErrorContext(ctx, "cycle failed", slog.String("error", err.Error()))
		}

		t := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
