package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// ExitExecutor closes a position at a given price.
type ExitExecutor interface {
	ExecuteExit(ctx context.Context, pos domain.Position, price float64, reason domain.CloseReason) (domain.ExitResult, error)
}

// PositionService serves position reads and operator-initiated closes.
type PositionService struct {
	positions    domain.PositionStore
	prices       domain.MarketData
	exits        ExitExecutor
	events       *EventPublisher
	priceTimeout time.Duration
	logger       *slog.Logger
}

// NewPositionService creates a PositionService.
func NewPositionService(
	positions domain.PositionStore,
	prices domain.MarketData,
	exits ExitExecutor,
	events *EventPublisher,
	priceTimeout time.Duration,
	logger *slog.Logger,
) *PositionService {
	if priceTimeout <= 0 {
		priceTimeout = 5 * time.Second
	}
	return &PositionService{
		positions:    positions,
		prices:       prices,
		exits:        exits,
		events:       events,
		priceTimeout: priceTimeout,
		logger:       logger.With(slog.String("component", "position_service")),
	}
}

// Open returns the bot's open positions, oldest first.
func (s *PositionService) Open(ctx context.Context, botID string) ([]domain.Position, error) {
	out, err := s.positions.GetOpen(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("position_service: open positions for %q: %w", botID, err)
	}
	return out, nil
}

// Get returns a single position.
func (s *PositionService) Get(ctx context.Context, id string) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get position %q: %w", id, err)
	}
	return pos, nil
}

// History lists the bot's positions, newest first.
func (s *PositionService) History(ctx context.Context, botID string, opts domain.ListOpts) ([]domain.Position, error) {
	out, err := s.positions.ListHistory(ctx, botID, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: history for %q: %w", botID, err)
	}
	return out, nil
}

// ManualClose exits an open position at the current market price. The close
// goes through the same lock and idempotent path as the monitor, so racing a
// stop-loss exit yields one close. A position that is already closed returns
// its stored exit with Closed=false.
func (s *PositionService) ManualClose(ctx context.Context, botID, positionID string) (domain.ExitResult, error) {
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.ExitResult{}, fmt.Errorf("position_service: manual close %q: %w", positionID, err)
	}
	if pos.BotID != botID {
		return domain.ExitResult{}, fmt.Errorf("position_service: position %q of bot %q: %w", positionID, botID, domain.ErrNotFound)
	}

	price := pos.Mark()
	if pos.Status == domain.PositionStatusOpen {
		pctx, cancel := context.WithTimeout(ctx, s.priceTimeout)
		q, err := s.prices.GetPrice(pctx, pos.Symbol)
		cancel()
		if err != nil {
			return domain.ExitResult{}, fmt.Errorf("position_service: price for %s: %w", pos.Symbol, err)
		}
		price = q.Price
	}

	res, err := s.exits.ExecuteExit(ctx, pos, price, domain.CloseReasonManual)
	if err != nil {
		return domain.ExitResult{}, fmt.Errorf("position_service: manual close %q: %w", positionID, err)
	}
	s.logger.InfoContext(ctx, "position_service: manual close",
		slog.String("bot_id", botID),
		slog.String("position_id", positionID),
		slog.Float64("price", res.Trade.Price),
		slog.Bool("closed", res.Closed),
	)
	return res, nil
}

// ClearReview removes the needs-review flag after an operator has looked at
// the position.
func (s *PositionService) ClearReview(ctx context.Context, botID, positionID string) error {
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return fmt.Errorf("position_service: clear review %q: %w", positionID, err)
	}
	if pos.BotID != botID {
		return fmt.Errorf("position_service: position %q of bot %q: %w", positionID, botID, domain.ErrNotFound)
	}
	if !pos.NeedsReview {
		return nil
	}
	if err := s.positions.SetReview(ctx, positionID, false); err != nil {
		return fmt.Errorf("position_service: clear review %q: %w", positionID, err)
	}
	s.events.Emit(ctx, domain.Event{
		Type:  domain.EventPositionReview,
		BotID: botID,
		Data: map[string]any{
			"position_id":  positionID,
			"symbol":       pos.Symbol,
			"needs_review": false,
		},
	})
	return nil
}
