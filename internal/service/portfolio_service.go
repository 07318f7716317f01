package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// PendingCounter reports how many positions of a bot have an exit in
// flight.
type PendingCounter interface {
	Pending(botID string) int
}

// PortfolioSummary is the read model for one bot's performance.
type PortfolioSummary struct {
	BotID            string           `json:"bot_id"`
	Name             string           `json:"name"`
	Status           domain.BotStatus `json:"status"`
	HaltReason       string           `json:"halt_reason,omitempty"`
	InitialCapital   float64          `json:"initial_capital"`
	AvailableCapital float64          `json:"available_capital"`
	Equity           float64          `json:"equity"`
	RealizedPnL      float64          `json:"realized_pnl"`
	UnrealizedPnL    float64          `json:"unrealized_pnl"`
	TotalPnL         float64          `json:"pnl"`
	ReturnPct        float64          `json:"return_pct"`
	ClosedCount      int              `json:"closed_count"`
	Wins             int              `json:"wins"`
	Losses           int              `json:"losses"`
	WinRate          float64          `json:"win_rate"`
	OpenCount        int              `json:"open_count"`
	PendingExitCount int              `json:"pending_exit_count"`
	NeedsReviewCount int              `json:"needs_review_count"`
	TradesToday      int              `json:"trades_today"`
	LastDecision     string           `json:"last_decision,omitempty"`
	LastDecisionAt   *time.Time       `json:"last_decision_at,omitempty"`
	Sharpe           float64          `json:"sharpe"`
	MaxDrawdownPct   float64          `json:"max_drawdown_pct"`
}

// PortfolioService computes portfolio read models from the stores.
type PortfolioService struct {
	stores      domain.Stores
	pending     PendingCounter
	sharpeDepth int
	logger      *slog.Logger
	now         func() time.Time
}

// NewPortfolioService creates a PortfolioService. sharpeDepth bounds how
// many recent equity snapshots feed the Sharpe ratio and drawdown; zero
// uses every snapshot.
func NewPortfolioService(stores domain.Stores, pending PendingCounter, sharpeDepth int, logger *slog.Logger) *PortfolioService {
	return &PortfolioService{
		stores:      stores,
		pending:     pending,
		sharpeDepth: sharpeDepth,
		logger:      logger.With(slog.String("component", "portfolio_service")),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// OpenPositions returns the bot's open positions.
func (s *PortfolioService) OpenPositions(ctx context.Context, botID string) ([]domain.Position, error) {
	if _, err := s.stores.Bots.GetByID(ctx, botID); err != nil {
		return nil, fmt.Errorf("portfolio_service: bot %q: %w", botID, err)
	}
	open, err := s.stores.Positions.GetOpen(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("portfolio_service: open positions for %q: %w", botID, err)
	}
	return open, nil
}

// Summary builds the PortfolioSummary for botID.
func (s *PortfolioService) Summary(ctx context.Context, botID string) (PortfolioSummary, error) {
	var (
		bot     domain.Bot
		open    []domain.Position
		history []domain.Position
	)
	err := s.stores.Tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if bot, err = s.stores.Bots.GetForUpdate(ctx, botID); err != nil {
			return fmt.Errorf("bot %q: %w", botID, err)
		}
		if open, err = s.stores.Positions.GetOpen(ctx, botID); err != nil {
			return fmt.Errorf("open positions for %q: %w", botID, err)
		}
		if history, err = s.stores.Positions.ListHistory(ctx, botID, domain.ListOpts{}); err != nil {
			return fmt.Errorf("history for %q: %w", botID, err)
		}
		return nil
	})
	if err != nil {
		return PortfolioSummary{}, fmt.Errorf("portfolio_service: %w", err)
	}
	snaps, err := s.EquityHistory(ctx, botID, s.sharpeDepth)
	if err != nil {
		return PortfolioSummary{}, err
	}

	sum := PortfolioSummary{
		BotID:            bot.ID,
		Name:             bot.Name,
		Status:           bot.Status,
		HaltReason:       bot.HaltReason,
		InitialCapital:   bot.InitialCapital,
		AvailableCapital: bot.AvailableCapital,
		Equity:           domain.ComputeEquity(bot.AvailableCapital, open),
		OpenCount:        len(open),
		TradesToday:      bot.TradesOn(s.now()),
		LastDecision:     bot.LastDecision,
		LastDecisionAt:   bot.LastDecisionAt,
	}
	for _, p := range open {
		sum.UnrealizedPnL += p.UnrealizedPnL()
		if p.NeedsReview {
			sum.NeedsReviewCount++
		}
	}
	for _, p := range history {
		if p.Status != domain.PositionStatusClosed {
			continue
		}
		sum.ClosedCount++
		sum.RealizedPnL += p.RealizedPnL
		if p.RealizedPnL > 0 {
			sum.Wins++
		} else {
			sum.Losses++
		}
	}
	if sum.ClosedCount > 0 {
		sum.WinRate = float64(sum.Wins) / float64(sum.ClosedCount)
	}
	sum.TotalPnL = sum.Equity - bot.InitialCapital
	if bot.InitialCapital > 0 {
		sum.ReturnPct = sum.TotalPnL / bot.InitialCapital * 100
	}
	if s.pending != nil {
		sum.PendingExitCount = s.pending.Pending(botID)
	}

	curve := make([]float64, len(snaps))
	for i, snap := range snaps {
		curve[i] = snap.Equity
	}
	sum.Sharpe = Sharpe(curve)
	sum.MaxDrawdownPct = MaxDrawdownPct(curve)
	return sum, nil
}

// TradeHistory returns up to limit trades, newest first.
func (s *PortfolioService) TradeHistory(ctx context.Context, botID string, limit int) ([]domain.Trade, error) {
	trades, err := s.stores.Trades.ListByBot(ctx, botID, domain.ListOpts{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("portfolio_service: trades for %q: %w", botID, err)
	}
	return trades, nil
}

// EquityHistory returns up to limit of the most recent equity snapshots in
// chronological order.
func (s *PortfolioService) EquityHistory(ctx context.Context, botID string, limit int) ([]domain.EquitySnapshot, error) {
	snaps, err := s.stores.Equity.ListByBot(ctx, botID, domain.ListOpts{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("portfolio_service: equity for %q: %w", botID, err)
	}
	slices.SortFunc(snaps, func(a, b domain.EquitySnapshot) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return snaps, nil
}

// Sharpe is the mean over the sample standard deviation of period-to-period
// returns of an equity curve. It is not annualized. Fewer than two returns
// or a flat curve yield zero.
func Sharpe(equity []float64) float64 {
	returns := make([]float64, 0, len(equity))
	for i := 1; i < len(equity); i++ {
		if equity[i-1] <= 0 {
			continue
		}
		returns = append(returns, equity[i]/equity[i-1]-1)
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	sd := math.Sqrt(ss / float64(len(returns)-1))
	if sd < 1e-12 {
		return 0
	}
	return mean / sd
}

// MaxDrawdownPct is the largest peak-to-trough fall of the curve in percent.
func MaxDrawdownPct(equity []float64) float64 {
	var peak, worst float64
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if peak > 0 {
			if dd := (peak - e) / peak * 100; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}
