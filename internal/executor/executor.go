// Package executor turns approved decisions and exit signals into fills and
// commits the resulting capital, position and trade changes atomically.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeagent/internal/domain"
	"github.com/alanyoungcy/tradeagent/internal/metrics"
	"github.com/alanyoungcy/tradeagent/internal/risk"
	"github.com/alanyoungcy/tradeagent/internal/service"
)

// Emitter publishes lifecycle events after a commit.
type Emitter interface {
	Emit(ctx context.Context, ev domain.Event)
}

// Config holds executor timeouts and tolerances.
type Config struct {
	ExchangeTimeout time.Duration
	LockTTL         time.Duration
	LockWait        time.Duration
	DedupTTL        time.Duration
	// LedgerTolerance is the relative error allowed by the post-commit
	// ledger check.
	LedgerTolerance float64
}

func (c Config) withDefaults() Config {
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = 10 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = 5 * time.Second
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
	if c.LedgerTolerance <= 0 {
		c.LedgerTolerance = 1e-6
	}
	return c
}

// Executor executes entry and exit legs.
type Executor struct {
	stores  domain.Stores
	gateway domain.ExchangeGateway
	locks   domain.LockManager
	events  Emitter
	dedup   *Dedup
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Executor. events may be nil.
func New(stores domain.Stores, gateway domain.ExchangeGateway, locks domain.LockManager, events Emitter, cfg Config, logger *slog.Logger) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		stores:  stores,
		gateway: gateway,
		locks:   locks,
		events:  events,
		dedup:   NewDedup(cfg.DedupTTL),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "executor")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run periodically expires dedup entries until ctx is done.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.DedupTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.dedup.Cleanup()
		}
	}
}

// ExecuteEntry fills the approved entry and, in one transaction, debits the
// bot's capital, opens the position, appends the entry trade and bumps the
// daily counter.
func (e *Executor) ExecuteEntry(ctx context.Context, cc domain.CycleContext, entry domain.Entry, ap risk.Approval) (domain.Position, domain.Trade, error) {
	bot := cc.Bot
	log := e.logger.With(
		slog.String("bot_id", bot.ID),
		slog.String("symbol", ap.Symbol),
		slog.String("side", string(ap.Side)),
	)

	var dedupKey string
	if entry.ID != "" {
		dedupKey = bot.ID + ":" + entry.ID
		if !e.dedup.Claim(dedupKey) {
			return domain.Position{}, domain.Trade{}, fmt.Errorf("executor: decision %s already executed: %w", entry.ID, domain.ErrAlreadyExists)
		}
	}
	release := func() {
		if dedupKey != "" {
			e.dedup.Release(dedupKey)
		}
	}

	unlock, err := service.AcquireLock(ctx, e.locks, domain.PositionLockKey(bot.ID, ap.Symbol), e.cfg.LockTTL, e.cfg.LockWait)
	if err != nil {
		release()
		return domain.Position{}, domain.Trade{}, fmt.Errorf("executor: entry: %w", err)
	}
	defer unlock()

	// The snapshot may be stale by the time the lock is held.
	open, err := e.stores.Positions.GetOpen(ctx, bot.ID)
	if err != nil {
		release()
		return domain.Position{}, domain.Trade{}, fmt.Errorf("executor: entry: load open positions: %w", err)
	}
	for _, p := range open {
		if p.Symbol == ap.Symbol {
			release()
			return domain.Position{}, domain.Trade{}, fmt.Errorf("executor: entry %s: %w", ap.Symbol, domain.ErrDuplicatePosition)
		}
	}

	positionID := uuid.New().String()
	fill, err := e.fill(ctx, domain.OrderRequest{
		ClientID: positionID + "-entry",
		Symbol:   ap.Symbol,
		Side:     ap.Side,
		Leg:      domain.TradeLegEntry,
		Quantity: ap.Quantity,
		RefPrice: ap.Price,
	})
	if err != nil {
		release()
		return domain.Position{}, domain.Trade{}, fmt.Errorf("executor: entry %s: %w", ap.Symbol, err)
	}

	qty := decimal.NewFromFloat(fill.Quantity)
	price := decimal.NewFromFloat(fill.Price)
	cost, _ := qty.Mul(price).Add(decimal.NewFromFloat(fill.Fee)).Float64()
	now := e.now()

	pos := domain.Position{
		ID:           positionID,
		BotID:        bot.ID,
		Symbol:       ap.Symbol,
		Side:         ap.Side,
		Quantity:     fill.Quantity,
		EntryPrice:   fill.Price,
		CurrentPrice: fill.Price,
		StopLoss:     ap.StopLoss,
		TakeProfit:   ap.TakeProfit,
		EntryFees:    fill.Fee,
		Status:       domain.PositionStatusOpen,
		OpenedAt:     now,
		DecisionID:   entry.ID,
	}
	trade := domain.Trade{
		ID:         uuid.New().String(),
		PositionID: positionID,
		BotID:      bot.ID,
		Symbol:     ap.Symbol,
		Side:       ap.Side,
		Leg:        domain.TradeLegEntry,
		Price:      fill.Price,
		Quantity:   fill.Quantity,
		Fees:       fill.Fee,
		DecisionID: entry.ID,
		Timestamp:  now,
	}

	var equity float64
	err = e.stores.Tx.InTx(ctx, func(ctx context.Context) error {
		current, err := e.stores.Bots.GetByID(ctx, bot.ID)
		if err != nil {
			return fmt.Errorf("load bot: %w", err)
		}
		if current.Status != domain.BotStatusActive {
			return fmt.Errorf("bot %s is %s: %w", bot.ID, current.Status, domain.ErrBotNotActive)
		}
		if _, err := e.stores.Bots.AdjustCapital(ctx, bot.ID, -cost); err != nil {
			return fmt.Errorf("debit %.8f: %w", cost, err)
		}
		if pos, err = e.stores.Positions.Open(ctx, pos); err != nil {
			return fmt.Errorf("open position: %w", err)
		}
		if err := e.stores.Trades.Append(ctx, trade); err != nil {
			return fmt.Errorf("append entry trade: %w", err)
		}
		if _, err := e.stores.Bots.RecordEntry(ctx, bot.ID, now); err != nil {
			return fmt.Errorf("record entry: %w", err)
		}
		equity, err = e.reconcile(ctx, bot.ID)
		return err
	})
	if err != nil {
		release()
		// The fill is not undone; paper fills have no side effects and live
		// fills need operator attention.
		log.ErrorContext(ctx, "entry fill not recorded",
			slog.String("position_id", positionID),
			slog.Float64("price", fill.Price),
			slog.Float64("quantity", fill.Quantity),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, domain.Trade{}, fmt.Errorf("executor: entry %s: %w", ap.Symbol, err)
	}

	metrics.Trades.WithLabelValues(bot.ID, ap.Symbol, string(domain.TradeLegEntry)).Inc()
	metrics.Equity.WithLabelValues(bot.ID).Set(equity)
	log.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.Float64("price", pos.EntryPrice),
		slog.Float64("quantity", pos.Quantity),
		slog.Float64("fee", pos.EntryFees),
		slog.Float64("equity", equity),
	)
	e.emit(ctx, domain.Event{
		Type:  domain.EventPositionOpened,
		BotID: bot.ID,
		Data: map[string]any{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
			"side":        string(pos.Side),
			"price":       pos.EntryPrice,
			"quantity":    pos.Quantity,
			"stop_loss":   pos.StopLoss,
			"take_profit": pos.TakeProfit,
			"confidence":  entry.Confidence,
		},
	})
	return pos, trade, nil
}

// ExecuteExit closes pos at roughly price for reason. It is safe to call
// concurrently for the same position: exactly one caller closes it, the
// others receive Closed=false.
func (e *Executor) ExecuteExit(ctx context.Context, pos domain.Position, price float64, reason domain.CloseReason) (domain.ExitResult, error) {
	if !finitePositive(price) {
		return domain.ExitResult{}, fmt.Errorf("executor: exit %s at %v: %w", pos.ID, price, domain.ErrStaleData)
	}
	if !reason.Valid() {
		return domain.ExitResult{}, fmt.Errorf("executor: exit %s: unknown reason %q", pos.ID, reason)
	}
	log := e.logger.With(
		slog.String("bot_id", pos.BotID),
		slog.String("symbol", pos.Symbol),
		slog.String("position_id", pos.ID),
		slog.String("reason", string(reason)),
	)

	unlock, err := service.AcquireLock(ctx, e.locks, domain.PositionLockKey(pos.BotID, pos.Symbol), e.cfg.LockTTL, e.cfg.LockWait)
	if err != nil {
		return domain.ExitResult{}, fmt.Errorf("executor: exit: %w", err)
	}
	defer unlock()

	current, err := e.stores.Positions.GetByID(ctx, pos.ID)
	if err != nil {
		return domain.ExitResult{}, fmt.Errorf("executor: exit: load position %s: %w", pos.ID, err)
	}
	if current.Status == domain.PositionStatusClosed {
		return e.absorbed(ctx, current, log)
	}

	fill, err := e.fill(ctx, domain.OrderRequest{
		ClientID: current.ID + "-exit",
		Symbol:   current.Symbol,
		Side:     current.Side,
		Leg:      domain.TradeLegExit,
		Quantity: current.Quantity,
		RefPrice: price,
	})
	if err != nil {
		return domain.ExitResult{}, fmt.Errorf("executor: exit %s: %w", current.ID, err)
	}

	settle := Settle(current, fill.Price, fill.Fee)
	now := e.now()
	trade := domain.Trade{
		ID:         uuid.New().String(),
		PositionID: current.ID,
		BotID:      current.BotID,
		Symbol:     current.Symbol,
		Side:       current.Side,
		Leg:        domain.TradeLegExit,
		Price:      fill.Price,
		Quantity:   current.Quantity,
		Fees:       fill.Fee,
		PnL:        settle.RealizedPnL,
		Reason:     reason,
		DecisionID: current.DecisionID,
		Timestamp:  now,
	}

	var (
		closedPos domain.Position
		closed    bool
		equity    float64
	)
	err = e.stores.Tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		closedPos, closed, err = e.stores.Positions.Close(ctx, current.ID, domain.PositionClose{
			ExitPrice:   fill.Price,
			ExitFees:    fill.Fee,
			Reason:      reason,
			RealizedPnL: settle.RealizedPnL,
			ClosedAt:    now,
		})
		if err != nil {
			return fmt.Errorf("close position: %w", err)
		}
		if !closed {
			return nil
		}
		if _, err := e.stores.Bots.AdjustCapital(ctx, current.BotID, settle.Credit); err != nil {
			return fmt.Errorf("credit %.8f: %w", settle.Credit, err)
		}
		if err := e.stores.Trades.Append(ctx, trade); err != nil {
			return fmt.Errorf("append exit trade: %w", err)
		}
		equity, err = e.reconcile(ctx, current.BotID)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCapital) {
			// A short whose loss exceeds its margin and the bot's free
			// capital cannot settle; it stays open for an operator.
			e.flagReview(ctx, current, "exit settlement exceeds available capital")
		}
		log.ErrorContext(ctx, "exit fill not recorded",
			slog.Float64("price", fill.Price),
			slog.String("error", err.Error()),
		)
		return domain.ExitResult{}, fmt.Errorf("executor: exit %s: %w", current.ID, err)
	}
	if !closed {
		return e.absorbed(ctx, closedPos, log)
	}

	metrics.Trades.WithLabelValues(current.BotID, current.Symbol, string(domain.TradeLegExit)).Inc()
	metrics.Exits.WithLabelValues(current.BotID, string(reason)).Inc()
	metrics.Equity.WithLabelValues(current.BotID).Set(equity)
	log.InfoContext(ctx, "position closed",
		slog.Float64("entry_price", current.EntryPrice),
		slog.Float64("exit_price", fill.Price),
		slog.Float64("realized_pnl", settle.RealizedPnL),
		slog.Float64("equity", equity),
	)
	e.emit(ctx, domain.Event{
		Type:  domain.EventPositionClosed,
		BotID: current.BotID,
		Data: map[string]any{
			"position_id":  current.ID,
			"symbol":       current.Symbol,
			"side":         string(current.Side),
			"entry_price":  current.EntryPrice,
			"exit_price":   fill.Price,
			"realized_pnl": settle.RealizedPnL,
			"reason":       string(reason),
		},
	})
	return domain.ExitResult{Trade: trade, Position: closedPos, Closed: true}, nil
}

func (e *Executor) absorbed(ctx context.Context, pos domain.Position, log *slog.Logger) (domain.ExitResult, error) {
	trade, err := e.stores.Trades.GetExit(ctx, pos.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.ExitResult{}, fmt.Errorf("executor: exit: load exit trade %s: %w", pos.ID, err)
	}
	log.InfoContext(ctx, "position already closed",
		slog.String("close_reason", string(pos.CloseReason)),
	)
	return domain.ExitResult{Trade: trade, Position: pos, Closed: false}, nil
}

func (e *Executor) fill(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.ExchangeTimeout)
	defer cancel()

	start := time.Now()
	fill, err := e.gateway.Fill(fctx, req)
	metrics.FillLatency.WithLabelValues(string(req.Leg)).Observe(time.Since(start).Seconds())
	if err != nil {
		return domain.Fill{}, fmt.Errorf("fill: %w", err)
	}
	if !finitePositive(fill.Price) {
		return domain.Fill{}, fmt.Errorf("fill price %v: %w", fill.Price, domain.ErrStaleData)
	}
	if !finitePositive(fill.Quantity) || fill.Fee < 0 || math.IsNaN(fill.Fee) {
		return domain.Fill{}, fmt.Errorf("fill quantity %v fee %v: invalid fill", fill.Quantity, fill.Fee)
	}
	return fill, nil
}

// reconcile verifies the bot's capital ledger inside the current
// transaction and stores the recomputed equity.
//
//	initial + Σ realized(closed) − Σ entry_fees(open) == available + Σ notional(open)
func (e *Executor) reconcile(ctx context.Context, botID string) (float64, error) {
	bot, err := e.stores.Bots.GetByID(ctx, botID)
	if err != nil {
		return 0, fmt.Errorf("reconcile: load bot: %w", err)
	}
	open, err := e.stores.Positions.GetOpen(ctx, botID)
	if err != nil {
		return 0, fmt.Errorf("reconcile: load open positions: %w", err)
	}
	realized, err := e.stores.Positions.SumRealized(ctx, botID)
	if err != nil {
		return 0, fmt.Errorf("reconcile: sum realized: %w", err)
	}

	if err := risk.CheckLedger(bot, open, realized, e.cfg.LedgerTolerance); err != nil {
		return 0, err
	}

	equity := domain.ComputeEquity(bot.AvailableCapital, open)
	if err := e.stores.Bots.SetEquity(ctx, botID, equity); err != nil {
		return 0, fmt.Errorf("reconcile: set equity: %w", err)
	}
	return equity, nil
}

// Settlement is the money movement of closing a position.
type Settlement struct {
	Gross       float64
	RealizedPnL float64
	Credit      float64
}

// Settle computes the exit settlement of pos filled at exitPrice with
// exitFee. RealizedPnL is net of both legs' fees; Credit is what returns to
// available capital.
func Settle(pos domain.Position, exitPrice, exitFee float64) Settlement {
	qty := decimal.NewFromFloat(pos.Quantity)
	entry := decimal.NewFromFloat(pos.EntryPrice)
	exit := decimal.NewFromFloat(exitPrice)
	fee := decimal.NewFromFloat(exitFee)

	gross := exit.Sub(entry).Mul(qty)
	if pos.Side == domain.SideShort {
		gross = gross.Neg()
	}
	pnl := gross.Sub(decimal.NewFromFloat(pos.EntryFees)).Sub(fee)
	credit := entry.Mul(qty).Add(gross).Sub(fee)

	g, _ := gross.Float64()
	p, _ := pnl.Float64()
	c, _ := credit.Float64()
	return Settlement{Gross: g, RealizedPnL: p, Credit: c}
}

func (e *Executor) flagReview(ctx context.Context, pos domain.Position, why string) {
	if err := e.stores.Positions.SetReview(ctx, pos.ID, true); err != nil {
		e.logger.WarnContext(ctx, "flag review failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	e.emit(ctx, domain.Event{
		Type:  domain.EventPositionReview,
		BotID: pos.BotID,
		Data: map[string]any{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
			"reason":      why,
		},
	})
}

func (e *Executor) emit(ctx context.Context, ev domain.Event) {
	if e.events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.events.Emit(ctx, ev)
}
