// Package engine drives bot cycles: monitor open positions, ask the oracle
// about flat symbols, apply risk, execute, snapshot equity.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
	"github.com/alanyoungcy/tradeagent/internal/metrics"
	"github.com/alanyoungcy/tradeagent/internal/monitor"
	"github.com/alanyoungcy/tradeagent/internal/oracle"
	"github.com/alanyoungcy/tradeagent/internal/risk"
)

// Executor opens and closes positions.
type Executor interface {
	ExecuteEntry(ctx context.Context, cc domain.CycleContext, entry domain.Entry, ap risk.Approval) (domain.Position, domain.Trade, error)
	ExecuteExit(ctx context.Context, pos domain.Position, price float64, reason domain.CloseReason) (domain.ExitResult, error)
}

// Monitor runs the exit pass for one bot.
type Monitor interface {
	Run(ctx context.Context, cc domain.CycleContext) (monitor.Report, error)
}

// OracleSource resolves a bot's oracle by name.
type OracleSource interface {
	Get(name string) (domain.DecisionOracle, error)
}

// Emitter publishes lifecycle events.
type Emitter interface {
	Emit(ctx context.Context, ev domain.Event)
}

// Config controls per-cycle data fetching.
type Config struct {
	PriceTimeout    time.Duration
	DecisionTimeout time.Duration
	CandleTimeframe string
	CandleLimit     int
	Indicators      oracle.IndicatorConfig
}

func (c Config) withDefaults() Config {
	if c.PriceTimeout <= 0 {
		c.PriceTimeout = 5 * time.Second
	}
	if c.DecisionTimeout <= 0 {
		c.DecisionTimeout = 30 * time.Second
	}
	if c.CandleTimeframe == "" {
		c.CandleTimeframe = "1h"
	}
	if need := c.Indicators.MinCandles(); c.CandleLimit < need {
		c.CandleLimit = max(100, need)
	}
	return c
}

// Runner executes cycles. It holds no per-bot state besides oracle guards,
// so one Runner serves every bot.
type Runner struct {
	stores  domain.Stores
	market  domain.MarketData
	oracles OracleSource
	calc    *risk.Calculator
	exec    Executor
	monitor Monitor
	events  Emitter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	guards map[string]*oracle.Guard
}

// NewRunner creates a Runner. events may be nil.
func NewRunner(stores domain.Stores, market domain.MarketData, oracles OracleSource, calc *risk.Calculator, exec Executor, mon Monitor, events Emitter, cfg Config, logger *slog.Logger) *Runner {
	return &Runner{
		stores:  stores,
		market:  market,
		oracles: oracles,
		calc:    calc,
		exec:    exec,
		monitor: mon,
		events:  events,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("component", "engine")),
		now:     func() time.Time { return time.Now().UTC() },
		guards:  make(map[string]*oracle.Guard),
	}
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Report   monitor.Report
	Opened   []domain.Position
	Closed   []domain.ExitResult
	Rejected int
	Skipped  int
	Snapshot domain.EquitySnapshot
}

// RunCycle runs one full cycle for botID. Fatal errors halt the bot before
// being returned. A paused bot with open positions gets the monitor pass and
// an equity snapshot but no entries.
func (r *Runner) RunCycle(ctx context.Context, botID string) (CycleResult, error) {
	start := time.Now()
	defer func() {
		metrics.CycleDuration.WithLabelValues(botID).Observe(time.Since(start).Seconds())
	}()

	res, err := r.runCycle(ctx, botID)
	if err != nil && domain.IsFatal(err) {
		r.halt(ctx, botID, err)
	}
	return res, err
}

func (r *Runner) runCycle(ctx context.Context, botID string) (CycleResult, error) {
	var res CycleResult

	bot, err := r.stores.Bots.GetByID(ctx, botID)
	if err != nil {
		return res, fmt.Errorf("engine: load bot %s: %w", botID, err)
	}
	if bot.Status != domain.BotStatusActive && bot.Status != domain.BotStatusPaused {
		return res, fmt.Errorf("engine: bot %s is %s: %w", botID, bot.Status, domain.ErrBotNotActive)
	}
	open, err := r.stores.Positions.GetOpen(ctx, botID)
	if err != nil {
		return res, fmt.Errorf("engine: load open positions: %w", err)
	}
	// A paused bot keeps enforcing exits until it is flat.
	if bot.Status == domain.BotStatusPaused && len(open) == 0 {
		return res, fmt.Errorf("engine: bot %s is paused and flat: %w", botID, domain.ErrBotNotActive)
	}
	cc := domain.CycleContext{Bot: bot, Open: open, Now: r.now()}

	rep, err := r.monitor.Run(ctx, cc)
	res.Report = rep
	res.Closed = append(res.Closed, rep.Closed()...)
	if err != nil {
		metrics.CycleErrors.WithLabelValues(botID, "monitor").Inc()
		return res, err
	}
	r.logger.DebugContext(ctx, "engine: monitor pass",
		slog.String("bot_id", botID),
		slog.Int("checked", rep.Checked()),
		slog.Int("closed", len(rep.Closed())),
		slog.Int("skipped", rep.Skipped()),
		slog.Int("pending", rep.Pending()),
		slog.Int("flagged", rep.Flagged()),
		slog.Int("absorbed", rep.Absorbed()),
	)

	if err := r.entryStage(ctx, rep, &res); err != nil {
		return res, err
	}

	snap, err := r.snapshot(ctx, botID)
	if err != nil {
		metrics.CycleErrors.WithLabelValues(botID, "snapshot").Inc()
		return res, err
	}
	res.Snapshot = snap
	return res, nil
}

// entryStage asks the oracle about every watched symbol. It takes the
// monitor's report so it cannot run before this cycle's exits.
func (r *Runner) entryStage(ctx context.Context, rep monitor.Report, res *CycleResult) error {
	if !rep.Completed() {
		return errors.New("engine: entry stage without monitor pass")
	}
	botID := rep.BotID()
	bot, err := r.stores.Bots.GetByID(ctx, botID)
	if err != nil {
		return fmt.Errorf("engine: reload bot: %w", err)
	}
	if bot.Status != domain.BotStatusActive {
		return nil
	}
	cc := domain.CycleContext{Bot: bot, Open: rep.Open(), Now: rep.At()}

	guard, err := r.guard(bot.Oracle)
	if err != nil {
		r.logger.ErrorContext(ctx, "engine: no oracle, skipping entries",
			slog.String("bot_id", botID),
			slog.String("oracle", bot.Oracle),
			slog.String("error", err.Error()),
		)
		metrics.CycleErrors.WithLabelValues(botID, "oracle").Inc()
		return nil
	}

	for _, symbol := range bot.Symbols {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := r.evaluate(ctx, cc, guard, symbol, res)
		if err != nil {
			return err
		}
		cc = next
	}
	return nil
}

// evaluate handles one symbol and returns the cycle context updated with
// any position change.
func (r *Runner) evaluate(ctx context.Context, cc domain.CycleContext, guard *oracle.Guard, symbol string, res *CycleResult) (domain.CycleContext, error) {
	botID := cc.Bot.ID
	log := r.logger.With(slog.String("bot_id", botID), slog.String("symbol", symbol))

	mc, err := r.marketContext(ctx, cc, symbol)
	if err != nil {
		res.Skipped++
		metrics.CycleErrors.WithLabelValues(botID, "data").Inc()
		log.WarnContext(ctx, "engine: market data unavailable, skipping symbol", slog.String("error", err.Error()))
		return cc, nil
	}

	d, _ := guard.Decide(ctx, mc)
	metrics.Decisions.WithLabelValues(botID, guard.Name(), string(d.Kind())).Inc()

	summary := string(d.Kind())
	defer func() {
		if err := r.stores.Bots.RecordDecision(ctx, botID, symbol+": "+summary, cc.Now); err != nil {
			log.WarnContext(ctx, "engine: record decision failed", slog.String("error", err.Error()))
		}
	}()

	switch v := d.(type) {
	case domain.Hold:
		if v.Reason != "" {
			summary = "hold (" + v.Reason + ")"
		}
		return cc, nil

	case domain.Exit:
		pos, ok := cc.OpenOn(symbol)
		if !ok {
			summary = "exit ignored (no position)"
			return cc, nil
		}
		out, err := r.exec.ExecuteExit(ctx, pos, mc.Quote.Price, domain.CloseReasonSignalExit)
		if err != nil {
			summary = "exit failed"
			log.ErrorContext(ctx, "engine: signal exit failed", slog.String("error", err.Error()))
			if domain.IsFatal(err) {
				return cc, err
			}
			return cc, nil
		}
		if out.Closed {
			res.Closed = append(res.Closed, out)
			summary = fmt.Sprintf("exit (pnl %.4f)", out.Trade.PnL)
		}
		return r.refresh(ctx, cc)

	case domain.Entry:
		ap, err := r.calc.Evaluate(cc, v, mc.Quote.Price)
		if err != nil {
			res.Rejected++
			code := risk.RejectionCode(err)
			summary = fmt.Sprintf("entry rejected (%s)", code)
			metrics.Rejections.WithLabelValues(botID, string(code)).Inc()
			log.InfoContext(ctx, "engine: entry rejected",
				slog.String("code", string(code)),
				slog.String("error", err.Error()),
			)
			r.emit(ctx, domain.Event{
				Type:  domain.EventDecisionRejected,
				BotID: botID,
				At:    cc.Now,
				Data: map[string]any{
					"symbol":     symbol,
					"side":       string(v.Side),
					"confidence": v.Confidence,
					"code":       string(code),
				},
			})
			return cc, nil
		}
		pos, _, err := r.exec.ExecuteEntry(ctx, cc, v, ap)
		if err != nil {
			summary = "entry failed"
			log.ErrorContext(ctx, "engine: entry failed", slog.String("error", err.Error()))
			if domain.IsFatal(err) {
				return cc, err
			}
			return cc, nil
		}
		res.Opened = append(res.Opened, pos)
		summary = fmt.Sprintf("entry %s (confidence %.2f)", v.Side, v.Confidence)
		return r.refresh(ctx, cc)
	}
	return cc, nil
}

func (r *Runner) marketContext(ctx context.Context, cc domain.CycleContext, symbol string) (domain.MarketContext, error) {
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PriceTimeout)
	defer cancel()

	quote, err := r.market.GetPrice(pctx, symbol)
	if err != nil {
		return domain.MarketContext{}, fmt.Errorf("price: %w", err)
	}
	if quote.Price <= 0 {
		return domain.MarketContext{}, fmt.Errorf("price %v: %w", quote.Price, domain.ErrStaleData)
	}
	candles, err := r.market.GetCandles(pctx, symbol, r.cfg.CandleTimeframe, r.cfg.CandleLimit)
	if err != nil {
		return domain.MarketContext{}, fmt.Errorf("candles: %w", err)
	}
	ind, err := oracle.ComputeIndicators(candles, r.cfg.Indicators)
	if err != nil {
		return domain.MarketContext{}, err
	}

	mc := domain.MarketContext{
		BotID:      cc.Bot.ID,
		Symbol:     symbol,
		Quote:      quote,
		Candles:    candles,
		Indicators: ind,
		Equity:     domain.ComputeEquity(cc.Bot.AvailableCapital, cc.Open),
		Now:        cc.Now,
	}
	if pos, ok := cc.OpenOn(symbol); ok {
		mc.Position = &pos
	}
	return mc, nil
}

// refresh reloads the bot and its open positions after an execution.
func (r *Runner) refresh(ctx context.Context, cc domain.CycleContext) (domain.CycleContext, error) {
	bot, err := r.stores.Bots.GetByID(ctx, cc.Bot.ID)
	if err != nil {
		return cc, fmt.Errorf("engine: reload bot: %w", err)
	}
	open, err := r.stores.Positions.GetOpen(ctx, cc.Bot.ID)
	if err != nil {
		return cc, fmt.Errorf("engine: reload positions: %w", err)
	}
	return domain.CycleContext{Bot: bot, Open: open, Now: cc.Now}, nil
}

// snapshot records equity from a bot and open-position read taken in the
// same transaction as the write.
func (r *Runner) snapshot(ctx context.Context, botID string) (domain.EquitySnapshot, error) {
	var snap domain.EquitySnapshot
	err := r.stores.Tx.InTx(ctx, func(ctx context.Context) error {
		bot, err := r.stores.Bots.GetForUpdate(ctx, botID)
		if err != nil {
			return fmt.Errorf("load bot: %w", err)
		}
		open, err := r.stores.Positions.GetOpen(ctx, botID)
		if err != nil {
			return fmt.Errorf("load positions: %w", err)
		}
		var unrealized float64
		for _, p := range open {
			unrealized += p.UnrealizedPnL()
		}
		snap = domain.EquitySnapshot{
			BotID:            botID,
			Equity:           domain.ComputeEquity(bot.AvailableCapital, open),
			AvailableCapital: bot.AvailableCapital,
			UnrealizedPnL:    unrealized,
			OpenPositions:    len(open),
			Timestamp:        r.now(),
		}
		if err := r.stores.Equity.Insert(ctx, snap); err != nil {
			return err
		}
		return r.stores.Bots.SetEquity(ctx, botID, snap.Equity)
	})
	if err != nil {
		return domain.EquitySnapshot{}, fmt.Errorf("engine: snapshot: %w", err)
	}

	metrics.Equity.WithLabelValues(botID).Set(snap.Equity)
	metrics.OpenPositions.WithLabelValues(botID).Set(float64(snap.OpenPositions))
	r.emit(ctx, domain.Event{
		Type:  domain.EventEquitySnapshot,
		BotID: botID,
		At:    snap.Timestamp,
		Data: map[string]any{
			"equity":            snap.Equity,
			"available_capital": snap.AvailableCapital,
			"unrealized_pnl":    snap.UnrealizedPnL,
			"open_positions":    snap.OpenPositions,
		},
	})
	return snap, nil
}

// halt stops the bot until an operator resumes it.
func (r *Runner) halt(ctx context.Context, botID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	reason := cause.Error()
	if err := r.stores.Bots.UpdateStatus(ctx, botID, domain.BotStatusHalted, reason); err != nil {
		r.logger.ErrorContext(ctx, "engine: halt failed",
			slog.String("bot_id", botID),
			slog.String("error", err.Error()),
		)
	}
	r.logger.ErrorContext(ctx, "engine: bot halted",
		slog.String("bot_id", botID),
		slog.String("reason", reason),
	)
	r.emit(ctx, domain.Event{
		Type:  domain.EventBotHalted,
		BotID: botID,
		At:    r.now(),
		Data:  map[string]any{"reason": reason},
	})
}

func (r *Runner) guard(name string) (*oracle.Guard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.guards[name]; ok {
		return g, nil
	}
	o, err := r.oracles.Get(name)
	if err != nil {
		return nil, err
	}
	g := oracle.NewGuard(o, r.cfg.DecisionTimeout, r.logger)
	r.guards[name] = g
	return g, nil
}

func (r *Runner) emit(ctx context.Context, ev domain.Event) {
	if r.events != nil {
		r.events.Emit(ctx, ev)
	}
}
