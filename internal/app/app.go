// Package app provides the top-level application lifecycle management for the
// trading agent. It wires together all dependencies (stores, caches, blob
// storage, market data, oracles, execution and notifications) and starts the
// appropriate goroutines based on the configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/config"
	"github.com/alanyoungcy/tradeagent/internal/engine"
	"github.com/alanyoungcy/tradeagent/internal/executor"
	"github.com/alanyoungcy/tradeagent/internal/monitor"
	"github.com/alanyoungcy/tradeagent/internal/oracle"
	"github.com/alanyoungcy/tradeagent/internal/platform/binance"
	"github.com/alanyoungcy/tradeagent/internal/platform/llm"
	"github.com/alanyoungcy/tradeagent/internal/risk"
	"github.com/alanyoungcy/tradeagent/internal/service"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	closers   []func()
	startedAt time.Time
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "app")),
		startedAt: time.Now().UTC(),
	}
}

// components are the domain services built on top of Dependencies.
type components struct {
	events     *service.EventPublisher
	prices     *service.PriceService
	oracles    *oracle.Registry
	exec       *executor.Executor
	monitor    *monitor.Monitor
	runner     *engine.Runner
	supervisor *engine.Supervisor
	bots       *service.BotService
	positions  *service.PositionService
	portfolio  *service.PortfolioService
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled. On return it runs all registered cleanup functions.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("storage", a.cfg.Storage),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	c, err := a.build(deps)
	if err != nil {
		return fmt.Errorf("app: build components: %w", err)
	}
	if err := a.bootstrapBots(ctx, c); err != nil {
		return err
	}

	mode := strings.ToLower(a.cfg.Mode)
	switch mode {
	case "run":
		return a.RunMode(ctx, deps, c)
	case "server":
		return a.ServerMode(ctx, deps, c)
	case "archive":
		return a.ArchiveMode(ctx, deps)
	case "cycle":
		return a.CycleMode(ctx, c)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// build constructs the market data, oracle, execution and service layers.
func (a *App) build(deps *Dependencies) (*components, error) {
	cfg := a.cfg
	logger := a.logger

	events := service.NewEventPublisher(deps.SignalBus, deps.Stores.Audit, deps.Notifier, logger)

	market := binance.New(binance.Config{
		BaseURL:     cfg.Binance.BaseURL,
		HTTPTimeout: cfg.Binance.HTTPTimeout.Duration,
	})
	prices := service.NewPriceService(market, deps.PriceCache, deps.RateLimiter, service.PriceConfig{
		Timeout:    cfg.Engine.PriceTimeout.Duration,
		RateLimit:  cfg.Binance.RateLimit,
		RateWindow: cfg.Binance.RateWindow.Duration,
	}, logger)

	indicators := oracle.IndicatorConfig{
		EMAFast:    cfg.Trinity.EMAFast,
		EMASlow:    cfg.Trinity.EMASlow,
		RSI:        cfg.Trinity.RSIPeriod,
		MACDFast:   cfg.Trinity.MACDFast,
		MACDSlow:   cfg.Trinity.MACDSlow,
		MACDSignal: cfg.Trinity.MACDSignal,
	}
	oracles := oracle.NewRegistry()
	oracles.Register(oracle.NewTrinity(oracle.TrinityConfig{
		Indicators:    indicators,
		Overbought:    cfg.Trinity.Overbought,
		Oversold:      cfg.Trinity.Oversold,
		MinAgreement:  cfg.Trinity.MinAgreement,
		StopLossPct:   cfg.Risk.StopLossPct,
		TakeProfitPct: cfg.Risk.TakeProfitPct,
	}))
	if cfg.LLM.Model != "" {
		chat := llm.New(llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout.Duration,
			MaxRetries:  cfg.LLM.MaxRetries,
		}, logger)
		o, err := oracle.NewLLM(chat, logger)
		if err != nil {
			return nil, err
		}
		oracles.Register(o)
	}
	logger.Info("oracles registered", slog.Any("oracles", oracles.List()))

	exec := executor.New(
		deps.Stores,
		executor.NewPaperGateway(cfg.Engine.SlippageBps, cfg.Engine.FeeRate),
		deps.LockManager,
		events,
		executor.Config{
			ExchangeTimeout: cfg.Engine.ExchangeTimeout.Duration,
			LockTTL:         cfg.Engine.LockTTL.Duration,
			LockWait:        cfg.Engine.LockWait.Duration,
			DedupTTL:        cfg.Engine.DedupTTL.Duration,
			LedgerTolerance: cfg.Engine.LedgerTolerance,
		},
		logger,
	)

	mon := monitor.New(deps.Stores.Positions, prices, deps.PriceCache, exec, events, monitor.Config{
		PriceTimeout:    cfg.Engine.PriceTimeout.Duration,
		PriceMaxAge:     cfg.Engine.PriceMaxAge.Duration,
		StaleCycleLimit: cfg.Engine.StaleCycleLimit,
	}, logger)

	runner := engine.NewRunner(deps.Stores, prices, oracles, risk.NewCalculator(cfg.Engine.FeeRate), exec, mon, events, engine.Config{
		PriceTimeout:    cfg.Engine.PriceTimeout.Duration,
		DecisionTimeout: cfg.Engine.DecisionTimeout.Duration,
		CandleTimeframe: cfg.Engine.CandleTimeframe,
		CandleLimit:     cfg.Engine.CandleLimit,
		Indicators:      indicators,
	}, logger)

	return &components{
		events:     events,
		prices:     prices,
		oracles:    oracles,
		exec:       exec,
		monitor:    mon,
		runner:     runner,
		supervisor: engine.NewSupervisor(runner, deps.Stores.Bots, deps.Stores.Positions, cfg.Engine.CycleInterval.Duration, cfg.Engine.BotRefresh.Duration, logger),
		bots:       service.NewBotService(deps.Stores, oracles, events, cfg.Engine.LedgerTolerance, logger),
		positions:  service.NewPositionService(deps.Stores.Positions, prices, exec, events, cfg.Engine.PriceTimeout.Duration, logger),
		portfolio:  service.NewPortfolioService(deps.Stores, mon, cfg.Engine.SharpeWindow, logger),
	}, nil
}

// bootstrapBots creates the configured bots that do not exist yet.
func (a *App) bootstrapBots(ctx context.Context, c *components) error {
	if len(a.cfg.Bots) == 0 {
		return nil
	}
	specs := make([]service.BotSpec, 0, len(a.cfg.Bots))
	for _, b := range a.cfg.Bots {
		specs = append(specs, service.BotSpec{
			Name:           b.Name,
			Symbols:        b.Symbols,
			Oracle:         b.Oracle,
			InitialCapital: b.InitialCapital,
			Risk:           a.cfg.RiskFor(b),
			Active:         b.Active,
		})
	}
	created, err := c.bots.Bootstrap(ctx, specs)
	if err != nil {
		return fmt.Errorf("app: bootstrap bots: %w", err)
	}
	if len(created) > 0 {
		a.logger.InfoContext(ctx, "bots bootstrapped", slog.Int("created", len(created)))
	}
	return nil
}
