package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradeagent/internal/pipeline"
	"github.com/alanyoungcy/tradeagent/internal/server"
	"github.com/alanyoungcy/tradeagent/internal/server/handler"
	"github.com/alanyoungcy/tradeagent/internal/server/ws"
	"github.com/alanyoungcy/tradeagent/internal/service"
)

// RunMode drives every active bot on the configured cadence. The HTTP API and
// the archive schedule run alongside when enabled.
func (a *App) RunMode(ctx context.Context, deps *Dependencies, c *components) error {
	a.logger.InfoContext(ctx, "starting run mode",
		slog.Duration("cycle_interval", a.cfg.Engine.CycleInterval.Duration),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.exec.Run(ctx)
	})
	g.Go(func() error {
		return c.supervisor.Run(ctx)
	})

	trigger := a.startArchive(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c, trigger, c.supervisor.Running)
	}

	return ignoreCanceled(g.Wait())
}

// ServerMode serves the HTTP API without running trading cycles. Manual
// position closes still go through the executor.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, c *components) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.exec.Run(ctx)
	})

	trigger := a.startArchive(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, c, trigger, nil)

	return ignoreCanceled(g.Wait())
}

// ArchiveMode runs a single archive pass and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if deps.Archiver == nil {
		return fmt.Errorf("app: archive mode requires object storage")
	}
	arch := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.cfg.Archive.BackfillDays, a.logger)
	res, err := arch.Run(ctx)
	if err != nil {
		return fmt.Errorf("app: archive: %w", err)
	}
	a.logger.InfoContext(ctx, "archive mode complete",
		slog.Int("days", res.Days),
		slog.Int64("trades", res.Trades),
		slog.Int64("equity", res.Equity),
	)
	return nil
}

// CycleMode runs one decision cycle for every active bot and exits.
func (a *App) CycleMode(ctx context.Context, c *components) error {
	a.logger.InfoContext(ctx, "starting cycle mode")
	if err := c.supervisor.RunOnce(ctx); err != nil {
		return fmt.Errorf("app: cycle: %w", err)
	}
	a.logger.InfoContext(ctx, "cycle mode complete")
	return nil
}

// startArchive schedules the archive cron when an archiver is wired. The
// returned channel queues a manual run; it is nil when archiving is off.
func (a *App) startArchive(ctx context.Context, g *errgroup.Group, deps *Dependencies) chan struct{} {
	if deps.Archiver == nil {
		return nil
	}
	trigger := make(chan struct{}, 1)
	arch := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.cfg.Archive.BackfillDays, a.logger)
	g.Go(func() error {
		return arch.RunCron(ctx, a.cfg.Archive.Cron, trigger)
	})
	return trigger
}

// startHTTPServer builds the API handlers and WebSocket hub and runs them in
// g until ctx is cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	c *components,
	archiveTrigger chan struct{},
	running func() []string,
) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: a.startedAt,
		Origins:   a.cfg.Server.CORSOrigins,
	})

	archive := handler.NewArchiveHandler(a.logger)
	if archiveTrigger != nil {
		archive = archive.WithTriggerChannel(archiveTrigger)
	}
	if deps.ArchiveIndex != nil {
		archive = archive.WithIndex(deps.ArchiveIndex)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  time.Minute,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, a.startedAt, c.bots).WithRunning(running),
		Bots:      handler.NewBotHandler(c.bots, a.cfg.Risk.Params(), a.logger),
		Positions: handler.NewPositionHandler(c.positions, a.logger),
		Portfolio: handler.NewPortfolioHandler(c.portfolio, a.logger),
		Prices:    handler.NewPriceHandler(c.prices, a.logger),
		Events:    handler.NewEventHandler(deps.SignalBus, service.EventStream, a.logger),
		Archive:   archive,
		Audit:     handler.NewAuditHandler(deps.Stores.Audit, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// ignoreCanceled treats shutdown by context cancellation as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
