package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/tradeagent/internal/blob/s3"
	"github.com/alanyoungcy/tradeagent/internal/cache/local"
	"github.com/alanyoungcy/tradeagent/internal/cache/redis"
	"github.com/alanyoungcy/tradeagent/internal/config"
	"github.com/alanyoungcy/tradeagent/internal/domain"
	"github.com/alanyoungcy/tradeagent/internal/notify"
	"github.com/alanyoungcy/tradeagent/internal/server/handler"
	"github.com/alanyoungcy/tradeagent/internal/store/memory"
	"github.com/alanyoungcy/tradeagent/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	Stores domain.Stores

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Archiver and ArchiveIndex are nil unless object storage is configured
	// for this mode.
	Archiver     domain.Archiver
	ArchiveIndex domain.ArchiveIndex

	// Notifications
	Notifier *notify.Notifier

	// HealthChecks probe each remote backend for /api/health.
	HealthChecks map[string]handler.HealthCheckFunc
}

// needsArchive returns true when the mode writes to object storage.
func needsArchive(cfg *config.Config) bool {
	return cfg.Mode == "archive" || (cfg.Archive.Enabled && (cfg.Mode == "run" || cfg.Mode == "server"))
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheckFunc)}

	switch strings.ToLower(cfg.Storage) {
	case "memory":
		logger.WarnContext(ctx, "wire: in-memory storage selected; nothing survives a restart")
		deps.Stores = memory.New().Stores()
		deps.PriceCache = local.NewPriceCache()
		deps.RateLimiter = local.NewRateLimiter()
		deps.LockManager = local.NewLockManager()
		deps.SignalBus = local.NewSignalBus(cfg.Redis.StreamMaxLen)

	default:
		// --- PostgreSQL ---
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.Stores = pgClient.Stores()
		deps.HealthChecks["postgres"] = pgClient.Ping

		// --- Redis ---
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.HealthChecks["redis"] = redisClient.Ping

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, int64(cfg.Redis.StreamMaxLen))
	}

	// --- S3 ledger archive ---
	if needsArchive(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.HealthChecks["s3"] = s3Client.Health

		trades, tok := deps.Stores.Trades.(s3blob.TradeSource)
		equity, eok := deps.Stores.Equity.(s3blob.EquitySource)
		if !tok || !eok {
			cleanup()
			return nil, nil, fmt.Errorf("wire: archive: %s storage cannot list ledger ranges", cfg.Storage)
		}
		ledger := s3blob.NewLedgerArchiver(s3Client, trades, equity, deps.Stores.Audit, cfg.Archive.Prefix)
		deps.Archiver = ledger
		deps.ArchiveIndex = ledger
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
