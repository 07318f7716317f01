package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADEAGENT_* environment variable overrides, and
// returns the final Config. A missing file leaves the defaults in place. The
// returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADEAGENT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TRADEAGENT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "TRADEAGENT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRADEAGENT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRADEAGENT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRADEAGENT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRADEAGENT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRADEAGENT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRADEAGENT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRADEAGENT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRADEAGENT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TRADEAGENT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADEAGENT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADEAGENT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADEAGENT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADEAGENT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADEAGENT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "TRADEAGENT_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.PriceTTL, "TRADEAGENT_REDIS_PRICE_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "TRADEAGENT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADEAGENT_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADEAGENT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADEAGENT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADEAGENT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRADEAGENT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRADEAGENT_S3_FORCE_PATH_STYLE")

	// ── Binance ──
	setStr(&cfg.Binance.BaseURL, "TRADEAGENT_BINANCE_BASE_URL")
	setDuration(&cfg.Binance.HTTPTimeout, "TRADEAGENT_BINANCE_HTTP_TIMEOUT")
	setInt(&cfg.Binance.RateLimit, "TRADEAGENT_BINANCE_RATE_LIMIT")

	// ── LLM ──
	setStr(&cfg.LLM.BaseURL, "TRADEAGENT_LLM_BASE_URL")
	setStr(&cfg.LLM.APIKey, "TRADEAGENT_LLM_API_KEY")
	setStr(&cfg.LLM.Model, "TRADEAGENT_LLM_MODEL")
	setFloat64(&cfg.LLM.Temperature, "TRADEAGENT_LLM_TEMPERATURE")
	setDuration(&cfg.LLM.Timeout, "TRADEAGENT_LLM_TIMEOUT")

	// ── Risk ──
	setInt(&cfg.Risk.MaxTradesPerDay, "TRADEAGENT_RISK_MAX_TRADES_PER_DAY")
	setFloat64(&cfg.Risk.MaxPositionPct, "TRADEAGENT_RISK_MAX_POSITION_PCT")
	setFloat64(&cfg.Risk.StopLossPct, "TRADEAGENT_RISK_STOP_LOSS_PCT")
	setFloat64(&cfg.Risk.TakeProfitPct, "TRADEAGENT_RISK_TAKE_PROFIT_PCT")
	setDuration(&cfg.Risk.MaxHoldDuration, "TRADEAGENT_RISK_MAX_HOLD_DURATION")
	setFloat64(&cfg.Risk.MinConfidence, "TRADEAGENT_RISK_MIN_CONFIDENCE")

	// ── Engine ──
	setDuration(&cfg.Engine.CycleInterval, "TRADEAGENT_ENGINE_CYCLE_INTERVAL")
	setDuration(&cfg.Engine.PriceTimeout, "TRADEAGENT_ENGINE_PRICE_TIMEOUT")
	setDuration(&cfg.Engine.DecisionTimeout, "TRADEAGENT_ENGINE_DECISION_TIMEOUT")
	setDuration(&cfg.Engine.ExchangeTimeout, "TRADEAGENT_ENGINE_EXCHANGE_TIMEOUT")
	setInt(&cfg.Engine.StaleCycleLimit, "TRADEAGENT_ENGINE_STALE_CYCLE_LIMIT")
	setStr(&cfg.Engine.CandleTimeframe, "TRADEAGENT_ENGINE_CANDLE_TIMEFRAME")
	setFloat64(&cfg.Engine.FeeRate, "TRADEAGENT_ENGINE_FEE_RATE")
	setFloat64(&cfg.Engine.SlippageBps, "TRADEAGENT_ENGINE_SLIPPAGE_BPS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "TRADEAGENT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "TRADEAGENT_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "TRADEAGENT_ARCHIVE_CRON")
	setInt(&cfg.Archive.BackfillDays, "TRADEAGENT_ARCHIVE_BACKFILL_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRADEAGENT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRADEAGENT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TRADEAGENT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "TRADEAGENT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "TRADEAGENT_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADEAGENT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADEAGENT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADEAGENT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADEAGENT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRADEAGENT_MODE")
	setStr(&cfg.LogLevel, "TRADEAGENT_LOG_LEVEL")
	setStr(&cfg.Storage, "TRADEAGENT_STORAGE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
