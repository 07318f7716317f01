// Package config defines the top-level configuration for the trading agent
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADEAGENT_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Binance  BinanceConfig  `toml:"binance"`
	LLM      LLMConfig      `toml:"llm"`
	Trinity  TrinityConfig  `toml:"trinity"`
	Risk     RiskConfig     `toml:"risk"`
	Engine   EngineConfig   `toml:"engine"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Bots     []BotConfig    `toml:"bots"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
	// Storage selects "postgres" (Postgres + Redis) or "memory" (in-process,
	// nothing survives a restart).
	Storage string `toml:"storage"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
	// PriceTTL expires cached prices so a dead feed cannot serve them
	// forever. Zero disables expiry.
	PriceTTL     duration `toml:"price_ttl"`
	StreamMaxLen int      `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// BinanceConfig configures the futures market data client.
type BinanceConfig struct {
	BaseURL     string   `toml:"base_url"`
	HTTPTimeout duration `toml:"http_timeout"`
	// RateLimit requests per RateWindow shared by every bot. Zero disables
	// client-side limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// LLMConfig configures the OpenAI-compatible chat endpoint behind the llm
// oracle. The oracle is registered only when Model is set.
type LLMConfig struct {
	BaseURL     string   `toml:"base_url"`
	APIKey      string   `toml:"api_key"`
	Model       string   `toml:"model"`
	Temperature float64  `toml:"temperature"`
	Timeout     duration `toml:"timeout"`
	MaxRetries  int      `toml:"max_retries"`
}

// TrinityConfig configures the indicator confluence oracle.
type TrinityConfig struct {
	EMAFast      int     `toml:"ema_fast"`
	EMASlow      int     `toml:"ema_slow"`
	RSIPeriod    int     `toml:"rsi_period"`
	MACDFast     int     `toml:"macd_fast"`
	MACDSlow     int     `toml:"macd_slow"`
	MACDSignal   int     `toml:"macd_signal"`
	Overbought   float64 `toml:"overbought"`
	Oversold     float64 `toml:"oversold"`
	MinAgreement int     `toml:"min_agreement"`
}

// RiskConfig holds the risk parameters given to bots that do not override
// them. Percentages are in percent.
type RiskConfig struct {
	MaxTradesPerDay       int      `toml:"max_trades_per_day"`
	MaxPositionPct        float64  `toml:"max_position_pct"`
	StopLossPct           float64  `toml:"stop_loss_pct"`
	TakeProfitPct         float64  `toml:"take_profit_pct"`
	MaxHoldDuration       duration `toml:"max_hold_duration"`
	MinConfidence         float64  `toml:"min_confidence"`
	SizeLowPct            float64  `toml:"size_low_pct"`
	SizeHighPct           float64  `toml:"size_high_pct"`
	MinRiskReward         float64  `toml:"min_risk_reward"`
	TimeoutProfitFloorPct float64  `toml:"timeout_profit_floor_pct"`
	MinNotional           float64  `toml:"min_notional"`
}

// Params converts r to the domain representation.
func (r RiskConfig) Params() domain.RiskParams {
	return domain.RiskParams{
		MaxTradesPerDay:       r.MaxTradesPerDay,
		MaxPositionPct:        r.MaxPositionPct,
		StopLossPct:           r.StopLossPct,
		TakeProfitPct:         r.TakeProfitPct,
		MaxHoldDuration:       r.MaxHoldDuration.Duration,
		MinConfidence:         r.MinConfidence,
		SizeLowPct:            r.SizeLowPct,
		SizeHighPct:           r.SizeHighPct,
		MinRiskReward:         r.MinRiskReward,
		TimeoutProfitFloorPct: r.TimeoutProfitFloorPct,
		MinNotional:           r.MinNotional,
	}
}

// EngineConfig holds cycle scheduling, timeouts and execution parameters.
type EngineConfig struct {
	CycleInterval   duration `toml:"cycle_interval"`
	BotRefresh      duration `toml:"bot_refresh"`
	PriceTimeout    duration `toml:"price_timeout"`
	DecisionTimeout duration `toml:"decision_timeout"`
	ExchangeTimeout duration `toml:"exchange_timeout"`
	PriceMaxAge     duration `toml:"price_max_age"`
	StaleCycleLimit int      `toml:"stale_cycle_limit"`
	CandleTimeframe string   `toml:"candle_timeframe"`
	CandleLimit     int      `toml:"candle_limit"`
	FeeRate         float64  `toml:"fee_rate"`
	SlippageBps     float64  `toml:"slippage_bps"`
	LockTTL         duration `toml:"lock_ttl"`
	LockWait        duration `toml:"lock_wait"`
	DedupTTL        duration `toml:"dedup_ttl"`
	LedgerTolerance float64  `toml:"ledger_tolerance"`
	// SharpeWindow is how many recent equity snapshots feed the portfolio
	// Sharpe ratio. Zero uses all of them.
	SharpeWindow int `toml:"sharpe_window"`
}

// ArchiveConfig controls the cold-storage export of old ledger rows.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
	Prefix        string `toml:"prefix"`
	// BackfillDays before the retention cutoff are revisited on each run.
	BackfillDays int `toml:"backfill_days"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit requests per minute per client. Zero disables it.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// BotConfig declares a bot created at startup when no bot with the same name
// exists. Risk overrides the global [risk] section when present.
type BotConfig struct {
	Name           string      `toml:"name"`
	Symbols        []string    `toml:"symbols"`
	Oracle         string      `toml:"oracle"`
	InitialCapital float64     `toml:"initial_capital"`
	Active         bool        `toml:"active"`
	Risk           *RiskConfig `toml:"risk"`
}

// RiskFor returns the effective risk parameters for b.
func (c *Config) RiskFor(b BotConfig) domain.RiskParams {
	if b.Risk != nil {
		return b.Risk.Params()
	}
	return c.Risk.Params()
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tradeagent",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "tradeagent:",
			PriceTTL:     duration{time.Hour},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradeagent-ledger",
			ForcePathStyle: true,
		},
		Binance: BinanceConfig{
			BaseURL:     "https://fapi.binance.com",
			HTTPTimeout: duration{10 * time.Second},
			RateLimit:   1200,
			RateWindow:  duration{time.Minute},
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Temperature: 0.2,
			Timeout:     duration{60 * time.Second},
			MaxRetries:  3,
		},
		Trinity: TrinityConfig{
			EMAFast:      12,
			EMASlow:      26,
			RSIPeriod:    14,
			MACDFast:     12,
			MACDSlow:     26,
			MACDSignal:   9,
			Overbought:   70,
			Oversold:     30,
			MinAgreement: 2,
		},
		Risk: RiskConfig{
			MaxTradesPerDay:       5,
			MaxPositionPct:        5,
			StopLossPct:           3.5,
			TakeProfitPct:         7,
			MaxHoldDuration:       duration{24 * time.Hour},
			MinConfidence:         0.6,
			SizeLowPct:            1,
			SizeHighPct:           3,
			MinRiskReward:         1.5,
			TimeoutProfitFloorPct: 0,
			MinNotional:           10,
		},
		Engine: EngineConfig{
			CycleInterval:   duration{5 * time.Minute},
			BotRefresh:      duration{time.Minute},
			PriceTimeout:    duration{5 * time.Second},
			DecisionTimeout: duration{90 * time.Second},
			ExchangeTimeout: duration{10 * time.Second},
			PriceMaxAge:     duration{2 * time.Minute},
			StaleCycleLimit: 2,
			CandleTimeframe: "15m",
			CandleLimit:     100,
			FeeRate:         0.0004,
			SlippageBps:     2,
			LockTTL:         duration{30 * time.Second},
			LockWait:        duration{5 * time.Second},
			DedupTTL:        duration{10 * time.Minute},
			LedgerTolerance: 1e-6,
			SharpeWindow:    500,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Cron:          "0 3 * * *",
			Prefix:        "ledger",
			BackfillDays:  7,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
		},
		Notify: NotifyConfig{
			Events: []string{
				string(domain.EventPositionOpened),
				string(domain.EventPositionClosed),
				string(domain.EventPositionReview),
				string(domain.EventBotHalted),
			},
		},
		Mode:     "run",
		LogLevel: "info",
		Storage:  "postgres",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":     true,
	"server":  true,
	"archive": true,
	"cycle":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStorage = map[string]bool{
	"postgres": true,
	"memory":   true,
}

var validTimeframes = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "12h": true, "1d": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, server, archive, cycle)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if !validStorage[strings.ToLower(c.Storage)] {
		errs = append(errs, fmt.Sprintf("unknown storage %q (valid: postgres, memory)", c.Storage))
	}

	if strings.EqualFold(c.Storage, "postgres") {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.Archive.Enabled || strings.EqualFold(c.Mode, "archive") {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archiving")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron %q must have 5 fields", c.Archive.Cron))
		}
	}

	if c.Binance.BaseURL == "" {
		errs = append(errs, "binance: base_url must not be empty")
	}
	if c.LLM.Model != "" && c.LLM.BaseURL == "" {
		errs = append(errs, "llm: base_url must be set when model is set")
	}
	if c.Trinity.EMAFast >= c.Trinity.EMASlow {
		errs = append(errs, "trinity: ema_fast must be shorter than ema_slow")
	}
	if c.Trinity.MACDFast >= c.Trinity.MACDSlow {
		errs = append(errs, "trinity: macd_fast must be shorter than macd_slow")
	}
	if c.Trinity.MinAgreement < 1 || c.Trinity.MinAgreement > 3 {
		errs = append(errs, "trinity: min_agreement must be 1-3")
	}
	if c.Trinity.Oversold >= c.Trinity.Overbought {
		errs = append(errs, "trinity: oversold must be below overbought")
	}

	errs = append(errs, c.Risk.problems("risk")...)

	e := c.Engine
	if e.CycleInterval.Duration <= 0 {
		errs = append(errs, "engine: cycle_interval must be > 0")
	}
	for _, t := range []struct {
		name string
		d    time.Duration
	}{
		{"price_timeout", e.PriceTimeout.Duration},
		{"decision_timeout", e.DecisionTimeout.Duration},
		{"exchange_timeout", e.ExchangeTimeout.Duration},
	} {
		if t.d <= 0 {
			errs = append(errs, fmt.Sprintf("engine: %s must be > 0", t.name))
		}
	}
	if e.StaleCycleLimit < 1 {
		errs = append(errs, "engine: stale_cycle_limit must be >= 1")
	}
	if !validTimeframes[e.CandleTimeframe] {
		errs = append(errs, fmt.Sprintf("engine: unsupported candle_timeframe %q", e.CandleTimeframe))
	}
	if e.CandleLimit < 1 {
		errs = append(errs, "engine: candle_limit must be >= 1")
	}
	if e.FeeRate < 0 || e.FeeRate >= 0.1 {
		errs = append(errs, fmt.Sprintf("engine: fee_rate %v outside [0, 0.1)", e.FeeRate))
	}
	if e.SlippageBps < 0 {
		errs = append(errs, "engine: slippage_bps must be >= 0")
	}

	names := make(map[string]bool, len(c.Bots))
	for i, b := range c.Bots {
		label := fmt.Sprintf("bots[%d]", i)
		if b.Name == "" {
			errs = append(errs, label+": name must not be empty")
		} else if names[b.Name] {
			errs = append(errs, fmt.Sprintf("%s: duplicate name %q", label, b.Name))
		}
		names[b.Name] = true
		if len(b.Symbols) == 0 {
			errs = append(errs, label+": symbols must not be empty")
		}
		if b.InitialCapital <= 0 {
			errs = append(errs, label+": initial_capital must be > 0")
		}
		switch b.Oracle {
		case "trinity":
		case "llm":
			if c.LLM.Model == "" {
				errs = append(errs, label+": oracle llm requires llm.model")
			}
		default:
			errs = append(errs, fmt.Sprintf("%s: unknown oracle %q (valid: trinity, llm)", label, b.Oracle))
		}
		if b.Risk != nil {
			errs = append(errs, b.Risk.problems(label+".risk")...)
		}
	}

	if c.Server.Enabled || strings.EqualFold(c.Mode, "server") {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (r RiskConfig) problems(section string) []string {
	var errs []string
	if r.StopLossPct <= 0 || r.StopLossPct >= 100 {
		errs = append(errs, section+": stop_loss_pct must be in (0, 100)")
	}
	if r.TakeProfitPct <= 0 {
		errs = append(errs, section+": take_profit_pct must be > 0")
	}
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		errs = append(errs, section+": min_confidence must be in [0, 1]")
	}
	if r.SizeLowPct <= 0 || r.SizeHighPct < r.SizeLowPct {
		errs = append(errs, section+": size_low_pct must be > 0 and <= size_high_pct")
	}
	if r.MaxPositionPct <= 0 || r.MaxPositionPct > 100 {
		errs = append(errs, section+": max_position_pct must be in (0, 100]")
	}
	if r.MaxTradesPerDay < 0 {
		errs = append(errs, section+": max_trades_per_day must be >= 0")
	}
	if r.MinRiskReward < 0 {
		errs = append(errs, section+": min_risk_reward must be >= 0")
	}
	if r.MaxHoldDuration.Duration < 0 {
		errs = append(errs, section+": max_hold_duration must be >= 0")
	}
	return errs
}
