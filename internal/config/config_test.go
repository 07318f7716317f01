package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.Engine.StaleCycleLimit)
	assert.Equal(t, 24*time.Hour, cfg.Risk.Params().MaxHoldDuration)
	assert.Zero(t, cfg.Risk.Params().TimeoutProfitFloorPct)
}

func TestExampleFileValidates(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.Bots, 2)

	assert.Equal(t, 3.5, cfg.RiskFor(cfg.Bots[0]).StopLossPct)
	tight := cfg.RiskFor(cfg.Bots[1])
	assert.Equal(t, 2.0, tight.StopLossPct)
	assert.Equal(t, 6*time.Hour, tight.MaxHoldDuration)
	assert.Equal(t, 0.5, tight.TimeoutProfitFloorPct)
	assert.Zero(t, cfg.RiskFor(cfg.Bots[0]).TimeoutProfitFloorPct)
}

func TestLoadDecodesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.toml")
	body := `
storage = "memory"

[engine]
cycle_interval = "30s"
fee_rate = 0.001

[[bots]]
name = "a"
symbols = ["BTCUSDT"]
oracle = "trinity"
initial_capital = 100
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Engine.CycleInterval.Duration)
	assert.Equal(t, 0.001, cfg.Engine.FeeRate)
	// Untouched values keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Engine.PriceTimeout.Duration)
	assert.Equal(t, "memory", cfg.Storage)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Engine.CandleLimit, cfg.Engine.CandleLimit)
}

func TestLoadRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = "), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRADEAGENT_MODE", "cycle")
	t.Setenv("TRADEAGENT_ENGINE_PRICE_TIMEOUT", "3s")
	t.Setenv("TRADEAGENT_RISK_STOP_LOSS_PCT", "2.5")
	t.Setenv("TRADEAGENT_SERVER_CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("TRADEAGENT_REDIS_DB", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "cycle", cfg.Mode)
	assert.Equal(t, 3*time.Second, cfg.Engine.PriceTimeout.Duration)
	assert.Equal(t, 2.5, cfg.Risk.StopLossPct)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 0, cfg.Redis.DB)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "yolo"
	cfg.Engine.StaleCycleLimit = 0
	cfg.Risk.SizeHighPct = 0.5
	cfg.Bots = []BotConfig{
		{Name: "a", Symbols: []string{"BTCUSDT"}, Oracle: "llm", InitialCapital: 10},
		{Name: "a", Oracle: "crystal-ball"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "yolo"`,
		"stale_cycle_limit",
		"risk: size_low_pct",
		"bots[0]: oracle llm requires llm.model",
		`bots[1]: duplicate name "a"`,
		"bots[1]: symbols must not be empty",
		"bots[1]: initial_capital",
		`unknown oracle "crystal-ball"`,
	} {
		assert.True(t, strings.Contains(msg, want), "missing %q in %s", want, msg)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pw"
	cfg.LLM.APIKey = "sk-123"
	cfg.Server.APIKey = "k"
	cfg.Bots = []BotConfig{{Name: "a", Symbols: []string{"BTCUSDT"}}}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.LLM.APIKey)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Empty(t, out.Redis.Password)

	out.Bots[0].Symbols[0] = "ETHUSDT"
	out.Server.CORSOrigins[0] = "x"
	assert.Equal(t, "BTCUSDT", cfg.Bots[0].Symbols[0])
	assert.Equal(t, "pw", cfg.Postgres.Password)
	assert.NotEqual(t, "x", cfg.Server.CORSOrigins[0])
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://agent:xxxxx@db:5432/trade?sslmode=disable",
		redactDSN("postgres://agent:s3cret@db:5432/trade?sslmode=disable"))
	assert.Equal(t, "***", redactDSN("host=db user=agent password=s3cret"))
	assert.Empty(t, redactDSN(""))
}
