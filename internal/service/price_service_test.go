package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeagent/internal/cache/local"
	"github.com/alanyoungcy/tradeagent/internal/domain"
)

func TestPriceServiceWritesThrough(t *testing.T) {
	ctx := context.Background()
	cache := local.NewPriceCache()
	upstream := &staticPrices{quotes: map[string]domain.Quote{"BTCUSDT": {Symbol: "BTCUSDT", Price: 64000, Timestamp: t0}}}
	svc := NewPriceService(upstream, cache, nil, PriceConfig{}, testLogger())

	q, err := svc.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 64000, q.Price, 1e-9)

	price, ts, err := cache.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 64000, price, 1e-9)
	assert.True(t, ts.Equal(t0))

	cached, err := svc.Cached(ctx, []string{"BTCUSDT", "ETHUSDT"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"BTCUSDT": 64000}, cached)
}

func TestPriceServiceRejectsZeroPrice(t *testing.T) {
	upstream := &staticPrices{quotes: map[string]domain.Quote{"BTCUSDT": {Symbol: "BTCUSDT", Price: 0}}}
	cache := local.NewPriceCache()
	svc := NewPriceService(upstream, cache, nil, PriceConfig{}, testLogger())

	_, err := svc.GetPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrStaleData)
	_, _, err = cache.GetPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPriceServiceRateLimit(t *testing.T) {
	upstream := &staticPrices{quotes: map[string]domain.Quote{"BTCUSDT": {Symbol: "BTCUSDT", Price: 1, Timestamp: t0}}}
	svc := NewPriceService(upstream, nil, local.NewRateLimiter(), PriceConfig{RateLimit: 2, RateWindow: time.Hour}, testLogger())
	ctx := context.Background()

	_, err := svc.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	_, err = svc.GetCandles(ctx, "BTCUSDT", "15m", 3)
	require.NoError(t, err)
	_, err = svc.GetPrice(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 2, upstream.calls)
}
