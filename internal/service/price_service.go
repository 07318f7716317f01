package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// PriceConfig bounds calls to the upstream market data source.
type PriceConfig struct {
	Timeout time.Duration
	// RateLimit calls per RateWindow across every bot sharing the limiter.
	// Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// PriceService wraps a market data source with a per-call timeout, a shared
// rate limit and a write-through price cache. It implements
// domain.MarketData.
type PriceService struct {
	upstream domain.MarketData
	cache    domain.PriceCache
	limiter  domain.RateLimiter
	cfg      PriceConfig
	logger   *slog.Logger
}

var _ domain.MarketData = (*PriceService)(nil)

const priceRateKey = "marketdata"

// NewPriceService creates a PriceService. cache and limiter may be nil.
func NewPriceService(upstream domain.MarketData, cache domain.PriceCache, limiter domain.RateLimiter, cfg PriceConfig, logger *slog.Logger) *PriceService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	return &PriceService{
		upstream: upstream,
		cache:    cache,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "price_service")),
	}
}

// GetPrice fetches a fresh quote and records it in the cache.
func (s *PriceService) GetPrice(ctx context.Context, symbol string) (domain.Quote, error) {
	if err := s.allow(ctx); err != nil {
		return domain.Quote{}, fmt.Errorf("price_service: price %s: %w", symbol, err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	q, err := s.upstream.GetPrice(ctx, symbol)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("price_service: price %s: %w", symbol, err)
	}
	if q.Price <= 0 || math.IsNaN(q.Price) || math.IsInf(q.Price, 0) {
		return domain.Quote{}, fmt.Errorf("price_service: price %s is %v: %w", symbol, q.Price, domain.ErrStaleData)
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now().UTC()
	}
	if s.cache != nil {
		if err := s.cache.SetPrice(ctx, symbol, q.Price, q.Timestamp); err != nil {
			s.logger.WarnContext(ctx, "price_service: cache write failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	return q, nil
}

// GetCandles fetches closed candles for symbol.
func (s *PriceService) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	if err := s.allow(ctx); err != nil {
		return nil, fmt.Errorf("price_service: candles %s: %w", symbol, err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	candles, err := s.upstream.GetCandles(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("price_service: candles %s: %w", symbol, err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("price_service: candles %s: none returned: %w", symbol, domain.ErrStaleData)
	}
	return candles, nil
}

// Cached returns the last cached price of each symbol that has one.
func (s *PriceService) Cached(ctx context.Context, symbols []string) (map[string]float64, error) {
	if s.cache == nil || len(symbols) == 0 {
		return map[string]float64{}, nil
	}
	prices, err := s.cache.GetPrices(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("price_service: cached prices: %w", err)
	}
	return prices, nil
}

func (s *PriceService) allow(ctx context.Context) error {
	if s.limiter == nil || s.cfg.RateLimit <= 0 {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, priceRateKey, s.cfg.RateLimit, s.cfg.RateWindow)
	if err != nil {
		// Fail open when the limiter is unreachable.
		s.logger.WarnContext(ctx, "price_service: rate limiter unavailable",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !ok {
		return domain.ErrRateLimited
	}
	return nil
}
