package local

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

type pricePoint struct {
	price float64
	ts    time.Time
}

// PriceCache is an in-memory domain.PriceCache.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]pricePoint
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache returns an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]pricePoint)}
}

func (pc *PriceCache) SetPrice(_ context.Context, symbol string, price float64, ts time.Time) error {
	pc.mu.Lock()
	pc.prices[symbol] = pricePoint{price: price, ts: ts}
	pc.mu.Unlock()
	return nil
}

func (pc *PriceCache) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	p, ok := pc.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p.price, p.ts, nil
}

func (pc *PriceCache) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if p, ok := pc.prices[s]; ok {
			out[s] = p.price
		}
	}
	return out, nil
}
