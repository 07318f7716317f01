// Package binance implements domain.MarketData over the Binance USD-M
// futures REST API.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

const maxKlineLimit = 1500

// Config holds connection settings.
type Config struct {
	BaseURL     string
	HTTPTimeout time.Duration
}

// Client reads mark prices and klines.
type Client struct {
	client *futures.Client
	now    func() time.Time
}

var _ domain.MarketData = (*Client)(nil)

// New creates a Client. Market data endpoints need no credentials.
func New(cfg Config) *Client {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	client := futures.NewClient("", "")
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		client.BaseURL = strings.TrimRight(base, "/")
	}
	client.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout}
	return &Client{client: client, now: func() time.Time { return time.Now().UTC() }}
}

// GetPrice returns the current mark price. A missing or zero price is
// reported as domain.ErrStaleData.
func (c *Client) GetPrice(ctx context.Context, symbol string) (domain.Quote, error) {
	sym := exchangeSymbol(symbol)
	if sym == "" {
		return domain.Quote{}, fmt.Errorf("binance: get price: empty symbol: %w", domain.ErrStaleData)
	}
	res, err := c.client.NewPremiumIndexService().Symbol(sym).Do(ctx)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("binance: get price %s: %w", sym, err)
	}
	for _, entry := range res {
		if entry == nil || !strings.EqualFold(entry.Symbol, sym) {
			continue
		}
		price := parseFloat(entry.MarkPrice)
		if price <= 0 {
			return domain.Quote{}, fmt.Errorf("binance: get price %s: mark %q: %w", sym, entry.MarkPrice, domain.ErrStaleData)
		}
		ts := c.now()
		if entry.Time > 0 {
			ts = time.UnixMilli(entry.Time).UTC()
		}
		return domain.Quote{Symbol: symbol, Price: price, Timestamp: ts}, nil
	}
	return domain.Quote{}, fmt.Errorf("binance: get price %s: no quote: %w", sym, domain.ErrStaleData)
}

// GetCandles returns closed klines, oldest first.
func (c *Client) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	sym := exchangeSymbol(symbol)
	timeframe = strings.ToLower(strings.TrimSpace(timeframe))
	if sym == "" || timeframe == "" {
		return nil, fmt.Errorf("binance: get candles: symbol and timeframe are required")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > maxKlineLimit {
		limit = maxKlineLimit
	}

	kls, err := c.client.NewKlinesService().Symbol(sym).Interval(timeframe).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: get candles %s %s: %w", sym, timeframe, err)
	}
	now := c.now()
	out := make([]domain.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		// The last kline is usually still forming.
		if kl.CloseTime > 0 && time.UnixMilli(kl.CloseTime).After(now) {
			continue
		}
		candle := domain.Candle{
			OpenTime: time.UnixMilli(kl.OpenTime).UTC(),
			Open:     parseFloat(kl.Open),
			High:     parseFloat(kl.High),
			Low:      parseFloat(kl.Low),
			Close:    parseFloat(kl.Close),
			Volume:   parseFloat(kl.Volume),
		}
		if candle.Close <= 0 {
			return nil, fmt.Errorf("binance: get candles %s: zero close at %s: %w", sym, candle.OpenTime, domain.ErrStaleData)
		}
		out = append(out, candle)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("binance: get candles %s: none returned: %w", sym, domain.ErrStaleData)
	}
	return out, nil
}

// exchangeSymbol converts "BTC/USDT" or "btc-usdt" to "BTCUSDT".
func exchangeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
