package domain

import (
	"context"
	"time"
)

// Quote is a single price observation.
type Quote struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Indicators are the technical readings derived from recent candles.
type Indicators struct {
	EMAFast    float64
	EMASlow    float64
	RSI        float64
	MACD       float64
	MACDSignal float64
	MACDHist   float64
}

// MarketContext is everything an oracle sees when deciding on one symbol.
type MarketContext struct {
	BotID      string
	Symbol     string
	Quote      Quote
	Candles    []Candle
	Indicators Indicators
	Position   *Position
	Equity     float64
	Now        time.Time
}

// MarketData supplies prices and candles. Implementations must return
// ErrStaleData instead of a zero or missing price.
type MarketData interface {
	GetPrice(ctx context.Context, symbol string) (Quote, error)
	GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
}

// DecisionOracle produces a trading decision for a symbol.
type DecisionOracle interface {
	Name() string
	Decide(ctx context.Context, mc MarketContext) (Decision, error)
}

// OrderRequest asks the exchange to fill one leg of a position.
type OrderRequest struct {
	ClientID string
	Symbol   string
	Side     Side
	Leg      TradeLeg
	Quantity float64
	RefPrice float64
}

// Fill is the exchange's answer to an OrderRequest.
type Fill struct {
	Price    float64
	Quantity float64
	Fee      float64
	FilledAt time.Time
}

// ExchangeGateway executes orders.
type ExchangeGateway interface {
	Fill(ctx context.Context, req OrderRequest) (Fill, error)
}
