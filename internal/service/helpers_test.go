package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeagent/internal/domain"
	"github.com/alanyoungcy/tradeagent/internal/store/memory"
)

var t0 = time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRisk() domain.RiskParams {
	return domain.RiskParams{
		MaxTradesPerDay: 5,
		MaxPositionPct:  5,
		StopLossPct:     3,
		TakeProfitPct:   6,
		MinConfidence:   0.6,
		SizeLowPct:      1,
		SizeHighPct:     3,
		MinRiskReward:   1.5,
		MinNotional:     10,
	}
}

func seedBot(t *testing.T, stores domain.Stores, id string, capital float64) domain.Bot {
	t.Helper()
	bot := domain.Bot{
		ID: id, Name: "bot-" + id, Symbols: []string{"BTCUSDT"}, Oracle: "trinity",
		InitialCapital: capital, AvailableCapital: capital, Equity: capital,
		Status: domain.BotStatusActive, Risk: testRisk(), CreatedAt: t0,
	}
	require.NoError(t, stores.Bots.Create(context.Background(), bot))
	return bot
}

func newStores() domain.Stores {
	return memory.New().Stores()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev domain.Event) error {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) types() []domain.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.EventType, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

type staticPrices struct {
	quotes map[string]domain.Quote
	err    error
	calls  int
}

func (p *staticPrices) GetPrice(_ context.Context, symbol string) (domain.Quote, error) {
	p.calls++
	if p.err != nil {
		return domain.Quote{}, p.err
	}
	q, ok := p.quotes[symbol]
	if !ok {
		return domain.Quote{}, domain.ErrStaleData
	}
	return q, nil
}

func (p *staticPrices) GetCandles(_ context.Context, symbol, _ string, limit int) ([]domain.Candle, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	out := make([]domain.Candle, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, domain.Candle{OpenTime: t0.Add(time.Duration(i) * time.Minute), Close: p.quotes[symbol].Price})
	}
	return out, nil
}
