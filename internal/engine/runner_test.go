package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeagent/internal/cache/local"
	"github.com/alanyoungcy/tradeagent/internal/domain"
	"github.com/alanyoungcy/tradeagent/internal/executor"
	"github.com/alanyoungcy/tradeagent/internal/monitor"
	"github.com/alanyoungcy/tradeagent/internal/oracle"
	"github.com/alanyoungcy/tradeagent/internal/risk"
	"github.com/alanyoungcy/tradeagent/internal/store/memory"
)

var (
	t0      = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
)

type fakeMarket struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (f *fakeMarket) set(symbol string, price float64) {
	f.mu.Lock()
	f.prices[symbol] = price
	f.mu.Unlock()
}

func (f *fakeMarket) GetPrice(_ context.Context, symbol string) (domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[symbol]
	if !ok || p <= 0 {
		return domain.Quote{}, domain.ErrStaleData
	}
	return domain.Quote{Symbol: symbol, Price: p, Timestamp: t0}, nil
}

func (f *fakeMarket) GetCandles(_ context.Context, symbol, _ string, limit int) ([]domain.Candle, error) {
	f.mu.Lock()
	p, ok := f.prices[symbol]
	f.mu.Unlock()
	if !ok || p <= 0 {
		return nil, domain.ErrStaleData
	}
	out := make([]domain.Candle, limit)
	for i := range out {
		c := p + float64(i%5) - 2
		out[i] = domain.Candle{OpenTime: t0.Add(time.Duration(i-limit) * time.Hour), Open: c, High: c + 1, Low: c - 1, Close: c}
	}
	return out, nil
}

type mockOracle struct {
	mock.Mock
}

func (m *mockOracle) Name() string { return "mock" }

func (m *mockOracle) Decide(ctx context.Context, mc domain.MarketContext) (domain.Decision, error) {
	args := m.Called(mc.Symbol)
	d, _ := args.Get(0).(domain.Decision)
	return d, args.Error(1)
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (e *eventLog) Emit(_ context.Context, ev domain.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventLog) has(t domain.EventType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

type harness struct {
	stores domain.Stores
	market *fakeMarket
	oracle *mockOracle
	events *eventLog
	runner *Runner
}

func newHarness(t *testing.T, symbols ...string) *harness {
	t.Helper()
	stores := memory.New().Stores()
	bot := domain.Bot{
		ID: "bot-1", Name: "alpha", Symbols: symbols, Oracle: "mock",
		InitialCapital: 1000, AvailableCapital: 1000, Equity: 1000,
		Status: domain.BotStatusActive, CreatedAt: t0,
		Risk: domain.RiskParams{
			MaxTradesPerDay: 5, MaxPositionPct: 20, StopLossPct: 2, TakeProfitPct: 4,
			MaxHoldDuration: 24 * time.Hour, MinConfidence: 0.6,
			SizeLowPct: 10, SizeHighPct: 10, MinRiskReward: 1.5,
		},
	}
	require.NoError(t, stores.Bots.Create(context.Background(), bot))

	market := &fakeMarket{prices: map[string]float64{}}
	mo := &mockOracle{}
	reg := oracle.NewRegistry()
	reg.Register(mo)
	events := &eventLog{}

	exec := executor.New(stores, executor.NewPaperGateway(0, 0), local.NewLockManager(), events, executor.Config{}, discard)
	mon := monitor.New(stores.Positions, market, nil, exec, events, monitor.Config{}, discard)
	runner := NewRunner(stores, market, reg, risk.NewCalculator(0), exec, mon, events,
		Config{DecisionTimeout: 50 * time.Millisecond, CandleLimit: 60}, discard)
	runner.now = func() time.Time { return t0 }

	return &harness{stores: stores, market: market, oracle: mo, events: events, runner: runner}
}

func (h *harness) bot(t *testing.T) domain.Bot {
	t.Helper()
	b, err := h.stores.Bots.GetByID(context.Background(), "bot-1")
	require.NoError(t, err)
	return b
}

// seedPosition opens a position and debits its notional like the executor
// would.
func (h *harness) seedPosition(t *testing.T, symbol string, qty, entry, stop, target float64) domain.Position {
	t.Helper()
	ctx := context.Background()
	_, err := h.stores.Bots.AdjustCapital(ctx, "bot-1", -qty*entry)
	require.NoError(t, err)
	pos, err := h.stores.Positions.Open(ctx, domain.Position{
		ID: "seed-" + symbol, BotID: "bot-1", Symbol: symbol, Side: domain.SideLong,
		Quantity: qty, EntryPrice: entry, StopLoss: stop, TakeProfit: target, OpenedAt: t0.Add(-time.Hour),
	})
	require.NoError(t, err)
	return pos
}

func TestRunner_OpensApprovedEntry(t *testing.T) {
	h := newHarness(t, "BTCUSDT")
	h.market.set("BTCUSDT", 100)
	h.oracle.On("Decide", "BTCUSDT").Return(domain.Entry{Symbol: "BTCUSDT", Side: domain.SideLong, Confidence: 0.9}, nil)

	res, err := h.runner.RunCycle(context.Background(), "bot-1")
	require.NoError(t, err)
	require.Len(t, res.Opened, 1)
	pos := res.Opened[0]
	assert.InDelta(t, 1, pos.Quantity, 1e-9)
	assert.InDelta(t, 98, pos.StopLoss, 1e-9)
	assert.InDelta(t, 104, pos.TakeProfit, 1e-9)

	bot := h.bot(t)
	assert.InDelta(t, 900, bot.AvailableCapital, 1e-9)
	assert.Equal(t, 1, bot.TradesOn(t0))
	assert.Contains(t, bot.LastDecision, "entry long")
	assert.InDelta(t, 1000, res.Snapshot.Equity, 1e-9)
	assert.Equal(t, 1, res.Snapshot.OpenPositions)
	assert.True(t, h.events.has(domain.EventEquitySnapshot))
}

func TestRunner_MonitorRunsBeforeEntries(t *testing.T) {
	h := newHarness(t, "BTCUSDT")
	// Nearly all capital is tied up until the stop closes this position.
	h.seedPosition(t, "BTCUSDT", 9.5, 100, 95, 120)
	h.market.set("BTCUSDT", 90)
	h.oracle.On("Decide", "BTCUSDT").Return(domain.Entry{Symbol: "BTCUSDT", Side: domain.SideLong, Confidence: 0.9}, nil)

	res, err := h.runner.RunCycle(context.Background(), "bot-1")
	require.NoError(t, err)
	require.Len(t, res.Closed, 1)
	assert.Equal(t, domain.CloseReasonStopLoss, res.Closed[0].Position.CloseReason)
	require.Len(t, res.Opened, 1, "entry sees the capital freed by this cycle's exit")

	open, err := h.stores.Positions.GetOpen(context.Background(), "bot-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.NotEqual(t, "seed-BTCUSDT", open[0].ID)
}

func TestRunner_LowConfidenceRejected(t *testing.T) {
	h := newHarness(t, "BTCUSDT")
	h.market.set("BTCUSDT", 100)
	h.oracle.On("Decide", "BTCUSDT").Return(domain.Entry{Symbol: "BTCUSDT", Side: domain.SideLong, Confidence: 0.4}, nil)

	res, err := h.runner.RunCycle(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.Empty(t, res.Opened)
	assert.Equal(t, 1, res.Rejected)
	assert.Contains(t, h.bot(t).LastDecision, string(risk.CodeLowConfidence))
	assert.True(t, h.events.has(domain.EventDecisionRejected))
	assert.InDelta(t, 1000, h.bot(t).AvailableCapital, 1e-9)
}

func TestRunner_DecisionTimeoutHolds(t *testing.T) {
	h := newHarness(t, "BTCUSDT")
	h.market.set("BTCUSDT", 100)
	h.oracle.On("Decide", "BTCUSDT").
		Run(func(mock.Arguments) { time.Sleep(200 * time.Millisecond) }).
		Return(domain.Entry{Symbol: "BTCUSDT", Side: domain.SideLong, Confidence: 0.9}, context.DeadlineExceeded)

	res, err := h.runner.RunCycle(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.Empty(t, res.Opened)
	assert.Contains(t, h.bot(t).LastDecision, "hold")
}

func TestRunner_DataFailureDoesNotSkipMonitor(t *testing.T) {
	h := newHarness(t, "BTCUSDT", "ETHUSDT")
	h.seedPosition(t, "ETHUSDT", 1, 100, 95, 120)
	h.market.set("ETHUSDT", 94)
	// No BTCUSDT price at all.
	h.oracle.On("Decide", "ETHUSDT").Return(domain.Hold{Symbol: "ETHUSDT"}, nil)

	res, err := h.runner.RunCycle(context.Background(), "bot-1")
	require.NoError(t, err)
	require.Len(t, res.Closed, 1)
	assert.Equal(t, 1, res.Skipped)
	h.oracle.AssertNotCalled(t, "Decide", "BTCUSDT")
}

func TestRunner_SignalExitClosesPosition(t *testing.T) {
	h := newHarness(t, "BTCUSDT")
	h.seedPosition(t, "BTCUSDT", 1, 100, 95, 120)
	h.market.set("BTCUSDT", 103)
	h.oracle.On("Decide", "BTCUSDT").Return(domain.Exit{Symbol: "BTCUSDT", Confidence: 0.8, Reason: "reversal"}, nil)

	res, err := h.runner.RunCycle(context.Background(), "bot-1")
	require.NoError(t, err)
	require.Len(t, res.Closed, 1)
	assert.Equal(t, domain.CloseReasonSignalExit, res.Closed[0].Position.CloseReason)
	assert.InDelta(t, 3, res.Closed[0].Trade.PnL, 1e-9)
	assert.InDelta(t, 1003, res.Snapshot.Equity, 1e-9)
}

func TestRunner_LedgerViolationHaltsBot(t *testing.T) {
	h := newHarness(t, "BTCUSDT")
	// A position that was never paid for breaks the ledger.
	_, err := h.stores.Positions.Open(context.Background(), domain.Position{
		ID: "ghost", BotID: "bot-1", Symbol: "BTCUSDT", Side: domain.SideLong,
		Quantity: 1, EntryPrice: 100, StopLoss: 95, TakeProfit: 120, OpenedAt: t0,
	})
	require.NoError(t, err)
	h.market.set("BTCUSDT", 90)

	_, err = h.runner.RunCycle(context.Background(), "bot-1")
	require.ErrorIs(t, err, domain.ErrLedgerInconsistent)

	bot := h.bot(t)
	assert.Equal(t, domain.BotStatusHalted, bot.Status)
	assert.Contains(t, bot.HaltReason, "ledger")
	assert.True(t, h.events.has(domain.EventBotHalted))

	ghost, err := h.stores.Positions.GetByID(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, ghost.Status)

	_, err = h.runner.RunCycle(context.Background(), "bot-1")
	assert.ErrorIs(t, err, domain.ErrBotNotActive)
}

func TestRunner_PausedBotStillEnforcesExits(t *testing.T) {
	h := newHarness(t, "BTCUSDT", "ETHUSDT")
	ctx := context.Background()
	h.seedPosition(t, "BTCUSDT", 1, 100, 95, 110)
	require.NoError(t, h.stores.Bots.UpdateStatus(ctx, "bot-1", domain.BotStatusPaused, ""))
	h.market.set("BTCUSDT", 50)
	h.market.set("ETHUSDT", 2000)

	res, err := h.runner.RunCycle(ctx, "bot-1")
	require.NoError(t, err)
	require.Len(t, res.Closed, 1)
	assert.Equal(t, domain.CloseReasonStopLoss, res.Closed[0].Position.CloseReason)
	assert.Empty(t, res.Opened)
	assert.Zero(t, res.Snapshot.OpenPositions)
	h.oracle.AssertNotCalled(t, "Decide", mock.Anything)

	pos, err := h.stores.Positions.GetByID(ctx, "seed-BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Equal(t, domain.BotStatusPaused, h.bot(t).Status)

	// Flat and paused: nothing left to watch.
	_, err = h.runner.RunCycle(ctx, "bot-1")
	assert.ErrorIs(t, err, domain.ErrBotNotActive)
}

func TestRunner_HaltedBotIsNotMonitored(t *testing.T) {
	h := newHarness(t, "BTCUSDT")
	ctx := context.Background()
	h.seedPosition(t, "BTCUSDT", 1, 100, 95, 110)
	require.NoError(t, h.stores.Bots.UpdateStatus(ctx, "bot-1", domain.BotStatusHalted, "ledger"))
	h.market.set("BTCUSDT", 50)

	_, err := h.runner.RunCycle(ctx, "bot-1")
	assert.ErrorIs(t, err, domain.ErrBotNotActive)
	pos, err := h.stores.Positions.GetByID(ctx, "seed-BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
}
