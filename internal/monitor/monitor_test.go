package monitor

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/alanyoungcy/tradeagent/internal/store/memory"
)

type fakePrices struct {
	mu     sync.Mutex
	quotes map[string]domain.Quote
	errs   map[string]error
}

func newFakePrices() *fakePrices {
	return &fakePrices{quotes: map[string]domain.Quote{}, errs: map[string]error{}}
}

func (f *fakePrices) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.errs, symbol)
	f.quotes[symbol] = domain.Quote{Symbol: symbol, Price: price, Timestamp: t0}
}

func (f *fakePrices) fail(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[symbol] = domain.ErrStaleData
}

func (f *fakePrices) GetPrice(_ context.Context, symbol string) (domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[symbol]; err != nil {
		return domain.Quote{}, err
	}
	q, ok := f.quotes[symbol]
	if !ok {
		return domain.Quote{}, domain.ErrStaleData
	}
	return q, nil
}

func (f *fakePrices) GetCandles(context.Context, string, string, int) ([]domain.Candle, error) {
	return nil, nil
}

type mockExits struct {
	mock.Mock
}

func (m *mockExits) ExecuteExit(ctx context.Context, pos domain.Position, price float64, reason domain.CloseReason) (domain.ExitResult, error) {
	args := m.Called(ctx, pos.ID, price, reason)
	return args.Get(0).(domain.ExitResult), args.Error(1)
}

type countingEmitter struct {
	mu  sync.Mutex
	got []domain.Event
}

func (c *countingEmitter) Emit(_ context.Context, ev domain.Event) {
	c.mu.Lock()
	c.got = append(c.got, ev)
	c.mu.Unlock()
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func seed(t *testing.T) (domain.Stores, domain.Bot) {
	t.Helper()
	stores := memory.New().Stores()
	bot := domain.Bot{
		ID: "bot-1", Name: "alpha", InitialCapital: 1000, AvailableCapital: 1000,
		Status: domain.BotStatusActive, CreatedAt: t0,
		Risk: domain.RiskParams{MaxHoldDuration: 24 * time.Hour},
	}
	require.NoError(t, stores.Bots.Create(context.Background(), bot))
	return stores, bot
}

func openPosition(t *testing.T, stores domain.Stores, id, symbol string) domain.Position {
	t.Helper()
	pos, err := stores.Positions.Open(context.Background(), domain.Position{
		ID: id, BotID: "bot-1", Symbol: symbol, Side: domain.SideLong,
		Quantity: 1, EntryPrice: 100, StopLoss: 95, TakeProfit: 110, OpenedAt: t0,
	})
	require.NoError(t, err)
	return pos
}

func cycleFor(t *testing.T, stores domain.Stores, bot domain.Bot, now time.Time) domain.CycleContext {
	t.Helper()
	open, err := stores.Positions.GetOpen(context.Background(), bot.ID)
	require.NoError(t, err)
	return domain.CycleContext{Bot: bot, Open: open, Now: now}
}

func TestMonitor_ClosesOnStopWithRealExecutor(t *testing.T) {
	ctx := context.Background()
	stores, bot := seed(t)
	// Debit the position's notional so the ledger balances.
	_, err := stores.Bots.AdjustCapital(ctx, bot.ID, -100)
	require.NoError(t, err)
	openPosition(t, stores, "p-1", "BTCUSDT")
	require.NoError(t, stores.Trades.Append(ctx, domain.Trade{ID: "t-1", PositionID: "p-1", BotID: bot.ID, Leg: domain.TradeLegEntry}))

	exec := executor.New(stores, executor.NewPaperGateway(0, 0), local.NewLockManager(), nil, executor.Config{}, discard)
	prices := newFakePrices()
	prices.set("BTCUSDT", 94)
	m := New(stores.Positions, prices, local.NewPriceCache(), exec, nil, Config{}, discard)

	rep, err := m.Run(ctx, cycleFor(t, stores, bot, t0.Add(time.Hour)))
	require.NoError(t, err)
	require.Len(t, rep.Closed(), 1)
	assert.Equal(t, domain.CloseReasonStopLoss, rep.Closed()[0].Position.CloseReason)
	assert.Empty(t, rep.Open())
	assert.True(t, rep.Completed())

	b, err := stores.Bots.GetByID(ctx, bot.ID)
	require.NoError(t, err)
	assert.InDelta(t, 994, b.AvailableCapital, 1e-9)
}

func TestMonitor_StalePriceSkipsThenFlags(t *testing.T) {
	ctx := context.Background()
	stores, bot := seed(t)
	openPosition(t, stores, "p-1", "BTCUSDT")

	prices := newFakePrices()
	prices.fail("BTCUSDT")
	exits := &mockExits{}
	events := &countingEmitter{}
	m := New(stores.Positions, prices, nil, exits, events, Config{StaleCycleLimit: 2}, discard)

	rep, err := m.Run(ctx, cycleFor(t, stores, bot, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped())
	assert.Zero(t, rep.Flagged())
	assert.Len(t, rep.Open(), 1)

	rep, err = m.Run(ctx, cycleFor(t, stores, bot, t0.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Flagged())

	pos, err := stores.Positions.GetByID(ctx, "p-1")
	require.NoError(t, err)
	assert.True(t, pos.NeedsReview)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.Equal(t, 100.0, pos.CurrentPrice, "mark untouched on failure")
	require.Len(t, events.got, 1)
	assert.Equal(t, domain.EventPositionReview, events.got[0].Type)

	// A third failure keeps the flag without a second event.
	rep, err = m.Run(ctx, cycleFor(t, stores, bot, t0.Add(3*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Flagged())
	assert.Len(t, events.got, 1)

	// A fresh quote refreshes the mark but neither clears the flag nor
	// exits, even through the stop.
	prices.set("BTCUSDT", 90)
	rep, err = m.Run(ctx, cycleFor(t, stores, bot, t0.Add(4*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Checked())
	assert.Equal(t, 1, rep.Flagged())
	assert.Empty(t, rep.Closed())
	pos, err = stores.Positions.GetByID(ctx, "p-1")
	require.NoError(t, err)
	assert.True(t, pos.NeedsReview)
	assert.Equal(t, 90.0, pos.CurrentPrice)
	exits.AssertNotCalled(t, "ExecuteExit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMonitor_ClearedReviewResumesExits(t *testing.T) {
	ctx := context.Background()
	stores, bot := seed(t)
	openPosition(t, stores, "p-1", "BTCUSDT")
	require.NoError(t, stores.Positions.SetReview(ctx, "p-1", true))

	prices := newFakePrices()
	prices.set("BTCUSDT", 50)
	exits := &mockExits{}
	m := New(stores.Positions, prices, nil, exits, nil, Config{}, discard)

	rep, err := m.Run(ctx, cycleFor(t, stores, bot, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Flagged())
	exits.AssertNotCalled(t, "ExecuteExit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	require.NoError(t, stores.Positions.SetReview(ctx, "p-1", false))
	exits.On("ExecuteExit", mock.Anything, "p-1", 50.0, domain.CloseReasonStopLoss).
		Return(domain.ExitResult{Closed: true, Position: domain.Position{ID: "p-1"}}, nil).Once()
	rep, err = m.Run(ctx, cycleFor(t, stores, bot, t0.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Zero(t, rep.Flagged())
	assert.Len(t, rep.Closed(), 1)
	exits.AssertExpectations(t)
}

func TestMonitor_PendingIsSafeDuringRun(t *testing.T) {
	ctx := context.Background()
	stores, bot := seed(t)
	prices := newFakePrices()
	for i := 0; i < 50; i++ {
		sym := fmt.Sprintf("SYM%dUSDT", i)
		openPosition(t, stores, fmt.Sprintf("p-%d", i), sym)
		prices.set(sym, 120)
	}
	exits := &mockExits{}
	exits.On("ExecuteExit", mock.Anything, mock.Anything, 120.0, domain.CloseReasonTakeProfit).
		Return(domain.ExitResult{}, errors.New("exchange timeout"))
	m := New(stores.Positions, prices, nil, exits, nil, Config{}, discard)
	cc := cycleFor(t, stores, bot, t0.Add(time.Hour))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_, err := m.Run(ctx, cc)
			assert.NoError(t, err)
		}
	}()
	for {
		select {
		case <-done:
			assert.Equal(t, 50, m.Pending(bot.ID))
			assert.Equal(t, StateExitPending, m.StateOf(bot.ID, "p-7"))
			return
		default:
			assert.LessOrEqual(t, m.Pending(bot.ID), 50)
			_ = m.StateOf(bot.ID, "p-0")
		}
	}
}

func TestMonitor_FailedExitBecomesPending(t *testing.T) {
	ctx := context.Background()
	stores, bot := seed(t)
	openPosition(t, stores, "p-1", "BTCUSDT")

	prices := newFakePrices()
	prices.set("BTCUSDT", 111)
	exits := &mockExits{}
	exits.On("ExecuteExit", mock.Anything, "p-1", 111.0, domain.CloseReasonTakeProfit).
		Return(domain.ExitResult{}, errors.New("exchange timeout")).Once()
	m := New(stores.Positions, prices, nil, exits, nil, Config{}, discard)

	rep, err := m.Run(ctx, cycleFor(t, stores, bot, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Pending())
	assert.Equal(t, 1, m.Pending(bot.ID))
	assert.Equal(t, StateExitPending, m.StateOf(bot.ID, "p-1"))

	exits.On("ExecuteExit", mock.Anything, "p-1", 111.0, domain.CloseReasonTakeProfit).
		Return(domain.ExitResult{Closed: true, Position: domain.Position{ID: "p-1"}}, nil).Once()
	rep, err = m.Run(ctx, cycleFor(t, stores, bot, t0.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Len(t, rep.Closed(), 1)
	assert.Zero(t, m.Pending(bot.ID))
	exits.AssertExpectations(t)
}

func TestMonitor_FatalExitErrorStopsPass(t *testing.T) {
	ctx := context.Background()
	stores, bot := seed(t)
	openPosition(t, stores, "p-1", "BTCUSDT")

	prices := newFakePrices()
	prices.set("BTCUSDT", 50)
	exits := &mockExits{}
	exits.On("ExecuteExit", mock.Anything, "p-1", 50.0, domain.CloseReasonStopLoss).
		Return(domain.ExitResult{}, domain.ErrLedgerInconsistent)
	m := New(stores.Positions, prices, nil, exits, nil, Config{}, discard)

	_, err := m.Run(ctx, cycleFor(t, stores, bot, t0.Add(time.Hour)))
	assert.ErrorIs(t, err, domain.ErrLedgerInconsistent)
}

func TestMonitor_OldQuoteIsStale(t *testing.T) {
	ctx := context.Background()
	stores, bot := seed(t)
	openPosition(t, stores, "p-1", "BTCUSDT")

	prices := newFakePrices()
	prices.set("BTCUSDT", 50)
	exits := &mockExits{}
	m := New(stores.Positions, prices, nil, exits, nil, Config{PriceMaxAge: time.Minute}, discard)

	rep, err := m.Run(ctx, cycleFor(t, stores, bot, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped())
	exits.AssertNotCalled(t, "ExecuteExit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
