package oracle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeagent/internal/domain"
	"github.com/alanyoungcy/tradeagent/internal/platform/llm"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type mockChat struct {
	mock.Mock
}

func (m *mockChat) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	args := m.Called(ctx, messages)
	return args.String(0), args.Error(1)
}

type oracleFunc func(ctx context.Context, mc domain.MarketContext) (domain.Decision, error)

func (f oracleFunc) Name() string { return "func" }
func (f oracleFunc) Decide(ctx context.Context, mc domain.MarketContext) (domain.Decision, error) {
	return f(ctx, mc)
}

func TestLLM_Parse(t *testing.T) {
	o, err := NewLLM(&mockChat{}, discard)
	require.NoError(t, err)

	tests := []struct {
		name    string
		reply   string
		want    domain.Decision
		wantErr bool
	}{
		{
			name:  "entry in code fence",
			reply: "```json\n{\"signal\":\"entry\",\"side\":\"long\",\"confidence\":0.8,\"stop_loss\":95,\"reasoning\":\"breakout\"}\n```",
			want:  domain.Entry{Symbol: "BTCUSDT", Side: domain.SideLong, Confidence: 0.8, StopLoss: 95, Reasoning: "breakout"},
		},
		{
			name:  "hold",
			reply: `{"signal":"hold","confidence":0.3,"reasoning":"chop"}`,
			want:  domain.Hold{Symbol: "BTCUSDT", Reason: "chop"},
		},
		{
			name:  "exit",
			reply: `{"signal":"exit","confidence":0.6}`,
			want:  domain.Exit{Symbol: "BTCUSDT", Confidence: 0.6},
		},
		{name: "entry without side", reply: `{"signal":"entry","confidence":0.8}`, wantErr: true},
		{name: "confidence above one", reply: `{"signal":"hold","confidence":1.4}`, wantErr: true},
		{name: "unknown signal", reply: `{"signal":"buy","confidence":0.5}`, wantErr: true},
		{name: "missing confidence", reply: `{"signal":"hold"}`, wantErr: true},
		{name: "zero stop loss", reply: `{"signal":"entry","side":"long","confidence":0.9,"stop_loss":0}`, wantErr: true},
		{name: "not json", reply: "I think you should buy", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := o.Parse("BTCUSDT", tt.reply)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrMalformedDecision)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLLM_DecideSendsContext(t *testing.T) {
	chat := &mockChat{}
	chat.On("Chat", mock.Anything, mock.MatchedBy(func(msgs []llm.Message) bool {
		return len(msgs) == 2 && msgs[0].Role == "system" && msgs[1].Role == "user"
	})).Return(`{"signal":"hold","confidence":0.2}`, nil)

	o, err := NewLLM(chat, discard)
	require.NoError(t, err)
	d, err := o.Decide(context.Background(), domain.MarketContext{Symbol: "ETHUSDT", Quote: domain.Quote{Price: 3000}})
	require.NoError(t, err)
	assert.Equal(t, domain.SignalHold, d.Kind())
	chat.AssertExpectations(t)
}

func TestGuard_FailuresBecomeHold(t *testing.T) {
	mc := domain.MarketContext{Symbol: "BTCUSDT"}

	failing := NewGuard(oracleFunc(func(context.Context, domain.MarketContext) (domain.Decision, error) {
		return nil, errors.New("boom")
	}), time.Second, discard)
	d, err := failing.Decide(context.Background(), mc)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalHold, d.Kind())

	slow := NewGuard(oracleFunc(func(ctx context.Context, _ domain.MarketContext) (domain.Decision, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), 10*time.Millisecond, discard)
	d, err = slow.Decide(context.Background(), mc)
	require.NoError(t, err)
	assert.Equal(t, domain.Hold{Symbol: "BTCUSDT", Reason: "decision timed out"}, d)

	malformed := NewGuard(oracleFunc(func(context.Context, domain.MarketContext) (domain.Decision, error) {
		return domain.Entry{Symbol: "BTCUSDT", Side: domain.SideLong, Confidence: math.NaN()}, nil
	}), time.Second, discard)
	d, err = malformed.Decide(context.Background(), mc)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalHold, d.Kind())

	wrongSymbol := NewGuard(oracleFunc(func(context.Context, domain.MarketContext) (domain.Decision, error) {
		return domain.Entry{Symbol: "ETHUSDT", Side: domain.SideLong, Confidence: 0.9}, nil
	}), time.Second, discard)
	d, err = wrongSymbol.Decide(context.Background(), mc)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalHold, d.Kind())
}

func TestGuard_AssignsEntryIDAndDropsOrphanExit(t *testing.T) {
	g := NewGuard(oracleFunc(func(_ context.Context, mc domain.MarketContext) (domain.Decision, error) {
		if mc.Symbol == "ETHUSDT" {
			return domain.Exit{Symbol: mc.Symbol, Confidence: 0.9}, nil
		}
		return domain.Entry{Symbol: mc.Symbol, Side: domain.SideShort, Confidence: 0.9}, nil
	}), time.Second, discard)

	d, err := g.Decide(context.Background(), domain.MarketContext{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	e, ok := d.(domain.Entry)
	require.True(t, ok)
	assert.NotEmpty(t, e.ID)

	d, err = g.Decide(context.Background(), domain.MarketContext{Symbol: "ETHUSDT"})
	require.NoError(t, err)
	assert.Equal(t, domain.SignalHold, d.Kind())
}

func trendCandles(n int, start, step float64) []domain.Candle {
	out := make([]domain.Candle, n)
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		// A small zig-zag keeps RSI away from its extremes.
		wiggle := 0.0
		if i%2 == 1 {
			wiggle = -step * 0.6
		}
		c := start + step*float64(i) + wiggle
		out[i] = domain.Candle{OpenTime: t0.Add(time.Duration(i) * time.Hour), Open: c, High: c, Low: c, Close: c}
	}
	return out
}

func TestComputeIndicators_RejectsShortOrZeroHistory(t *testing.T) {
	_, err := ComputeIndicators(trendCandles(10, 100, 1), IndicatorConfig{})
	assert.ErrorIs(t, err, domain.ErrStaleData)

	candles := trendCandles(60, 100, 1)
	candles[30].Close = 0
	_, err = ComputeIndicators(candles, IndicatorConfig{})
	assert.ErrorIs(t, err, domain.ErrStaleData)
}

func TestTrinity_Votes(t *testing.T) {
	tr := NewTrinity(TrinityConfig{StopLossPct: 2, TakeProfitPct: 4})

	bullish := domain.Indicators{EMAFast: 105, EMASlow: 100, MACDHist: 0.5, RSI: 60}
	d, err := tr.Decide(context.Background(), domain.MarketContext{Symbol: "BTCUSDT", Quote: domain.Quote{Price: 100}, Indicators: bullish})
	require.NoError(t, err)
	e, ok := d.(domain.Entry)
	require.True(t, ok)
	assert.Equal(t, domain.SideLong, e.Side)
	assert.InDelta(t, 0.9, e.Confidence, 1e-9)
	assert.InDelta(t, 98, e.StopLoss, 1e-9)
	assert.InDelta(t, 104, e.TakeProfit, 1e-9)

	bearish := domain.Indicators{EMAFast: 95, EMASlow: 100, MACDHist: -0.5, RSI: 80}
	d, err = tr.Decide(context.Background(), domain.MarketContext{Symbol: "BTCUSDT", Quote: domain.Quote{Price: 100}, Indicators: bearish})
	require.NoError(t, err)
	e, ok = d.(domain.Entry)
	require.True(t, ok)
	assert.Equal(t, domain.SideShort, e.Side)
	assert.InDelta(t, 0.7, e.Confidence, 1e-9)
	assert.InDelta(t, 102, e.StopLoss, 1e-9)

	mixed := domain.Indicators{EMAFast: 105, EMASlow: 100, MACDHist: -0.5, RSI: 55}
	d, err = tr.Decide(context.Background(), domain.MarketContext{Symbol: "BTCUSDT", Indicators: mixed})
	require.NoError(t, err)
	assert.Equal(t, domain.SignalHold, d.Kind())

	long := &domain.Position{Side: domain.SideLong}
	d, err = tr.Decide(context.Background(), domain.MarketContext{Symbol: "BTCUSDT", Indicators: bearish, Position: long})
	require.NoError(t, err)
	assert.Equal(t, domain.SignalExit, d.Kind())
}

func TestTrinity_ComputesFromCandles(t *testing.T) {
	tr := NewTrinity(TrinityConfig{})
	d, err := tr.Decide(context.Background(), domain.MarketContext{Symbol: "BTCUSDT", Candles: trendCandles(80, 100, 1)})
	require.NoError(t, err)
	assert.NotNil(t, d)

	_, err = tr.Decide(context.Background(), domain.MarketContext{Symbol: "BTCUSDT", Candles: trendCandles(5, 100, 1)})
	assert.ErrorIs(t, err, domain.ErrStaleData)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewTrinity(TrinityConfig{}))

	o, err := r.Get(TrinityName)
	require.NoError(t, err)
	assert.Equal(t, TrinityName, o.Name())

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, []string{TrinityName}, r.List())
}
