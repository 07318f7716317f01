package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeagent/internal/cache/local"
	"github.com/alanyoungcy/tradeagent/internal/domain"
	"github.com/alanyoungcy/tradeagent/internal/executor"
	"github.com/alanyoungcy/tradeagent/internal/risk"
	"github.com/alanyoungcy/tradeagent/internal/server/handler"
	"github.com/alanyoungcy/tradeagent/internal/server/ws"
	"github.com/alanyoungcy/tradeagent/internal/service"
	"github.com/alanyoungcy/tradeagent/internal/store/memory"
)

const testKey = "secret"

type fixedPrices struct {
	price float64
}

func (p fixedPrices) GetPrice(_ context.Context, symbol string) (domain.Quote, error) {
	return domain.Quote{Symbol: symbol, Price: p.price, Timestamp: time.Now().UTC()}, nil
}

func (p fixedPrices) GetCandles(context.Context, string, string, int) ([]domain.Candle, error) {
	return nil, domain.ErrStaleData
}

type stack struct {
	stores domain.Stores
	exec   *executor.Executor
	bus    *local.SignalBus
	srv    *Server
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultRisk() domain.RiskParams {
	return domain.RiskParams{
		MaxTradesPerDay: 5,
		MaxPositionPct:  5,
		StopLossPct:     3,
		TakeProfitPct:   6,
		MaxHoldDuration: 4 * time.Hour,
		MinConfidence:   0.6,
		SizeLowPct:      1,
		SizeHighPct:     3,
		MinRiskReward:   1.5,
		MinNotional:     10,
	}
}

func newStack(t *testing.T, cfg Config, limiter domain.RateLimiter) *stack {
	t.Helper()
	logger := testLogger()
	stores := memory.New().Stores()
	bus := local.NewSignalBus(0)
	events := service.NewEventPublisher(bus, stores.Audit, nil, logger)
	exec := executor.New(stores, executor.NewPaperGateway(0, 0), local.NewLockManager(), events, executor.Config{LockWait: time.Second}, logger)
	prices := service.NewPriceService(fixedPrices{price: 110}, local.NewPriceCache(), nil, service.PriceConfig{}, logger)

	bots := service.NewBotService(stores, nil, events, 0, logger)
	handlers := Handlers{
		Health:    handler.NewHealthHandler(nil, logger),
		Status:    handler.NewStatusHandler("server", time.Now(), bots),
		Bots:      handler.NewBotHandler(bots, defaultRisk(), logger),
		Positions: handler.NewPositionHandler(service.NewPositionService(stores.Positions, prices, exec, events, time.Second, logger), logger),
		Portfolio: handler.NewPortfolioHandler(service.NewPortfolioService(stores, nil, 0, logger), logger),
		Prices:    handler.NewPriceHandler(prices, logger),
		Events:    handler.NewEventHandler(bus, service.EventStream, logger),
		Archive:   handler.NewArchiveHandler(logger),
		Audit:     handler.NewAuditHandler(stores.Audit, logger),
	}
	return &stack{
		stores: stores,
		exec:   exec,
		bus:    bus,
		srv:    NewServer(cfg, handlers, nil, limiter, logger),
	}
}

func (s *stack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	s.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *stack) openPosition(t *testing.T, botID string) domain.Position {
	t.Helper()
	ctx := context.Background()
	bot, err := s.stores.Bots.GetByID(ctx, botID)
	require.NoError(t, err)
	pos, _, err := s.exec.ExecuteEntry(ctx,
		domain.CycleContext{Bot: bot, Now: time.Now().UTC()},
		domain.Entry{ID: "d-1", Symbol: "BTCUSDT", Side: domain.SideLong, Confidence: 0.8},
		risk.Approval{Symbol: "BTCUSDT", Side: domain.SideLong, Price: 100, Quantity: 1, Notional: 100, StopLoss: 97, TakeProfit: 106},
	)
	require.NoError(t, err)
	return pos
}

func TestServer_BotAndPositionLifecycle(t *testing.T) {
	s := newStack(t, Config{APIKey: testKey}, nil)

	rec := s.do(t, http.MethodPost, "/api/bots", map[string]any{
		"name":            "alpha",
		"symbols":         []string{"btcusdt"},
		"oracle":          "trinity",
		"initial_capital": 1000,
		"active":          true,
		"risk":            map[string]any{"stop_loss_pct": 2.5, "max_hold": "2h"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	bot := decode[domain.Bot](t, rec)
	assert.Equal(t, []string{"BTCUSDT"}, bot.Symbols)
	assert.Equal(t, domain.BotStatusActive, bot.Status)
	assert.InDelta(t, 2.5, bot.Risk.StopLossPct, 1e-9)
	assert.InDelta(t, 6, bot.Risk.TakeProfitPct, 1e-9)
	assert.Equal(t, 2*time.Hour, bot.Risk.MaxHoldDuration)

	pos := s.openPosition(t, bot.ID)

	rec = s.do(t, http.MethodGet, "/api/bots/"+bot.ID+"/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	open := decode[struct{ Positions []domain.Position }](t, rec)
	require.Len(t, open.Positions, 1)
	assert.Equal(t, pos.ID, open.Positions[0].ID)

	rec = s.do(t, http.MethodPost, "/api/bots/"+bot.ID+"/positions/"+pos.ID+"/close", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := decode[struct {
		Closed   bool            `json:"closed"`
		Position domain.Position `json:"position"`
		Trade    *domain.Trade   `json:"trade"`
	}](t, rec)
	assert.True(t, closed.Closed)
	require.NotNil(t, closed.Trade)
	assert.InDelta(t, 10, closed.Trade.PnL, 1e-9)
	assert.Equal(t, domain.CloseReasonManual, closed.Position.CloseReason)

	// A second close is absorbed.
	rec = s.do(t, http.MethodPost, "/api/bots/"+bot.ID+"/positions/"+pos.ID+"/close", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[struct {
		Closed bool `json:"closed"`
	}](t, rec).Closed)

	rec = s.do(t, http.MethodGet, "/api/bots/"+bot.ID+"/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[service.PortfolioSummary](t, rec)
	assert.Equal(t, 1, sum.ClosedCount)
	assert.Equal(t, 0, sum.OpenCount)
	assert.InDelta(t, 1010, sum.AvailableCapital, 1e-9)
	assert.InDelta(t, 1, sum.WinRate, 1e-9)

	rec = s.do(t, http.MethodGet, "/api/bots/"+bot.ID+"/trades?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trades := decode[struct{ Trades []domain.Trade }](t, rec)
	assert.Len(t, trades.Trades, 2)

	rec = s.do(t, http.MethodGet, "/api/bots/"+bot.ID+"/positions/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[struct{ Positions []domain.Position }](t, rec).Positions, 1)

	rec = s.do(t, http.MethodGet, "/api/events?after=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	evs := decode[struct {
		Events []struct {
			ID    string       `json:"id"`
			Event domain.Event `json:"event"`
		} `json:"events"`
	}](t, rec)
	var types []domain.EventType
	for _, e := range evs.Events {
		types = append(types, e.Event.Type)
	}
	assert.Equal(t, []domain.EventType{domain.EventBotStatus, domain.EventPositionOpened, domain.EventPositionClosed}, types)

	rec = s.do(t, http.MethodGet, "/api/audit?event=position_*", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decode[struct {
		Entries []domain.AuditEntry `json:"entries"`
	}](t, rec)
	require.Len(t, audit.Entries, 2)
	assert.Equal(t, string(domain.EventPositionClosed), audit.Entries[0].Event)
	assert.Equal(t, bot.ID, audit.Entries[0].Detail["bot_id"])

	rec = s.do(t, http.MethodGet, "/api/audit?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_BotTransitions(t *testing.T) {
	s := newStack(t, Config{APIKey: testKey}, nil)

	rec := s.do(t, http.MethodPost, "/api/bots", map[string]any{
		"name": "beta", "symbols": []string{"ETHUSDT"}, "oracle": "trinity", "initial_capital": 500,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	bot := decode[domain.Bot](t, rec)
	assert.Equal(t, domain.BotStatusInactive, bot.Status)

	rec = s.do(t, http.MethodPost, "/api/bots/"+bot.ID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/bots/"+bot.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.BotStatusActive, decode[domain.Bot](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/api/bots/"+bot.ID+"/halt", map[string]string{"reason": "maintenance"})
	require.Equal(t, http.StatusOK, rec.Code)
	halted := decode[domain.Bot](t, rec)
	assert.Equal(t, domain.BotStatusHalted, halted.Status)
	assert.Equal(t, "maintenance", halted.HaltReason)

	rec = s.do(t, http.MethodPost, "/api/bots/"+bot.ID+"/activate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/bots/"+bot.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.BotStatusActive, decode[domain.Bot](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/api/bots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[struct{ Bots []domain.Bot }](t, rec).Bots, 1)
}

func TestServer_Errors(t *testing.T) {
	s := newStack(t, Config{APIKey: testKey}, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "unknown bot", method: http.MethodGet, path: "/api/bots/nope", want: http.StatusNotFound},
		{name: "unknown bot summary", method: http.MethodGet, path: "/api/bots/nope/summary", want: http.StatusNotFound},
		{name: "unknown position", method: http.MethodGet, path: "/api/positions/nope", want: http.StatusNotFound},
		{name: "invalid bot", method: http.MethodPost, path: "/api/bots", body: map[string]any{"name": "x"}, want: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, path: "/api/bots", body: map[string]any{"nme": "x"}, want: http.StatusBadRequest},
		{name: "bad max hold", method: http.MethodPost, path: "/api/bots", body: map[string]any{"risk": map[string]any{"max_hold": "soon"}}, want: http.StatusBadRequest},
		{name: "bad since", method: http.MethodGet, path: "/api/bots/x/positions/history?since=yesterday", want: http.StatusBadRequest},
		{name: "prices need symbols", method: http.MethodGet, path: "/api/prices", want: http.StatusBadRequest},
		{name: "archive disabled", method: http.MethodPost, path: "/api/archive/trigger", want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestServer_Auth(t *testing.T) {
	s := newStack(t, Config{APIKey: testKey}, nil)

	for _, path := range []string{"/api/health", "/metrics"} {
		rec := httptest.NewRecorder()
		s.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	s.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bots", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/bots", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	s.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/bots", nil)
	req.Header.Set("X-API-Key", testKey)
	rec = httptest.NewRecorder()
	s.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RateLimit(t *testing.T) {
	s := newStack(t, Config{RateLimit: 2, RateWindow: time.Minute}, local.NewRateLimiter())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, s.do(t, http.MethodGet, "/api/status", nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestServer_CORSPreflight(t *testing.T) {
	s := newStack(t, Config{CORSOrigins: []string{"https://desk.example"}}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/bots", nil)
	req.Header.Set("Origin", "https://desk.example")
	rec := httptest.NewRecorder()
	s.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://desk.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/bots", nil)
	req.Header.Set("Origin", "https://other.example")
	rec = httptest.NewRecorder()
	s.srv.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_ArchiveTrigger(t *testing.T) {
	logger := testLogger()
	trigger := make(chan struct{}, 1)
	srv := NewServer(Config{}, Handlers{
		Archive: handler.NewArchiveHandler(logger).WithTriggerChannel(trigger),
	}, nil, nil, logger)

	post := func() map[string]any {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/archive/trigger", nil))
		require.Equal(t, http.StatusAccepted, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body
	}
	assert.Equal(t, true, post()["queued"])
	assert.Equal(t, false, post()["queued"])
	assert.Len(t, trigger, 1)
}

type fakeIndex struct {
	objects []domain.ArchiveObject
}

func (f fakeIndex) Archived(_ context.Context, kind string) ([]domain.ArchiveObject, error) {
	if kind == "orders" {
		return nil, domain.ErrInvalidInput
	}
	return f.objects, nil
}

func TestServer_ArchiveList(t *testing.T) {
	logger := testLogger()
	idx := fakeIndex{objects: []domain.ArchiveObject{
		{Key: "ledger/trades/2026/05/02/a.jsonl", Kind: "trades", Size: 10},
		{Key: "ledger/trades/2026/05/01/b.jsonl", Kind: "trades", Size: 20},
	}}

	get := func(srv *Server, target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		return rec
	}

	disabled := NewServer(Config{}, Handlers{Archive: handler.NewArchiveHandler(logger)}, nil, nil, logger)
	assert.Equal(t, http.StatusServiceUnavailable, get(disabled, "/api/archive").Code)

	srv := NewServer(Config{}, Handlers{Archive: handler.NewArchiveHandler(logger).WithIndex(idx)}, nil, nil, logger)
	rec := get(srv, "/api/archive?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Objects []domain.ArchiveObject `json:"objects"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Objects, 1)
	assert.Equal(t, "ledger/trades/2026/05/02/a.jsonl", body.Objects[0].Key)

	assert.Equal(t, http.StatusBadRequest, get(srv, "/api/archive?kind=orders").Code)
}

func TestHub_StreamsBusEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := local.NewSignalBus(0)
	hub := ws.NewHub(bus, testLogger(), ws.Config{Mode: "run"})
	go hub.Run(ctx)

	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"?bot=bot-1", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first struct {
		Channel string `json:"channel"`
	}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "status", first.Channel)

	// Subscriptions start asynchronously, so publish until one arrives.
	done := make(chan struct{})
	defer close(done)
	go func() {
		other, _ := json.Marshal(domain.Event{Type: domain.EventEquitySnapshot, BotID: "bot-2"})
		mine, _ := json.Marshal(domain.Event{Type: domain.EventEquitySnapshot, BotID: "bot-1"})
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = bus.Publish(ctx, domain.ChannelEquity, other)
				_ = bus.Publish(ctx, domain.ChannelEquity, mine)
			}
		}
	}()

	var msg struct {
		Channel string       `json:"channel"`
		Data    domain.Event `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, domain.ChannelEquity, msg.Channel)
	assert.Equal(t, "bot-1", msg.Data.BotID)
}
