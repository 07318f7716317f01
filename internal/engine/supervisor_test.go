package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeagent/internal/domain"
	"github.com/alanyoungcy/tradeagent/internal/store/memory"
)

type countingRunner struct {
	mu       sync.Mutex
	calls    map[string]int
	inFlight map[string]int
	overlap  bool
	stopAt   int
}

func (c *countingRunner) RunCycle(_ context.Context, botID string) (CycleResult, error) {
	c.mu.Lock()
	c.inFlight[botID]++
	if c.inFlight[botID] > 1 {
		c.overlap = true
	}
	c.calls[botID]++
	n := c.calls[botID]
	c.mu.Unlock()

	time.Sleep(time.Millisecond)

	c.mu.Lock()
	c.inFlight[botID]--
	c.mu.Unlock()
	if c.stopAt > 0 && n >= c.stopAt {
		return CycleResult{}, domain.ErrBotNotActive
	}
	return CycleResult{}, nil
}

func (c *countingRunner) count(botID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[botID]
}

func seedBots(t *testing.T, bots domain.BotStore, statuses map[string]domain.BotStatus) {
	t.Helper()
	for id, st := range statuses {
		require.NoError(t, bots.Create(context.Background(), domain.Bot{ID: id, Name: id, Status: st, CreatedAt: t0}))
	}
}

func TestSupervisor_RunOnceCoversDueBots(t *testing.T) {
	st := memory.New().Stores()
	seedBots(t, st.Bots, map[string]domain.BotStatus{
		"a": domain.BotStatusActive,
		"b": domain.BotStatusActive,
		"c": domain.BotStatusPaused,
		"d": domain.BotStatusPaused,
		"e": domain.BotStatusHalted,
	})
	_, err := st.Positions.Open(context.Background(), domain.Position{
		ID: "p-d", BotID: "d", Symbol: "BTCUSDT", Side: domain.SideLong,
		Quantity: 1, EntryPrice: 100, StopLoss: 95, TakeProfit: 110, OpenedAt: t0,
	})
	require.NoError(t, err)
	r := &countingRunner{calls: map[string]int{}, inFlight: map[string]int{}}
	s := NewSupervisor(r, st.Bots, st.Positions, time.Minute, time.Minute, discard)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1, r.count("a"))
	assert.Equal(t, 1, r.count("b"))
	assert.Zero(t, r.count("c"), "paused and flat")
	assert.Equal(t, 1, r.count("d"), "paused with an open position")
	assert.Zero(t, r.count("e"))
}

func TestSupervisor_LoopsUntilBotInactive(t *testing.T) {
	st := memory.New().Stores()
	seedBots(t, st.Bots, map[string]domain.BotStatus{"a": domain.BotStatusActive})
	r := &countingRunner{calls: map[string]int{}, inFlight: map[string]int{}, stopAt: 3}
	s := NewSupervisor(r, st.Bots, st.Positions, 5*time.Millisecond, time.Hour, discard)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return r.count("a") == 3 && len(s.Running()) == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, r.overlap)
}
