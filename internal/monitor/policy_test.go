package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func TestEvaluate(t *testing.T) {
	params := domain.RiskParams{MaxHoldDuration: 4 * time.Hour, TimeoutProfitFloorPct: 0}
	long := domain.Position{Side: domain.SideLong, Quantity: 1, EntryPrice: 100, StopLoss: 95, TakeProfit: 110, Status: domain.PositionStatusOpen, OpenedAt: t0}
	short := domain.Position{Side: domain.SideShort, Quantity: 1, EntryPrice: 100, StopLoss: 105, TakeProfit: 90, Status: domain.PositionStatusOpen, OpenedAt: t0}
	// Levels that overlap so one price satisfies both.
	crossed := domain.Position{Side: domain.SideLong, Quantity: 1, EntryPrice: 100, StopLoss: 105, TakeProfit: 102, Status: domain.PositionStatusOpen, OpenedAt: t0}

	tests := []struct {
		name  string
		pos   domain.Position
		price float64
		now   time.Time
		want  ExitSignal
	}{
		{"long holds inside band", long, 101, t0.Add(time.Hour), Hold},
		{"long stop at level", long, 95, t0.Add(time.Hour), ExitSignal{true, domain.CloseReasonStopLoss}},
		{"long gap below stop", long, 80, t0.Add(time.Hour), ExitSignal{true, domain.CloseReasonStopLoss}},
		{"long take profit", long, 110, t0.Add(time.Hour), ExitSignal{true, domain.CloseReasonTakeProfit}},
		{"short stop", short, 105.5, t0.Add(time.Hour), ExitSignal{true, domain.CloseReasonStopLoss}},
		{"short take profit", short, 89, t0.Add(time.Hour), ExitSignal{true, domain.CloseReasonTakeProfit}},
		{"both hit stop wins", crossed, 103, t0.Add(time.Hour), ExitSignal{true, domain.CloseReasonStopLoss}},
		{"timeout losing", long, 99, t0.Add(5 * time.Hour), ExitSignal{true, domain.CloseReasonTimeout}},
		{"timeout flat", long, 100, t0.Add(4 * time.Hour), Hold},
		{"timeout profitable keeps running", long, 105, t0.Add(5 * time.Hour), Hold},
		{"zero price never exits", long, 0, t0.Add(5 * time.Hour), Hold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.pos, tt.price, tt.now, params))
		})
	}
}

func TestEvaluate_TimeoutFloor(t *testing.T) {
	params := domain.RiskParams{MaxHoldDuration: time.Hour, TimeoutProfitFloorPct: 1}
	pos := domain.Position{Side: domain.SideLong, Quantity: 1, EntryPrice: 100, Status: domain.PositionStatusOpen, OpenedAt: t0}

	// +0.5% is below a 1% floor.
	assert.Equal(t, ExitSignal{true, domain.CloseReasonTimeout}, Evaluate(pos, 100.5, t0.Add(2*time.Hour), params))
	assert.Equal(t, Hold, Evaluate(pos, 101.5, t0.Add(2*time.Hour), params))
}

func TestEvaluate_ClosedPositionHolds(t *testing.T) {
	pos := domain.Position{Side: domain.SideLong, Quantity: 1, EntryPrice: 100, StopLoss: 95, Status: domain.PositionStatusClosed}
	assert.Equal(t, Hold, Evaluate(pos, 50, t0, domain.RiskParams{}))
}

func TestTieBreak(t *testing.T) {
	assert.Equal(t, ExitSignal{true, domain.CloseReasonStopLoss}, tieBreak(TieBreakStopLoss))
	assert.Panics(t, func() { tieBreak(TieBreak(7)) })
}
