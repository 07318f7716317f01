package monitor

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
	"github.com/alanyoungcy/tradeagent/internal/risk"
)

// TieBreak decides the close reason when a single price satisfies both the
// stop-loss and the take-profit, which only happens after a gap through
// both levels or with misconfigured levels.
type TieBreak int

const (
	// TieBreakStopLoss reports the stop-loss. It is the only rule
	// implemented.
	TieBreakStopLoss TieBreak = iota
)

// ExitSignal is the result of evaluating one position against one price.
type ExitSignal struct {
	Exit   bool
	Reason domain.CloseReason
}

// Hold is the zero ExitSignal.
var Hold = ExitSignal{}

// Evaluate applies the exit policy to pos at price: stop-loss, then
// take-profit, then timeout for positions that are not meaningfully
// profitable. A non-positive price never triggers an exit.
func Evaluate(pos domain.Position, price float64, now time.Time, params domain.RiskParams) ExitSignal {
	if pos.Status != domain.PositionStatusOpen || price <= 0 {
		return Hold
	}
	dir := pos.Side.Dir()
	stop := risk.StopHit(dir, price, pos.StopLoss)
	target := risk.TargetHit(dir, price, pos.TakeProfit)

	switch {
	case stop && target:
		return tieBreak(TieBreakStopLoss)
	case stop:
		return ExitSignal{Exit: true, Reason: domain.CloseReasonStopLoss}
	case target:
		return ExitSignal{Exit: true, Reason: domain.CloseReasonTakeProfit}
	}

	if params.MaxHoldDuration > 0 && now.Sub(pos.OpenedAt) >= params.MaxHoldDuration {
		marked := pos
		marked.CurrentPrice = price
		if marked.UnrealizedPnLPct() < params.TimeoutProfitFloorPct {
			return ExitSignal{Exit: true, Reason: domain.CloseReasonTimeout}
		}
	}
	return Hold
}

// tieBreak resolves a price that hit both levels.
func tieBreak(tb TieBreak) ExitSignal {
	switch tb {
	case TieBreakStopLoss:
		return ExitSignal{Exit: true, Reason: domain.CloseReasonStopLoss}
	default:
		panic(fmt.Sprintf("monitor: unknown tie-break rule %d", tb))
	}
}
