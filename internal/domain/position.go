package domain

import "time"

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Dir returns +1 for long and -1 for short.
func (s Side) Dir() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// CloseReason records why a position was exited.
type CloseReason string

const (
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonTakeProfit CloseReason = "take_profit"
	CloseReasonTimeout    CloseReason = "timeout"
	CloseReasonManual     CloseReason = "manual"
	CloseReasonSignalExit CloseReason = "signal_exit"
)

// Valid reports whether r is a known close reason.
func (r CloseReason) Valid() bool {
	switch r {
	case CloseReasonStopLoss, CloseReasonTakeProfit, CloseReasonTimeout,
		CloseReasonManual, CloseReasonSignalExit:
		return true
	}
	return false
}

// Position is an open or historical exposure of one bot to one symbol.
type Position struct {
	ID           string
	BotID        string
	Symbol       string
	Side         Side
	Quantity     float64
	EntryPrice   float64
	CurrentPrice float64
	StopLoss     float64
	TakeProfit   float64
	EntryFees    float64
	ExitFees     float64
	Status       PositionStatus
	NeedsReview  bool
	OpenedAt     time.Time
	MarkedAt     *time.Time
	ClosedAt     *time.Time
	ExitPrice    *float64
	CloseReason  CloseReason
	RealizedPnL  float64
	DecisionID   string
}

// PositionClose carries the values written when a position is closed.
type PositionClose struct {
	ExitPrice   float64
	ExitFees    float64
	Reason      CloseReason
	RealizedPnL float64
	ClosedAt    time.Time
}

// NotionalAtEntry is quantity times entry price.
func (p Position) NotionalAtEntry() float64 {
	return p.Quantity * p.EntryPrice
}

// Mark returns the last known price, falling back to the entry price when
// the position has never been marked.
func (p Position) Mark() float64 {
	if p.CurrentPrice > 0 {
		return p.CurrentPrice
	}
	return p.EntryPrice
}

// UnrealizedPnL is the gross mark-to-market result, excluding fees.
func (p Position) UnrealizedPnL() float64 {
	return (p.Mark() - p.EntryPrice) * p.Quantity * p.Side.Dir()
}

// UnrealizedPnLPct is UnrealizedPnL as a percentage of entry notional.
func (p Position) UnrealizedPnLPct() float64 {
	n := p.NotionalAtEntry()
	if n == 0 {
		return 0
	}
	return p.UnrealizedPnL() / n * 100
}

// MarketValue is the capital that closing at the mark would return before
// exit fees.
func (p Position) MarketValue() float64 {
	return p.NotionalAtEntry() + p.UnrealizedPnL()
}
