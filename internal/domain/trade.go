package domain

import "time"

// TradeLeg distinguishes the opening and closing fills of a position.
type TradeLeg string

const (
	TradeLegEntry TradeLeg = "entry"
	TradeLegExit  TradeLeg = "exit"
)

// Trade is an immutable ledger row for one executed fill. Entry legs carry
// zero PnL; the exit leg carries the position's realized PnL net of both
// legs' fees.
type Trade struct {
	ID         string
	PositionID string
	BotID      string
	Symbol     string
	Side       Side
	Leg        TradeLeg
	Price      float64
	Quantity   float64
	Fees       float64
	PnL        float64
	Reason     CloseReason
	DecisionID string
	Timestamp  time.Time
}

// EquitySnapshot is the per-cycle record of a bot's equity.
type EquitySnapshot struct {
	ID               int64
	BotID            string
	Equity           float64
	AvailableCapital float64
	UnrealizedPnL    float64
	OpenPositions    int
	Timestamp        time.Time
}

// ExitResult is the outcome of closing a position. Closed is false when the
// position had already been closed by another path; Trade is then the
// earlier exit leg and no capital moved.
type ExitResult struct {
	Trade    Trade
	Position Position
	Closed   bool
}
