package domain

import "time"

// BotStatus is the lifecycle state of a trading bot.
type BotStatus string

const (
	BotStatusInactive BotStatus = "inactive"
	BotStatusActive   BotStatus = "active"
	BotStatusPaused   BotStatus = "paused"
	BotStatusHalted   BotStatus = "halted"
)

// RiskParams are the per-bot limits applied to every entry decision and to
// the exit policy. Percentages are expressed in percent (3.5 means 3.5%).
type RiskParams struct {
	MaxTradesPerDay       int
	MaxPositionPct        float64
	StopLossPct           float64
	TakeProfitPct         float64
	MaxHoldDuration       time.Duration
	MinConfidence         float64
	SizeLowPct            float64
	SizeHighPct           float64
	MinRiskReward         float64
	TimeoutProfitFloorPct float64
	MinNotional           float64
}

// Bot is an autonomous trading agent with its own capital pool.
type Bot struct {
	ID               string
	Name             string
	Symbols          []string
	Oracle           string
	InitialCapital   float64
	AvailableCapital float64
	Equity           float64
	Status           BotStatus
	HaltReason       string
	Risk             RiskParams
	TradesToday      int
	TradesDay        time.Time
	LastDecision     string
	LastDecisionAt   *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TradesOn returns the entry count attributed to the UTC day containing t.
// A counter that belongs to an earlier day reads as zero.
func (b Bot) TradesOn(t time.Time) int {
	if !UTCDay(t).Equal(UTCDay(b.TradesDay)) {
		return 0
	}
	return b.TradesToday
}

// UTCDay truncates t to midnight UTC.
func UTCDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ComputeEquity returns available capital plus the marked value of every
// open position.
func ComputeEquity(available float64, open []Position) float64 {
	eq := available
	for _, p := range open {
		if p.Status != PositionStatusOpen {
			continue
		}
		eq += p.MarketValue()
	}
	return eq
}
