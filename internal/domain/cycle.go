package domain

import "time"

// CycleContext is the per-bot, per-cycle snapshot every component reads
// from. It is built fresh by the orchestrator at the start of each cycle.
type CycleContext struct {
	Bot  Bot
	Open []Position
	Now  time.Time
}

// OpenOn returns the open position for symbol, if any.
func (c CycleContext) OpenOn(symbol string) (Position, bool) {
	for _, p := range c.Open {
		if p.Symbol == symbol && p.Status == PositionStatusOpen {
			return p, true
		}
	}
	return Position{}, false
}

// TradesToday is the bot's entry count for the cycle's UTC day.
func (c CycleContext) TradesToday() int {
	return c.Bot.TradesOn(c.Now)
}
