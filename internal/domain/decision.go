package domain

import (
	"fmt"
	"math"
	"strings"
)

// Signal is the kind of a trading decision.
type Signal string

const (
	SignalEntry Signal = "entry"
	SignalHold  Signal = "hold"
	SignalExit  Signal = "exit"
)

// Decision is the output of a DecisionOracle. It is one of Entry, Hold or
// Exit; no other implementations exist.
type Decision interface {
	Kind() Signal
	Target() string
	decision()
}

// Entry asks the bot to open a position.
type Entry struct {
	ID         string
	Symbol     string
	Side       Side
	Confidence float64
	// SizePct, StopLoss and TakeProfit are optional; zero means unset.
	SizePct    float64
	StopLoss   float64
	TakeProfit float64
	Reasoning  string
}

// Hold asks the bot to do nothing for the symbol.
type Hold struct {
	Symbol string
	Reason string
}

// Exit asks the bot to close its open position on the symbol.
type Exit struct {
	Symbol     string
	Confidence float64
	Reason     string
}

func (Entry) Kind() Signal { return SignalEntry }
func (Hold) Kind() Signal  { return SignalHold }
func (Exit) Kind() Signal  { return SignalExit }

func (e Entry) Target() string { return e.Symbol }
func (h Hold) Target() string  { return h.Symbol }
func (x Exit) Target() string  { return x.Symbol }

func (Entry) decision() {}
func (Hold) decision()  {}
func (Exit) decision()  {}

// Validate checks the structural fields of an entry decision.
func (e Entry) Validate() error {
	var errs []string
	if strings.TrimSpace(e.Symbol) == "" {
		errs = append(errs, "symbol is empty")
	}
	if !e.Side.Valid() {
		errs = append(errs, fmt.Sprintf("side %q", e.Side))
	}
	if !unitInterval(e.Confidence) {
		errs = append(errs, fmt.Sprintf("confidence %v outside [0,1]", e.Confidence))
	}
	if e.SizePct < 0 || math.IsNaN(e.SizePct) {
		errs = append(errs, fmt.Sprintf("size_pct %v", e.SizePct))
	}
	if e.StopLoss < 0 || e.TakeProfit < 0 {
		errs = append(errs, "negative stop_loss or take_profit")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrMalformedDecision, strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the structural fields of an exit decision.
func (x Exit) Validate() error {
	if strings.TrimSpace(x.Symbol) == "" {
		return fmt.Errorf("%w: symbol is empty", ErrMalformedDecision)
	}
	if !unitInterval(x.Confidence) {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformedDecision, x.Confidence)
	}
	return nil
}

func unitInterval(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
