// Package risk turns an entry decision into a sized, bounded order or a
// typed rejection. Everything here is a pure function of its inputs.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// Code classifies a rejection.
type Code string

const (
	CodeLowConfidence       Code = "low_confidence"
	CodeDuplicatePosition   Code = "duplicate_position"
	CodeDailyLimit          Code = "daily_limit"
	CodeInsufficientCapital Code = "insufficient_capital"
	CodeRiskReward          Code = "inadequate_risk_reward"
	CodeStaleData           Code = "stale_data"
	CodeMalformed           Code = "malformed_decision"
)

// Rejection is returned for every entry that fails a risk check. It matches
// domain.ErrRejected with errors.Is, plus the more specific sentinel where
// one exists.
type Rejection struct {
	Code   Code
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk: rejected (%s): %s", r.Code, r.Detail)
}

func (r *Rejection) Unwrap() []error {
	errs := []error{domain.ErrRejected}
	switch r.Code {
	case CodeDuplicatePosition:
		errs = append(errs, domain.ErrDuplicatePosition)
	case CodeInsufficientCapital:
		errs = append(errs, domain.ErrInsufficientCapital)
	case CodeStaleData:
		errs = append(errs, domain.ErrStaleData)
	case CodeMalformed:
		errs = append(errs, domain.ErrMalformedDecision)
	}
	return errs
}

func reject(code Code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// RejectionCode extracts the code from err, or "" when err is not a
// Rejection.
func RejectionCode(err error) Code {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Code
	}
	return ""
}

// Approval is a sized entry ready for execution.
type Approval struct {
	Symbol     string
	Side       domain.Side
	Price      float64
	Quantity   float64
	Notional   float64
	SizePct    float64
	StopLoss   float64
	TakeProfit float64
	RiskReward float64
	EstFee     float64
}

// Calculator evaluates entry decisions against a bot's risk parameters.
type Calculator struct {
	feeRate decimal.Decimal
}

// NewCalculator returns a Calculator that reserves feeRate (a fraction of
// notional, e.g. 0.0004) for the entry fee when capping size to available
// capital.
func NewCalculator(feeRate float64) *Calculator {
	if feeRate < 0 {
		feeRate = 0
	}
	return &Calculator{feeRate: decFromFloat(feeRate)}
}

// Evaluate sizes entry against the cycle snapshot at price. The checks run
// in a fixed order so the first failing limit is the one reported.
func (c *Calculator) Evaluate(cc domain.CycleContext, entry domain.Entry, price float64) (Approval, error) {
	if !validPrice(price) {
		return Approval{}, reject(CodeStaleData, "price %v for %s", price, entry.Symbol)
	}
	if err := entry.Validate(); err != nil {
		return Approval{}, reject(CodeMalformed, "%v", err)
	}

	rp := cc.Bot.Risk
	if entry.Confidence < rp.MinConfidence {
		return Approval{}, reject(CodeLowConfidence, "confidence %.2f below %.2f", entry.Confidence, rp.MinConfidence)
	}
	if _, ok := cc.OpenOn(entry.Symbol); ok {
		return Approval{}, reject(CodeDuplicatePosition, "open position on %s", entry.Symbol)
	}
	if rp.MaxTradesPerDay > 0 && cc.TradesToday() >= rp.MaxTradesPerDay {
		return Approval{}, reject(CodeDailyLimit, "%d of %d entries used", cc.TradesToday(), rp.MaxTradesPerDay)
	}
	available := decFromFloat(cc.Bot.AvailableCapital)
	minNotional := decFromFloat(rp.MinNotional)
	if available.LessThanOrEqual(decimal.Zero) || available.LessThan(minNotional) {
		return Approval{}, reject(CodeInsufficientCapital, "available %.2f below minimum %.2f", cc.Bot.AvailableCapital, rp.MinNotional)
	}

	sizePct := c.sizePct(rp, entry)
	equity := decFromFloat(cc.Bot.Equity)
	if equity.LessThanOrEqual(decimal.Zero) {
		equity = available
	}
	notional := equity.Mul(sizePct).Div(decHundred)
	affordable := available.Div(decOne.Add(c.feeRate))
	if notional.GreaterThan(affordable) {
		notional = affordable
	}
	if notional.LessThanOrEqual(decimal.Zero) || notional.LessThan(minNotional) {
		return Approval{}, reject(CodeInsufficientCapital, "notional %s below minimum %.2f", notional.StringFixed(2), rp.MinNotional)
	}

	px := decFromFloat(price)
	qty := notional.DivRound(px, 8)
	if qty.LessThanOrEqual(decimal.Zero) {
		return Approval{}, reject(CodeInsufficientCapital, "quantity rounds to zero at price %v", price)
	}
	notional = qty.Mul(px)

	dir := entry.Side.Dir()
	stop := levelFromPct(price, rp.StopLossPct, dir, false)
	if entry.StopLoss > 0 && StopHit(dir, entry.StopLoss, price) && entry.StopLoss != price {
		stop = entry.StopLoss
	}
	target := levelFromPct(price, rp.TakeProfitPct, dir, true)
	if entry.TakeProfit > 0 && TargetHit(dir, entry.TakeProfit, price) && entry.TakeProfit != price {
		target = entry.TakeProfit
	}

	riskDist := px.Sub(decFromFloat(stop)).Abs()
	rewardDist := decFromFloat(target).Sub(px).Abs()
	if riskDist.LessThanOrEqual(decimal.Zero) {
		return Approval{}, reject(CodeRiskReward, "stop distance is zero")
	}
	rr := rewardDist.Div(riskDist)
	if rr.Add(decEps).LessThan(decFromFloat(rp.MinRiskReward)) {
		return Approval{}, reject(CodeRiskReward, "risk/reward %s below %.2f", rr.StringFixed(2), rp.MinRiskReward)
	}

	return Approval{
		Symbol:     entry.Symbol,
		Side:       entry.Side,
		Price:      price,
		Quantity:   decToFloat(qty),
		Notional:   decToFloat(notional),
		SizePct:    decToFloat(sizePct),
		StopLoss:   stop,
		TakeProfit: target,
		RiskReward: decToFloat(rr),
		EstFee:     decToFloat(notional.Mul(c.feeRate)),
	}, nil
}

// sizePct interpolates linearly from SizeLowPct at MinConfidence to
// SizeHighPct at full confidence, capped by MaxPositionPct and by any
// smaller size the oracle requested.
func (c *Calculator) sizePct(rp domain.RiskParams, entry domain.Entry) decimal.Decimal {
	low := decFromFloat(rp.SizeLowPct)
	high := decFromFloat(rp.SizeHighPct)
	pct := high
	span := decOne.Sub(decFromFloat(rp.MinConfidence))
	if span.GreaterThan(decimal.Zero) {
		t := decFromFloat(entry.Confidence).Sub(decFromFloat(rp.MinConfidence)).Div(span)
		if t.LessThan(decimal.Zero) {
			t = decimal.Zero
		}
		if t.GreaterThan(decOne) {
			t = decOne
		}
		pct = low.Add(high.Sub(low).Mul(t))
	}
	if rp.MaxPositionPct > 0 {
		pct = decimal.Min(pct, decFromFloat(rp.MaxPositionPct))
	}
	if entry.SizePct > 0 {
		pct = decimal.Min(pct, decFromFloat(entry.SizePct))
	}
	return pct
}
