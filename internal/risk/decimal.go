package risk

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	decOne     = decimal.NewFromInt(1)
	decHundred = decimal.NewFromInt(100)
	decEps     = decimal.NewFromFloat(1e-9)
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

// validPrice rejects zero, negative, NaN and infinite prices.
func validPrice(p float64) bool {
	return p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}

// levelFromPct returns price moved by pct percent in the favourable
// direction for side when favourable is true, adverse otherwise.
func levelFromPct(price, pct float64, dir float64, favourable bool) float64 {
	move := decFromFloat(pct).Div(decHundred)
	if !favourable {
		move = move.Neg()
	}
	if dir < 0 {
		move = move.Neg()
	}
	return decToFloat(decFromFloat(price).Mul(decOne.Add(move)))
}

// StopHit reports whether price has crossed the stop for a position of the
// given direction (+1 long, -1 short).
func StopHit(dir, price, stop float64) bool {
	if stop <= 0 || !validPrice(price) {
		return false
	}
	c := decFromFloat(price).Cmp(decFromFloat(stop))
	if dir < 0 {
		return c >= 0
	}
	return c <= 0
}

// TargetHit reports whether price has reached the take-profit target.
func TargetHit(dir, price, target float64) bool {
	if target <= 0 || !validPrice(price) {
		return false
	}
	c := decFromFloat(price).Cmp(decFromFloat(target))
	if dir < 0 {
		return c <= 0
	}
	return c >= 0
}
