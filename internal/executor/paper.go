package executor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

var bpsDivisor = decimal.NewFromInt(10_000)

// PaperGateway fills every order immediately at the reference price moved
// against the trader by a fixed slippage, charging a proportional fee.
type PaperGateway struct {
	slippageBps decimal.Decimal
	feeRate     decimal.Decimal
	now         func() time.Time
}

var _ domain.ExchangeGateway = (*PaperGateway)(nil)

// NewPaperGateway creates a PaperGateway. feeRate is a fraction of notional
// (0.0004 is 4 bps).
func NewPaperGateway(slippageBps, feeRate float64) *PaperGateway {
	return &PaperGateway{
		slippageBps: decimal.NewFromFloat(slippageBps),
		feeRate:     decimal.NewFromFloat(feeRate),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Fill simulates an immediate fill of req.
func (g *PaperGateway) Fill(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	if err := ctx.Err(); err != nil {
		return domain.Fill{}, fmt.Errorf("paper: fill %s: %w", req.Symbol, err)
	}
	if !finitePositive(req.RefPrice) {
		return domain.Fill{}, fmt.Errorf("paper: fill %s at %v: %w", req.Symbol, req.RefPrice, domain.ErrStaleData)
	}
	if !finitePositive(req.Quantity) {
		return domain.Fill{}, fmt.Errorf("paper: fill %s quantity %v: %w", req.Symbol, req.Quantity, domain.ErrMalformedDecision)
	}

	slip := g.slippageBps.Div(bpsDivisor)
	if !buying(req.Side, req.Leg) {
		slip = slip.Neg()
	}
	price := decimal.NewFromFloat(req.RefPrice).Mul(decimal.NewFromInt(1).Add(slip))
	qty := decimal.NewFromFloat(req.Quantity)
	fee := price.Mul(qty).Mul(g.feeRate)

	p, _ := price.Float64()
	f, _ := fee.Float64()
	return domain.Fill{
		Price:    p,
		Quantity: req.Quantity,
		Fee:      f,
		FilledAt: g.now(),
	}, nil
}

// buying reports whether the order takes liquidity on the buy side: long
// entries and short exits.
func buying(side domain.Side, leg domain.TradeLeg) bool {
	return (side == domain.SideLong) == (leg == domain.TradeLegEntry)
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
