package oracle

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// TrinityName is the registry name of the Trinity oracle.
const TrinityName = "trinity"

// TrinityConfig tunes the Trinity confluence rules.
type TrinityConfig struct {
	Indicators IndicatorConfig
	// Overbought and Oversold bound the RSI zone in which momentum still
	// counts as a vote for continuation.
	Overbought float64
	Oversold   float64
	// MinAgreement is how many of the three blocks must agree, with none
	// opposing, before an entry is proposed.
	MinAgreement int
	// StopLossPct and TakeProfitPct, when set, are proposed with entries.
	StopLossPct   float64
	TakeProfitPct float64
}

// Trinity votes with three indicator blocks (EMA trend, MACD histogram and
// RSI zone) and enters only on confluence.
type Trinity struct {
	cfg TrinityConfig
}

var _ domain.DecisionOracle = (*Trinity)(nil)

// NewTrinity creates a Trinity oracle.
func NewTrinity(cfg TrinityConfig) *Trinity {
	if cfg.Overbought <= 0 {
		cfg.Overbought = 70
	}
	if cfg.Oversold <= 0 {
		cfg.Oversold = 30
	}
	if cfg.MinAgreement <= 0 || cfg.MinAgreement > 3 {
		cfg.MinAgreement = 2
	}
	cfg.Indicators = cfg.Indicators.withDefaults()
	return &Trinity{cfg: cfg}
}

func (t *Trinity) Name() string { return TrinityName }

// Decide implements domain.DecisionOracle.
func (t *Trinity) Decide(_ context.Context, mc domain.MarketContext) (domain.Decision, error) {
	ind := mc.Indicators
	if ind == (domain.Indicators{}) {
		var err error
		ind, err = ComputeIndicators(mc.Candles, t.cfg.Indicators)
		if err != nil {
			return nil, err
		}
	}
	bull, bear := t.votes(ind)

	if mc.Position != nil {
		against := bear
		if mc.Position.Side == domain.SideShort {
			against = bull
		}
		if against >= 2 {
			return domain.Exit{
				Symbol:     mc.Symbol,
				Confidence: float64(against) / 3,
				Reason:     fmt.Sprintf("trinity: %d of 3 blocks reversed", against),
			}, nil
		}
		return domain.Hold{Symbol: mc.Symbol, Reason: "trinity: trend intact"}, nil
	}

	side, agree, oppose := domain.SideLong, bull, bear
	if bear > bull {
		side, agree, oppose = domain.SideShort, bear, bull
	}
	if agree < t.cfg.MinAgreement || oppose > 0 {
		return domain.Hold{
			Symbol: mc.Symbol,
			Reason: fmt.Sprintf("trinity: no confluence (bull %d, bear %d)", bull, bear),
		}, nil
	}

	e := domain.Entry{
		Symbol:     mc.Symbol,
		Side:       side,
		Confidence: confidence(agree),
		Reasoning: fmt.Sprintf("trinity: %d/3 %s (ema %.4g/%.4g, macd hist %.4g, rsi %.1f)",
			agree, side, ind.EMAFast, ind.EMASlow, ind.MACDHist, ind.RSI),
	}
	if price := mc.Quote.Price; price > 0 {
		dir := side.Dir()
		if t.cfg.StopLossPct > 0 {
			e.StopLoss = price * (1 - dir*t.cfg.StopLossPct/100)
		}
		if t.cfg.TakeProfitPct > 0 {
			e.TakeProfit = price * (1 + dir*t.cfg.TakeProfitPct/100)
		}
	}
	return e, nil
}

// votes returns the number of bullish and bearish blocks.
func (t *Trinity) votes(ind domain.Indicators) (bull, bear int) {
	switch {
	case ind.EMAFast > ind.EMASlow:
		bull++
	case ind.EMAFast < ind.EMASlow:
		bear++
	}
	switch {
	case ind.MACDHist > 0:
		bull++
	case ind.MACDHist < 0:
		bear++
	}
	switch {
	case ind.RSI > 50 && ind.RSI < t.cfg.Overbought:
		bull++
	case ind.RSI < 50 && ind.RSI > t.cfg.Oversold:
		bear++
	}
	return bull, bear
}

func confidence(agree int) float64 {
	switch agree {
	case 3:
		return 0.9
	case 2:
		return 0.7
	}
	return 0.5
}
