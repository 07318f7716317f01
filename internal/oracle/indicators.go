package oracle

import (
	"fmt"

	talib "github.com/markcheno/go-talib"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// IndicatorConfig sets indicator periods.
type IndicatorConfig struct {
	EMAFast    int
	EMASlow    int
	RSI        int
	MACDFast   int
	MACDSlow   int
	MACDSignal int
}

func (c IndicatorConfig) withDefaults() IndicatorConfig {
	if c.EMAFast <= 0 {
		c.EMAFast = 12
	}
	if c.EMASlow <= 0 {
		c.EMASlow = 26
	}
	if c.RSI <= 0 {
		c.RSI = 14
	}
	if c.MACDFast <= 0 {
		c.MACDFast = 12
	}
	if c.MACDSlow <= 0 {
		c.MACDSlow = 26
	}
	if c.MACDSignal <= 0 {
		c.MACDSignal = 9
	}
	return c
}

// MinCandles is the history needed for every indicator to be defined.
func (c IndicatorConfig) MinCandles() int {
	c = c.withDefaults()
	need := c.MACDSlow + c.MACDSignal
	for _, p := range []int{c.EMASlow, c.EMAFast, c.RSI + 1} {
		if p > need {
			need = p
		}
	}
	return need
}

// ComputeIndicators derives the latest readings from candles, oldest first.
// Short or zero-valued history is domain.ErrStaleData, never a zero
// reading.
func ComputeIndicators(candles []domain.Candle, cfg IndicatorConfig) (domain.Indicators, error) {
	cfg = cfg.withDefaults()
	if need := cfg.MinCandles(); len(candles) < need {
		return domain.Indicators{}, fmt.Errorf("oracle: indicators need %d candles, have %d: %w", need, len(candles), domain.ErrStaleData)
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		if c.Close <= 0 {
			return domain.Indicators{}, fmt.Errorf("oracle: zero close at %s: %w", c.OpenTime, domain.ErrStaleData)
		}
		closes[i] = c.Close
	}

	last := len(closes) - 1
	emaFast := talib.Ema(closes, cfg.EMAFast)
	emaSlow := talib.Ema(closes, cfg.EMASlow)
	rsi := talib.Rsi(closes, cfg.RSI)
	macd, signal, hist := talib.Macd(closes, cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
	if len(macd) == 0 || len(rsi) == 0 {
		return domain.Indicators{}, fmt.Errorf("oracle: indicators undefined: %w", domain.ErrStaleData)
	}

	return domain.Indicators{
		EMAFast:    emaFast[last],
		EMASlow:    emaSlow[last],
		RSI:        rsi[last],
		MACD:       macd[len(macd)-1],
		MACDSignal: signal[len(signal)-1],
		MACDHist:   hist[len(hist)-1],
	}, nil
}
