package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// CheckLedger returns an error wrapping domain.ErrLedgerInconsistent when
// the bot's capital does not account for its realized results and open
// exposure within tol (relative).
func CheckLedger(bot domain.Bot, open []domain.Position, realized, tol float64) error {
	expected := decFromFloat(bot.InitialCapital).Add(decFromFloat(realized))
	actual := decFromFloat(bot.AvailableCapital)
	for _, p := range open {
		expected = expected.Sub(decFromFloat(p.EntryFees))
		actual = actual.Add(decFromFloat(p.Quantity).Mul(decFromFloat(p.EntryPrice)))
	}

	scale := decimal.Max(expected.Abs(), decOne)
	if expected.Sub(actual).Abs().GreaterThan(scale.Mul(decFromFloat(tol))) {
		return fmt.Errorf("ledger check bot %s: expected %s, have %s: %w",
			bot.ID, expected.StringFixed(8), actual.StringFixed(8), domain.ErrLedgerInconsistent)
	}
	return nil
}
