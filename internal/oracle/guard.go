package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// Guard wraps an oracle so every call yields a well-formed decision for the
// requested symbol. Errors, timeouts and malformed output become a Hold
// whose Reason explains why.
type Guard struct {
	oracle  domain.DecisionOracle
	timeout time.Duration
	logger  *slog.Logger
}

var _ domain.DecisionOracle = (*Guard)(nil)

// NewGuard wraps o with a per-call timeout.
func NewGuard(o domain.DecisionOracle, timeout time.Duration, logger *slog.Logger) *Guard {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Guard{
		oracle:  o,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "oracle"), slog.String("oracle", o.Name())),
	}
}

func (g *Guard) Name() string { return g.oracle.Name() }

// Decide never returns an error; the Hold reason carries the failure.
func (g *Guard) Decide(ctx context.Context, mc domain.MarketContext) (domain.Decision, error) {
	dctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		d   domain.Decision
		err error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := g.oracle.Decide(dctx, mc)
		ch <- result{d, err}
	}()

	var d domain.Decision
	var err error
	select {
	case r := <-ch:
		d, err = r.d, r.err
	case <-dctx.Done():
		err = dctx.Err()
	}
	if err != nil {
		reason := "oracle error: " + err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(dctx.Err(), context.DeadlineExceeded) {
			reason = "decision timed out"
		}
		g.logger.WarnContext(ctx, "oracle: decision failed, holding",
			slog.String("symbol", mc.Symbol),
			slog.String("error", err.Error()),
		)
		return domain.Hold{Symbol: mc.Symbol, Reason: reason}, nil
	}

	d, err = g.check(d, mc)
	if err != nil {
		g.logger.WarnContext(ctx, "oracle: malformed decision, holding",
			slog.String("symbol", mc.Symbol),
			slog.String("error", err.Error()),
		)
		return domain.Hold{Symbol: mc.Symbol, Reason: err.Error()}, nil
	}
	return d, nil
}

func (g *Guard) check(d domain.Decision, mc domain.MarketContext) (domain.Decision, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: no decision", domain.ErrMalformedDecision)
	}
	if t := d.Target(); t != "" && !strings.EqualFold(t, mc.Symbol) {
		return nil, fmt.Errorf("%w: decision for %q, asked %q", domain.ErrMalformedDecision, t, mc.Symbol)
	}

	switch v := d.(type) {
	case domain.Entry:
		v.Symbol = mc.Symbol
		if err := v.Validate(); err != nil {
			return nil, err
		}
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		return v, nil
	case domain.Exit:
		v.Symbol = mc.Symbol
		if err := v.Validate(); err != nil {
			return nil, err
		}
		if mc.Position == nil {
			return domain.Hold{Symbol: mc.Symbol, Reason: "exit without open position"}, nil
		}
		return v, nil
	case domain.Hold:
		v.Symbol = mc.Symbol
		return v, nil
	}
	return nil, fmt.Errorf("%w: unknown decision %T", domain.ErrMalformedDecision, d)
}
