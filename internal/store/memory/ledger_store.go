package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// TradeStore implements domain.TradeStore.
type TradeStore struct {
	s *Store
}

var _ domain.TradeStore = (*TradeStore)(nil)

func (t *TradeStore) Append(ctx context.Context, trade domain.Trade) error {
	defer t.s.lock(ctx)()
	for _, existing := range t.s.trades {
		if existing.ID == trade.ID || (existing.PositionID == trade.PositionID && existing.Leg == trade.Leg) {
			return fmt.Errorf("memory: append %s trade for %s: %w", trade.Leg, trade.PositionID, domain.ErrAlreadyExists)
		}
	}
	t.s.trades = append(t.s.trades, trade)
	return nil
}

func (t *TradeStore) GetExit(ctx context.Context, positionID string) (domain.Trade, error) {
	defer t.s.lock(ctx)()
	for _, trade := range t.s.trades {
		if trade.PositionID == positionID && trade.Leg == domain.TradeLegExit {
			return trade, nil
		}
	}
	return domain.Trade{}, domain.ErrNotFound
}

func (t *TradeStore) ListByBot(ctx context.Context, botID string, opts domain.ListOpts) ([]domain.Trade, error) {
	defer t.s.lock(ctx)()
	var out []domain.Trade
	for i := len(t.s.trades) - 1; i >= 0; i-- {
		trade := t.s.trades[i]
		if trade.BotID != botID || !inWindow(trade.Timestamp, opts) {
			continue
		}
		out = append(out, trade)
	}
	return page(out, opts), nil
}

func (t *TradeStore) ListRange(ctx context.Context, from, to time.Time) ([]domain.Trade, error) {
	defer t.s.lock(ctx)()
	var out []domain.Trade
	for _, trade := range t.s.trades {
		if !trade.Timestamp.Before(from) && trade.Timestamp.Before(to) {
			out = append(out, trade)
		}
	}
	return out, nil
}

// EquityStore implements domain.EquityStore.
type EquityStore struct {
	s *Store
}

var _ domain.EquityStore = (*EquityStore)(nil)

func (e *EquityStore) Insert(ctx context.Context, snap domain.EquitySnapshot) error {
	defer e.s.lock(ctx)()
	snap.ID = e.s.seq()
	e.s.equity = append(e.s.equity, snap)
	return nil
}

func (e *EquityStore) ListByBot(ctx context.Context, botID string, opts domain.ListOpts) ([]domain.EquitySnapshot, error) {
	defer e.s.lock(ctx)()
	var out []domain.EquitySnapshot
	for i := len(e.s.equity) - 1; i >= 0; i-- {
		snap := e.s.equity[i]
		if snap.BotID != botID || !inWindow(snap.Timestamp, opts) {
			continue
		}
		out = append(out, snap)
	}
	return page(out, opts), nil
}

func (e *EquityStore) ListRange(ctx context.Context, from, to time.Time) ([]domain.EquitySnapshot, error) {
	defer e.s.lock(ctx)()
	var out []domain.EquitySnapshot
	for _, snap := range e.s.equity {
		if !snap.Timestamp.Before(from) && snap.Timestamp.Before(to) {
			out = append(out, snap)
		}
	}
	return out, nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	s *Store
}

var _ domain.AuditStore = (*AuditStore)(nil)

func (a *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	defer a.s.lock(ctx)()
	a.s.audit = append(a.s.audit, domain.AuditEntry{
		ID:        a.s.seq(),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (a *AuditStore) List(ctx context.Context, event string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	defer a.s.lock(ctx)()
	var out []domain.AuditEntry
	for i := len(a.s.audit) - 1; i >= 0; i-- {
		e := a.s.audit[i]
		if domain.MatchEvent(event, e.Event) && inWindow(e.CreatedAt, opts) {
			out = append(out, a.s.audit[i])
		}
	}
	return page(out, opts), nil
}

func inWindow(ts time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && ts.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && ts.After(*opts.Until) {
		return false
	}
	return true
}
