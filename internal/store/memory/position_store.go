package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	s *Store
}

var _ domain.PositionStore = (*PositionStore)(nil)

func (p *PositionStore) Open(ctx context.Context, pos domain.Position) (domain.Position, error) {
	defer p.s.lock(ctx)()
	if _, ok := p.s.positions[pos.ID]; ok {
		return domain.Position{}, fmt.Errorf("memory: open position %s: %w", pos.ID, domain.ErrAlreadyExists)
	}
	for _, existing := range p.s.positions {
		if existing.BotID == pos.BotID && existing.Symbol == pos.Symbol && existing.Status == domain.PositionStatusOpen {
			return domain.Position{}, fmt.Errorf("memory: open position %s/%s: %w", pos.BotID, pos.Symbol, domain.ErrDuplicatePosition)
		}
	}
	pos.Status = domain.PositionStatusOpen
	if pos.CurrentPrice <= 0 {
		pos.CurrentPrice = pos.EntryPrice
	}
	p.s.positions[pos.ID] = pos
	return pos, nil
}

func (p *PositionStore) Close(ctx context.Context, id string, c domain.PositionClose) (domain.Position, bool, error) {
	defer p.s.lock(ctx)()
	pos, ok := p.s.positions[id]
	if !ok {
		return domain.Position{}, false, domain.ErrNotFound
	}
	if pos.Status == domain.PositionStatusClosed {
		return pos, false, nil
	}
	exit := c.ExitPrice
	closedAt := c.ClosedAt
	pos.Status = domain.PositionStatusClosed
	pos.ExitPrice = &exit
	pos.CurrentPrice = exit
	pos.ExitFees = c.ExitFees
	pos.CloseReason = c.Reason
	pos.RealizedPnL = c.RealizedPnL
	pos.ClosedAt = &closedAt
	p.s.positions[id] = pos
	return pos, true, nil
}

func (p *PositionStore) UpdateMark(ctx context.Context, id string, price float64, at time.Time) error {
	defer p.s.lock(ctx)()
	pos, ok := p.s.positions[id]
	if !ok || pos.Status != domain.PositionStatusOpen {
		return nil
	}
	markedAt := at
	pos.CurrentPrice = price
	pos.MarkedAt = &markedAt
	p.s.positions[id] = pos
	return nil
}

func (p *PositionStore) SetReview(ctx context.Context, id string, flag bool) error {
	defer p.s.lock(ctx)()
	pos, ok := p.s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	pos.NeedsReview = flag
	p.s.positions[id] = pos
	return nil
}

func (p *PositionStore) GetOpen(ctx context.Context, botID string) ([]domain.Position, error) {
	defer p.s.lock(ctx)()
	var out []domain.Position
	for _, pos := range p.s.positions {
		if pos.BotID == botID && pos.Status == domain.PositionStatusOpen {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (p *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	defer p.s.lock(ctx)()
	pos, ok := p.s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (p *PositionStore) ListHistory(ctx context.Context, botID string, opts domain.ListOpts) ([]domain.Position, error) {
	defer p.s.lock(ctx)()
	var out []domain.Position
	for _, pos := range p.s.positions {
		if pos.BotID != botID {
			continue
		}
		if opts.Since != nil && pos.OpenedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && pos.OpenedAt.After(*opts.Until) {
			continue
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return page(out, opts), nil
}

func (p *PositionStore) SumRealized(ctx context.Context, botID string) (float64, error) {
	defer p.s.lock(ctx)()
	var sum float64
	for _, pos := range p.s.positions {
		if pos.BotID == botID && pos.Status == domain.PositionStatusClosed {
			sum += pos.RealizedPnL
		}
	}
	return sum, nil
}
