package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// BotStore implements domain.BotStore.
type BotStore struct {
	s *Store
}

var _ domain.BotStore = (*BotStore)(nil)

func (b *BotStore) Create(ctx context.Context, bot domain.Bot) error {
	defer b.s.lock(ctx)()
	if _, ok := b.s.bots[bot.ID]; ok {
		return fmt.Errorf("memory: create bot %s: %w", bot.ID, domain.ErrAlreadyExists)
	}
	for _, existing := range b.s.bots {
		if existing.Name == bot.Name {
			return fmt.Errorf("memory: create bot %s: %w", bot.Name, domain.ErrAlreadyExists)
		}
	}
	bot.TradesDay = domain.UTCDay(bot.CreatedAt)
	bot.UpdatedAt = bot.CreatedAt
	b.s.bots[bot.ID] = cloneBot(bot)
	return nil
}

func (b *BotStore) GetByID(ctx context.Context, id string) (domain.Bot, error) {
	defer b.s.lock(ctx)()
	bot, ok := b.s.bots[id]
	if !ok {
		return domain.Bot{}, domain.ErrNotFound
	}
	return cloneBot(bot), nil
}

// GetForUpdate is GetByID; InTx already excludes every other store call.
func (b *BotStore) GetForUpdate(ctx context.Context, id string) (domain.Bot, error) {
	return b.GetByID(ctx, id)
}

func (b *BotStore) GetByName(ctx context.Context, name string) (domain.Bot, error) {
	defer b.s.lock(ctx)()
	for _, bot := range b.s.bots {
		if bot.Name == name {
			return cloneBot(bot), nil
		}
	}
	return domain.Bot{}, domain.ErrNotFound
}

func (b *BotStore) List(ctx context.Context) ([]domain.Bot, error) {
	return b.list(ctx, func(domain.Bot) bool { return true })
}

func (b *BotStore) ListByStatus(ctx context.Context, status domain.BotStatus) ([]domain.Bot, error) {
	return b.list(ctx, func(bot domain.Bot) bool { return bot.Status == status })
}

func (b *BotStore) list(ctx context.Context, keep func(domain.Bot) bool) ([]domain.Bot, error) {
	defer b.s.lock(ctx)()
	var out []domain.Bot
	for _, bot := range b.s.bots {
		if keep(bot) {
			out = append(out, cloneBot(bot))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (b *BotStore) update(ctx context.Context, id string, fn func(*domain.Bot) error) error {
	defer b.s.lock(ctx)()
	bot, ok := b.s.bots[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := fn(&bot); err != nil {
		return err
	}
	bot.UpdatedAt = time.Now().UTC()
	b.s.bots[id] = bot
	return nil
}

func (b *BotStore) UpdateStatus(ctx context.Context, id string, status domain.BotStatus, reason string) error {
	return b.update(ctx, id, func(bot *domain.Bot) error {
		bot.Status = status
		bot.HaltReason = reason
		return nil
	})
}

func (b *BotStore) AdjustCapital(ctx context.Context, id string, delta float64) (float64, error) {
	var balance float64
	err := b.update(ctx, id, func(bot *domain.Bot) error {
		next := bot.AvailableCapital + delta
		if next < 0 {
			return fmt.Errorf("memory: adjust capital %s by %.8f: %w", id, delta, domain.ErrInsufficientCapital)
		}
		bot.AvailableCapital = next
		balance = next
		return nil
	})
	return balance, err
}

func (b *BotStore) SetEquity(ctx context.Context, id string, equity float64) error {
	return b.update(ctx, id, func(bot *domain.Bot) error {
		bot.Equity = equity
		return nil
	})
}

func (b *BotStore) RecordEntry(ctx context.Context, id string, day time.Time) (int, error) {
	var n int
	err := b.update(ctx, id, func(bot *domain.Bot) error {
		d := domain.UTCDay(day)
		if d.Equal(domain.UTCDay(bot.TradesDay)) {
			bot.TradesToday++
		} else {
			bot.TradesToday = 1
			bot.TradesDay = d
		}
		n = bot.TradesToday
		return nil
	})
	return n, err
}

func (b *BotStore) RecordDecision(ctx context.Context, id string, summary string, at time.Time) error {
	return b.update(ctx, id, func(bot *domain.Bot) error {
		bot.LastDecision = summary
		t := at
		bot.LastDecisionAt = &t
		return nil
	})
}
