// Package memory implements the domain stores in process memory. It backs
// paper trading without a database and the engine's tests.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// Store holds every table. A single mutex serializes all access; InTx holds
// it for the whole transaction and restores a snapshot when fn fails.
type Store struct {
	mu        sync.Mutex
	bots      map[string]domain.Bot
	positions map[string]domain.Position
	trades    []domain.Trade
	equity    []domain.EquitySnapshot
	audit     []domain.AuditEntry
	nextSeq   int64
}

var _ domain.Transactor = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		bots:      make(map[string]domain.Bot),
		positions: make(map[string]domain.Position),
	}
}

// Stores returns the domain store set backed by s.
func (s *Store) Stores() domain.Stores {
	return domain.Stores{
		Tx:        s,
		Bots:      &BotStore{s: s},
		Positions: &PositionStore{s: s},
		Trades:    &TradeStore{s: s},
		Equity:    &EquityStore{s: s},
		Audit:     &AuditStore{s: s},
	}
}

type txKey struct{}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// lock acquires the store mutex unless ctx already belongs to a
// transaction on s.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type snapshot struct {
	bots      map[string]domain.Bot
	positions map[string]domain.Position
	trades    int
	equity    int
	audit     int
	nextSeq   int64
}

// InTx runs fn atomically with respect to every other store call.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{
		bots:      maps.Clone(s.bots),
		positions: maps.Clone(s.positions),
		trades:    len(s.trades),
		equity:    len(s.equity),
		audit:     len(s.audit),
		nextSeq:   s.nextSeq,
	}
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.bots = snap.bots
		s.positions = snap.positions
		s.trades = s.trades[:snap.trades]
		s.equity = s.equity[:snap.equity]
		s.audit = s.audit[:snap.audit]
		s.nextSeq = snap.nextSeq
		return err
	}
	return nil
}

func (s *Store) seq() int64 {
	s.nextSeq++
	return s.nextSeq
}

func cloneBot(b domain.Bot) domain.Bot {
	b.Symbols = slices.Clone(b.Symbols)
	return b
}

// page applies ListOpts to rows already sorted newest first.
func page[T any](rows []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(rows) {
			return nil
		}
		rows = rows[opts.Offset:]
	}
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows
}
