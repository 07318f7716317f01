package domain

import (
	"context"
	"strings"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Transactor runs fn inside a single storage transaction. Stores called
// with the ctx passed to fn participate in that transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// BotStore persists bots and their capital ledger.
type BotStore interface {
	Create(ctx context.Context, bot Bot) error
	GetByID(ctx context.Context, id string) (Bot, error)
	// GetForUpdate reads the bot and, inside InTx, holds it until the
	// transaction ends. Every capital change writes the bot, so position
	// reads in the same transaction agree with the returned balance.
	GetForUpdate(ctx context.Context, id string) (Bot, error)
	GetByName(ctx context.Context, name string) (Bot, error)
	List(ctx context.Context) ([]Bot, error)
	ListByStatus(ctx context.Context, status BotStatus) ([]Bot, error)
	UpdateStatus(ctx context.Context, id string, status BotStatus, reason string) error
	// AdjustCapital adds delta to available capital and returns the new
	// balance. It fails with ErrInsufficientCapital when the result would
	// be negative, leaving the balance unchanged.
	AdjustCapital(ctx context.Context, id string, delta float64) (float64, error)
	SetEquity(ctx context.Context, id string, equity float64) error
	// RecordEntry increments the daily entry counter, resetting it first
	// when day differs from the stored counter day. Returns the new count.
	RecordEntry(ctx context.Context, id string, day time.Time) (int, error)
	RecordDecision(ctx context.Context, id string, summary string, at time.Time) error
}

// PositionStore persists positions.
type PositionStore interface {
	// Open inserts pos as open. Fails with ErrDuplicatePosition when the bot
	// already has an open position on the symbol.
	Open(ctx context.Context, pos Position) (Position, error)
	// Close transitions an open position to closed. Closing an already
	// closed position returns the stored record and closed=false.
	Close(ctx context.Context, id string, c PositionClose) (pos Position, closed bool, err error)
	UpdateMark(ctx context.Context, id string, price float64, at time.Time) error
	SetReview(ctx context.Context, id string, flag bool) error
	GetOpen(ctx context.Context, botID string) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
	ListHistory(ctx context.Context, botID string, opts ListOpts) ([]Position, error)
	// SumRealized totals realized PnL over the bot's closed positions.
	SumRealized(ctx context.Context, botID string) (float64, error)
}

// TradeStore is the append-only trade ledger.
type TradeStore interface {
	Append(ctx context.Context, t Trade) error
	GetExit(ctx context.Context, positionID string) (Trade, error)
	ListByBot(ctx context.Context, botID string, opts ListOpts) ([]Trade, error)
	ListRange(ctx context.Context, from, to time.Time) ([]Trade, error)
}

// EquityStore persists per-cycle equity snapshots.
type EquityStore interface {
	Insert(ctx context.Context, s EquitySnapshot) error
	ListByBot(ctx context.Context, botID string, opts ListOpts) ([]EquitySnapshot, error)
	ListRange(ctx context.Context, from, to time.Time) ([]EquitySnapshot, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	// List returns entries newest first. event filters by name: empty
	// matches all, a trailing "*" matches by prefix.
	List(ctx context.Context, event string, opts ListOpts) ([]AuditEntry, error)
}

// MatchEvent reports whether name satisfies an audit event filter.
func MatchEvent(filter, name string) bool {
	if filter == "" {
		return true
	}
	if prefix, ok := strings.CutSuffix(filter, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return filter == name
}

// Stores groups every persistence interface the engine needs.
type Stores struct {
	Tx        Transactor
	Bots      BotStore
	Positions PositionStore
	Trades    TradeStore
	Equity    EquityStore
	Audit     AuditStore
}
