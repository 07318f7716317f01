package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. Rows are never
// updated or deleted.
type TradeStore struct {
	pool *pgxpool.Pool
}

var _ domain.TradeStore = (*TradeStore)(nil)

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, position_id, bot_id, symbol, side, leg, price,
	quantity, fees, pnl, reason, decision_id, ts`

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var t domain.Trade
	var side, leg, reason string
	if err := row.Scan(
		&t.ID, &t.PositionID, &t.BotID, &t.Symbol, &side, &leg,
		&t.Price, &t.Quantity, &t.Fees, &t.PnL, &reason, &t.DecisionID, &t.Timestamp,
	); err != nil {
		return domain.Trade{}, err
	}
	t.Side = domain.Side(side)
	t.Leg = domain.TradeLeg(leg)
	t.Reason = domain.CloseReason(reason)
	return t, nil
}

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Append inserts one trade leg. A second leg of the same kind for a
// position is rejected with domain.ErrAlreadyExists.
func (s *TradeStore) Append(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, position_id, bot_id, symbol, side, leg, price,
			quantity, fees, pnl, reason, decision_id, ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := conn(ctx, s.pool).Exec(ctx, query,
		t.ID, t.PositionID, t.BotID, t.Symbol, string(t.Side), string(t.Leg), t.Price,
		t.Quantity, t.Fees, t.PnL, string(t.Reason), t.DecisionID, t.Timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: append %s trade for %s: %w", t.Leg, t.PositionID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: append trade %s: %w", t.ID, classify(err))
	}
	return nil
}

// GetExit returns the exit leg of a position.
func (s *TradeStore) GetExit(ctx context.Context, positionID string) (domain.Trade, error) {
	row := conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE position_id = $1 AND leg = 'exit'`, positionID)
	t, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trade{}, domain.ErrNotFound
		}
		return domain.Trade{}, fmt.Errorf("postgres: get exit trade %s: %w", positionID, classify(err))
	}
	return t, nil
}

// ListByBot returns a bot's trades newest first.
func (s *TradeStore) ListByBot(ctx context.Context, botID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE bot_id = $1`
	query, args := appendListOpts(query, []any{botID}, "ts", opts)

	rows, err := conn(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by bot: %w", classify(err))
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}

// ListRange returns every trade with from <= ts < to, oldest first.
func (s *TradeStore) ListRange(ctx context.Context, from, to time.Time) ([]domain.Trade, error) {
	rows, err := conn(ctx, s.pool).Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE ts >= $1 AND ts < $2 ORDER BY ts`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades in range: %w", classify(err))
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}
