package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// EquityStore implements domain.EquityStore using PostgreSQL.
type EquityStore struct {
	pool *pgxpool.Pool
}

var _ domain.EquityStore = (*EquityStore)(nil)

// NewEquityStore creates a new EquityStore backed by the given connection pool.
func NewEquityStore(pool *pgxpool.Pool) *EquityStore {
	return &EquityStore{pool: pool}
}

const equitySelectCols = `id, bot_id, equity, available_capital, unrealized_pnl, open_positions, ts`

func scanEquityRows(rows pgx.Rows) ([]domain.EquitySnapshot, error) {
	var snaps []domain.EquitySnapshot
	for rows.Next() {
		var e domain.EquitySnapshot
		if err := rows.Scan(
			&e.ID, &e.BotID, &e.Equity, &e.AvailableCapital,
			&e.UnrealizedPnL, &e.OpenPositions, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		snaps = append(snaps, e)
	}
	return snaps, rows.Err()
}

// Insert appends a snapshot.
func (s *EquityStore) Insert(ctx context.Context, e domain.EquitySnapshot) error {
	const query = `
		INSERT INTO equity_snapshots (bot_id, equity, available_capital, unrealized_pnl, open_positions, ts)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := conn(ctx, s.pool).Exec(ctx, query,
		e.BotID, e.Equity, e.AvailableCapital, e.UnrealizedPnL, e.OpenPositions, e.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: insert equity snapshot %s: %w", e.BotID, classify(err))
	}
	return nil
}

// ListByBot returns a bot's snapshots newest first.
func (s *EquityStore) ListByBot(ctx context.Context, botID string, opts domain.ListOpts) ([]domain.EquitySnapshot, error) {
	query := `SELECT ` + equitySelectCols + ` FROM equity_snapshots WHERE bot_id = $1`
	query, args := appendListOpts(query, []any{botID}, "ts", opts)

	rows, err := conn(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list equity snapshots: %w", classify(err))
	}
	defer rows.Close()

	snaps, err := scanEquityRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan equity snapshots: %w", err)
	}
	return snaps, nil
}

// ListRange returns every snapshot with from <= ts < to, oldest first.
func (s *EquityStore) ListRange(ctx context.Context, from, to time.Time) ([]domain.EquitySnapshot, error) {
	rows, err := conn(ctx, s.pool).Query(ctx,
		`SELECT `+equitySelectCols+` FROM equity_snapshots WHERE ts >= $1 AND ts < $2 ORDER BY ts`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list equity snapshots in range: %w", classify(err))
	}
	defer rows.Close()

	snaps, err := scanEquityRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan equity snapshots: %w", err)
	}
	return snaps, nil
}
