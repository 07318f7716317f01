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

// PositionStore implements domain.PositionStore using PostgreSQL. The
// one-open-position-per-symbol rule is enforced by the partial unique index
// positions_one_open_per_symbol.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, bot_id, symbol, side, quantity, entry_price,
	current_price, stop_loss, take_profit, entry_fees, exit_fees, status,
	needs_review, opened_at, marked_at, closed_at, exit_price, close_reason,
	realized_pnl, decision_id`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status, reason string
	if err := row.Scan(
		&p.ID, &p.BotID, &p.Symbol, &side,
		&p.Quantity, &p.EntryPrice, &p.CurrentPrice,
		&p.StopLoss, &p.TakeProfit, &p.EntryFees, &p.ExitFees,
		&status, &p.NeedsReview,
		&p.OpenedAt, &p.MarkedAt, &p.ClosedAt, &p.ExitPrice,
		&reason, &p.RealizedPnL, &p.DecisionID,
	); err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.CloseReason(reason)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Open inserts a new open position.
func (s *PositionStore) Open(ctx context.Context, p domain.Position) (domain.Position, error) {
	p.Status = domain.PositionStatusOpen
	if p.CurrentPrice <= 0 {
		p.CurrentPrice = p.EntryPrice
	}

	const query = `
		INSERT INTO positions (
			id, bot_id, symbol, side, quantity, entry_price, current_price,
			stop_loss, take_profit, entry_fees, status, opened_at, decision_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'open', $11, $12)`

	_, err := conn(ctx, s.pool).Exec(ctx, query,
		p.ID, p.BotID, p.Symbol, string(p.Side), p.Quantity, p.EntryPrice, p.CurrentPrice,
		p.StopLoss, p.TakeProfit, p.EntryFees, p.OpenedAt, p.DecisionID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Position{}, fmt.Errorf("postgres: open position %s/%s: %w", p.BotID, p.Symbol, domain.ErrDuplicatePosition)
		}
		return domain.Position{}, fmt.Errorf("postgres: open position %s: %w", p.ID, classify(err))
	}
	return p, nil
}

// Close transitions an open position to closed. The status guard makes the
// update a no-op for a position that is already closed, in which case the
// stored record is returned with closed=false.
func (s *PositionStore) Close(ctx context.Context, id string, c domain.PositionClose) (domain.Position, bool, error) {
	q := conn(ctx, s.pool)
	row := q.QueryRow(ctx, `
		UPDATE positions SET
			status        = 'closed',
			exit_price    = $2,
			current_price = $2,
			exit_fees     = $3,
			close_reason  = $4,
			realized_pnl  = $5,
			closed_at     = $6,
			updated_at    = NOW()
		WHERE id = $1 AND status = 'open'
		RETURNING `+positionSelectCols,
		id, c.ExitPrice, c.ExitFees, string(c.Reason), c.RealizedPnL, c.ClosedAt,
	)
	p, err := scanPosition(row)
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, false, fmt.Errorf("postgres: close position %s: %w", id, classify(err))
	}

	existing, err := s.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, false, err
	}
	return existing, false, nil
}

// UpdateMark records the latest price for an open position.
func (s *PositionStore) UpdateMark(ctx context.Context, id string, price float64, at time.Time) error {
	_, err := conn(ctx, s.pool).Exec(ctx, `
		UPDATE positions SET current_price = $2, marked_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'open'`, id, price, at)
	if err != nil {
		return fmt.Errorf("postgres: update mark %s: %w", id, classify(err))
	}
	return nil
}

// SetReview raises or clears the manual-review flag.
func (s *PositionStore) SetReview(ctx context.Context, id string, flag bool) error {
	tag, err := conn(ctx, s.pool).Exec(ctx,
		`UPDATE positions SET needs_review = $2, updated_at = NOW() WHERE id = $1`, id, flag)
	if err != nil {
		return fmt.Errorf("postgres: set review %s: %w", id, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetOpen returns all open positions for the given bot.
func (s *PositionStore) GetOpen(ctx context.Context, botID string) ([]domain.Position, error) {
	rows, err := conn(ctx, s.pool).Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE bot_id = $1 AND status = 'open'
		 ORDER BY opened_at`, botID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get open positions: %w", classify(err))
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, classify(err))
	}
	return p, nil
}

// ListHistory returns positions for the given bot with pagination and optional time filtering.
func (s *PositionStore) ListHistory(ctx context.Context, botID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE bot_id = $1`
	args := []any{botID}
	query, args = appendListOpts(query, args, "opened_at", opts)

	rows, err := conn(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", classify(err))
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan position history: %w", err)
	}
	return positions, nil
}

// appendListOpts adds time filters, newest-first ordering and pagination on
// column to a query whose existing placeholders are numbered 1..len(args).
func appendListOpts(query string, args []any, column string, opts domain.ListOpts) (string, []any) {
	argIdx := len(args) + 1
	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= $%d", column, argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s <= $%d", column, argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY " + column + " DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

// SumRealized totals realized PnL over the bot's closed positions.
func (s *PositionStore) SumRealized(ctx context.Context, botID string) (float64, error) {
	var sum float64
	err := conn(ctx, s.pool).QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0)::float8 FROM positions WHERE bot_id = $1 AND status = 'closed'`,
		botID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum realized pnl %s: %w", botID, classify(err))
	}
	return sum, nil
}
