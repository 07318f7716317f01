package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// BotStore implements domain.BotStore using PostgreSQL.
type BotStore struct {
	pool *pgxpool.Pool
}

var _ domain.BotStore = (*BotStore)(nil)

// NewBotStore creates a new BotStore backed by the given connection pool.
func NewBotStore(pool *pgxpool.Pool) *BotStore {
	return &BotStore{pool: pool}
}

// riskParamsJSON is the JSONB encoding of domain.RiskParams.
type riskParamsJSON struct {
	MaxTradesPerDay       int     `json:"max_trades_per_day"`
	MaxPositionPct        float64 `json:"max_position_pct"`
	StopLossPct           float64 `json:"stop_loss_pct"`
	TakeProfitPct         float64 `json:"take_profit_pct"`
	MaxHoldSeconds        int64   `json:"max_hold_seconds"`
	MinConfidence         float64 `json:"min_confidence"`
	SizeLowPct            float64 `json:"size_low_pct"`
	SizeHighPct           float64 `json:"size_high_pct"`
	MinRiskReward         float64 `json:"min_risk_reward"`
	TimeoutProfitFloorPct float64 `json:"timeout_profit_floor_pct"`
	MinNotional           float64 `json:"min_notional"`
}

func encodeRisk(rp domain.RiskParams) ([]byte, error) {
	return json.Marshal(riskParamsJSON{
		MaxTradesPerDay:       rp.MaxTradesPerDay,
		MaxPositionPct:        rp.MaxPositionPct,
		StopLossPct:           rp.StopLossPct,
		TakeProfitPct:         rp.TakeProfitPct,
		MaxHoldSeconds:        int64(rp.MaxHoldDuration / time.Second),
		MinConfidence:         rp.MinConfidence,
		SizeLowPct:            rp.SizeLowPct,
		SizeHighPct:           rp.SizeHighPct,
		MinRiskReward:         rp.MinRiskReward,
		TimeoutProfitFloorPct: rp.TimeoutProfitFloorPct,
		MinNotional:           rp.MinNotional,
	})
}

func decodeRisk(data []byte) (domain.RiskParams, error) {
	var r riskParamsJSON
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.RiskParams{}, err
	}
	return domain.RiskParams{
		MaxTradesPerDay:       r.MaxTradesPerDay,
		MaxPositionPct:        r.MaxPositionPct,
		StopLossPct:           r.StopLossPct,
		TakeProfitPct:         r.TakeProfitPct,
		MaxHoldDuration:       time.Duration(r.MaxHoldSeconds) * time.Second,
		MinConfidence:         r.MinConfidence,
		SizeLowPct:            r.SizeLowPct,
		SizeHighPct:           r.SizeHighPct,
		MinRiskReward:         r.MinRiskReward,
		TimeoutProfitFloorPct: r.TimeoutProfitFloorPct,
		MinNotional:           r.MinNotional,
	}, nil
}

const botSelectCols = `id, name, symbols, oracle, initial_capital, available_capital,
	equity, status, halt_reason, risk_params, trades_today, trades_day,
	last_decision, last_decision_at, created_at, updated_at`

func scanBot(row pgx.Row) (domain.Bot, error) {
	var b domain.Bot
	var status string
	var risk []byte
	if err := row.Scan(
		&b.ID, &b.Name, &b.Symbols, &b.Oracle,
		&b.InitialCapital, &b.AvailableCapital, &b.Equity,
		&status, &b.HaltReason, &risk,
		&b.TradesToday, &b.TradesDay,
		&b.LastDecision, &b.LastDecisionAt,
		&b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return domain.Bot{}, err
	}
	b.Status = domain.BotStatus(status)
	rp, err := decodeRisk(risk)
	if err != nil {
		return domain.Bot{}, fmt.Errorf("decode risk params: %w", err)
	}
	b.Risk = rp
	return b, nil
}

func scanBotRows(rows pgx.Rows) ([]domain.Bot, error) {
	var bots []domain.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// Create inserts a new bot.
func (s *BotStore) Create(ctx context.Context, b domain.Bot) error {
	risk, err := encodeRisk(b.Risk)
	if err != nil {
		return fmt.Errorf("postgres: encode risk params: %w", err)
	}

	const query = `
		INSERT INTO bots (
			id, name, symbols, oracle, initial_capital, available_capital,
			equity, status, risk_params, trades_day, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`

	_, err = conn(ctx, s.pool).Exec(ctx, query,
		b.ID, b.Name, b.Symbols, b.Oracle, b.InitialCapital, b.AvailableCapital,
		b.Equity, string(b.Status), risk, domain.UTCDay(b.CreatedAt), b.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create bot %s: %w", b.Name, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create bot %s: %w", b.Name, classify(err))
	}
	return nil
}

// GetByID retrieves a single bot.
func (s *BotStore) GetByID(ctx context.Context, id string) (domain.Bot, error) {
	row := conn(ctx, s.pool).QueryRow(ctx, `SELECT `+botSelectCols+` FROM bots WHERE id = $1`, id)
	b, err := scanBot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bot{}, domain.ErrNotFound
		}
		return domain.Bot{}, fmt.Errorf("postgres: get bot %s: %w", id, classify(err))
	}
	return b, nil
}

// GetForUpdate locks the bot row for the rest of the caller's transaction.
func (s *BotStore) GetForUpdate(ctx context.Context, id string) (domain.Bot, error) {
	row := conn(ctx, s.pool).QueryRow(ctx, `SELECT `+botSelectCols+` FROM bots WHERE id = $1 FOR UPDATE`, id)
	b, err := scanBot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bot{}, domain.ErrNotFound
		}
		return domain.Bot{}, fmt.Errorf("postgres: lock bot %s: %w", id, classify(err))
	}
	return b, nil
}

// GetByName retrieves a bot by its unique name.
func (s *BotStore) GetByName(ctx context.Context, name string) (domain.Bot, error) {
	row := conn(ctx, s.pool).QueryRow(ctx, `SELECT `+botSelectCols+` FROM bots WHERE name = $1`, name)
	b, err := scanBot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bot{}, domain.ErrNotFound
		}
		return domain.Bot{}, fmt.Errorf("postgres: get bot %s: %w", name, classify(err))
	}
	return b, nil
}

// List returns every bot ordered by creation time.
func (s *BotStore) List(ctx context.Context) ([]domain.Bot, error) {
	rows, err := conn(ctx, s.pool).Query(ctx, `SELECT `+botSelectCols+` FROM bots ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bots: %w", classify(err))
	}
	defer rows.Close()

	bots, err := scanBotRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan bots: %w", err)
	}
	return bots, nil
}

// ListByStatus returns bots in the given status.
func (s *BotStore) ListByStatus(ctx context.Context, status domain.BotStatus) ([]domain.Bot, error) {
	rows, err := conn(ctx, s.pool).Query(ctx,
		`SELECT `+botSelectCols+` FROM bots WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: list bots by status: %w", classify(err))
	}
	defer rows.Close()

	bots, err := scanBotRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan bots: %w", err)
	}
	return bots, nil
}

// UpdateStatus sets the bot status and halt reason.
func (s *BotStore) UpdateStatus(ctx context.Context, id string, status domain.BotStatus, reason string) error {
	tag, err := conn(ctx, s.pool).Exec(ctx,
		`UPDATE bots SET status = $2, halt_reason = $3, updated_at = NOW() WHERE id = $1`,
		id, string(status), reason)
	if err != nil {
		return fmt.Errorf("postgres: update bot status %s: %w", id, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AdjustCapital applies delta to available capital atomically. The guard in
// the WHERE clause keeps the balance non-negative under concurrent updates.
func (s *BotStore) AdjustCapital(ctx context.Context, id string, delta float64) (float64, error) {
	q := conn(ctx, s.pool)
	var balance float64
	err := q.QueryRow(ctx, `
		UPDATE bots
		SET available_capital = available_capital + $2::numeric, updated_at = NOW()
		WHERE id = $1 AND available_capital + $2::numeric >= 0
		RETURNING available_capital`, id, delta).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isCheckViolation(err) {
			return 0, fmt.Errorf("postgres: adjust capital %s: %w", id, domain.ErrInsufficientCapital)
		}
		return 0, fmt.Errorf("postgres: adjust capital %s: %w", id, classify(err))
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM bots WHERE id = $1)`, id).Scan(&exists); err != nil {
		return 0, fmt.Errorf("postgres: adjust capital %s: %w", id, classify(err))
	}
	if !exists {
		return 0, domain.ErrNotFound
	}
	return 0, fmt.Errorf("postgres: adjust capital %s by %.8f: %w", id, delta, domain.ErrInsufficientCapital)
}

// SetEquity records the recomputed equity.
func (s *BotStore) SetEquity(ctx context.Context, id string, equity float64) error {
	tag, err := conn(ctx, s.pool).Exec(ctx,
		`UPDATE bots SET equity = $2, updated_at = NOW() WHERE id = $1`, id, equity)
	if err != nil {
		return fmt.Errorf("postgres: set equity %s: %w", id, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecordEntry bumps the daily entry counter, rolling it over on a new day.
func (s *BotStore) RecordEntry(ctx context.Context, id string, day time.Time) (int, error) {
	var n int
	err := conn(ctx, s.pool).QueryRow(ctx, `
		UPDATE bots SET
			trades_today = CASE WHEN trades_day = $2::date THEN trades_today + 1 ELSE 1 END,
			trades_day   = $2::date,
			updated_at   = NOW()
		WHERE id = $1
		RETURNING trades_today`, id, domain.UTCDay(day)).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("postgres: record entry %s: %w", id, classify(err))
	}
	return n, nil
}

// RecordDecision stores a one-line summary of the bot's latest decision.
func (s *BotStore) RecordDecision(ctx context.Context, id string, summary string, at time.Time) error {
	_, err := conn(ctx, s.pool).Exec(ctx,
		`UPDATE bots SET last_decision = $2, last_decision_at = $3 WHERE id = $1`, id, summary, at)
	if err != nil {
		return fmt.Errorf("postgres: record decision %s: %w", id, classify(err))
	}
	return nil
}
