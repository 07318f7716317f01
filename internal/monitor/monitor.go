// Package monitor watches open positions and closes them when a stop-loss,
// take-profit or timeout condition is met.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
	"github.com/alanyoungcy/tradeagent/internal/metrics"
)

// ExitExecutor closes positions.
type ExitExecutor interface {
	ExecuteExit(ctx context.Context, pos domain.Position, price float64, reason domain.CloseReason) (domain.ExitResult, error)
}

// Emitter publishes lifecycle events.
type Emitter interface {
	Emit(ctx context.Context, ev domain.Event)
}

// Config controls price refresh and staleness handling.
type Config struct {
	PriceTimeout time.Duration
	// PriceMaxAge rejects quotes older than this. Zero disables the check.
	PriceMaxAge time.Duration
	// StaleCycleLimit is the number of consecutive cycles without a usable
	// price after which a position is flagged for review.
	StaleCycleLimit int
}

// State is the monitor's view of a position.
type State string

const (
	StateOpen        State = "OPEN"
	StateExitPending State = "EXIT_PENDING"
	StateClosed      State = "CLOSED"
)

type tracker struct {
	state       State
	staleCycles int
	reason      domain.CloseReason
}

// Monitor evaluates open positions once per cycle.
type Monitor struct {
	positions domain.PositionStore
	prices    domain.MarketData
	cache     domain.PriceCache
	exec      ExitExecutor
	events    Emitter
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	tracked map[string]map[string]tracker // bot -> position -> tracker
}

// New creates a Monitor. cache and events may be nil.
func New(positions domain.PositionStore, prices domain.MarketData, cache domain.PriceCache, exec ExitExecutor, events Emitter, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = 5 * time.Second
	}
	if cfg.StaleCycleLimit <= 0 {
		cfg.StaleCycleLimit = 2
	}
	return &Monitor{
		positions: positions,
		prices:    prices,
		cache:     cache,
		exec:      exec,
		events:    events,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "monitor")),
		tracked:   make(map[string]map[string]tracker),
	}
}

// Run evaluates every open position in cc. It returns an error only for
// fatal conditions; per-position failures are recorded in the Report.
// Positions flagged for review are re-marked but never evaluated until the
// flag is cleared.
func (m *Monitor) Run(ctx context.Context, cc domain.CycleContext) (Report, error) {
	botID := cc.Bot.ID
	rep := Report{botID: botID, at: cc.Now}

	seen := make(map[string]bool, len(cc.Open))
	for _, pos := range cc.Open {
		if pos.Status != domain.PositionStatusOpen {
			continue
		}
		seen[pos.ID] = true
		tr := m.load(botID, pos.ID)
		err := m.check(ctx, cc, pos, &tr, &rep)
		m.store(botID, pos.ID, tr)
		if tr.state == StateExitPending {
			rep.pending++
		}
		if err != nil {
			m.prune(botID, seen, false)
			return rep, err
		}
	}
	m.prune(botID, seen, true)
	return rep, nil
}

func (m *Monitor) check(ctx context.Context, cc domain.CycleContext, pos domain.Position, tr *tracker, rep *Report) error {
	log := m.logger.With(
		slog.String("bot_id", pos.BotID),
		slog.String("symbol", pos.Symbol),
		slog.String("position_id", pos.ID),
	)
	price, err := m.price(ctx, pos.Symbol, cc.Now)
	if err != nil {
		tr.staleCycles++
		rep.skipped++
		rep.open = append(rep.open, pos)
		metrics.StaleSkips.WithLabelValues(pos.BotID, pos.Symbol).Inc()
		log.WarnContext(ctx, "price refresh failed, skipping position",
			slog.Int("stale_cycles", tr.staleCycles),
			slog.String("error", err.Error()),
		)
		if !pos.NeedsReview && tr.staleCycles >= m.cfg.StaleCycleLimit {
			if err := m.positions.SetReview(ctx, pos.ID, true); err != nil {
				return fatalOrLog(ctx, log, "flag review", err)
			}
			pos.NeedsReview = true
			m.emit(ctx, domain.Event{
				Type:  domain.EventPositionReview,
				BotID: pos.BotID,
				At:    cc.Now,
				Data: map[string]any{
					"position_id":  pos.ID,
					"symbol":       pos.Symbol,
					"stale_cycles": tr.staleCycles,
					"reason":       "no usable price",
				},
			})
		}
		if pos.NeedsReview {
			rep.flagged++
		}
		return nil
	}

	tr.staleCycles = 0
	if err := m.positions.UpdateMark(ctx, pos.ID, price, cc.Now); err != nil {
		if ferr := fatalOrLog(ctx, log, "update mark", err); ferr != nil {
			return ferr
		}
	}
	pos.CurrentPrice = price
	rep.checked++

	if pos.NeedsReview {
		rep.flagged++
		rep.open = append(rep.open, pos)
		log.DebugContext(ctx, "position awaiting review, exit evaluation held",
			slog.Float64("price", price),
		)
		return nil
	}

	sig := Evaluate(pos, price, cc.Now, cc.Bot.Risk)
	if !sig.Exit {
		tr.state = StateOpen
		tr.reason = ""
		rep.open = append(rep.open, pos)
		return nil
	}

	res, err := m.exec.ExecuteExit(ctx, pos, price, sig.Reason)
	if err != nil {
		tr.state = StateExitPending
		tr.reason = sig.Reason
		rep.open = append(rep.open, pos)
		log.ErrorContext(ctx, "exit failed, will re-evaluate next cycle",
			slog.String("reason", string(sig.Reason)),
			slog.Float64("price", price),
			slog.String("error", err.Error()),
		)
		if domain.IsFatal(err) {
			return fmt.Errorf("monitor: exit %s: %w", pos.ID, err)
		}
		return nil
	}

	tr.state = StateClosed
	if res.Closed {
		rep.closed = append(rep.closed, res)
	} else {
		rep.absorbed++
	}
	log.InfoContext(ctx, "exit triggered",
		slog.String("reason", string(sig.Reason)),
		slog.Float64("price", price),
		slog.Bool("closed", res.Closed),
	)
	return nil
}

func (m *Monitor) price(ctx context.Context, symbol string, now time.Time) (float64, error) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.PriceTimeout)
	defer cancel()

	q, err := m.prices.GetPrice(pctx, symbol)
	if err != nil {
		return 0, err
	}
	if q.Price <= 0 {
		return 0, fmt.Errorf("price %v for %s: %w", q.Price, symbol, domain.ErrStaleData)
	}
	if m.cfg.PriceMaxAge > 0 && !q.Timestamp.IsZero() && now.Sub(q.Timestamp) > m.cfg.PriceMaxAge {
		return 0, fmt.Errorf("quote for %s is %s old: %w", symbol, now.Sub(q.Timestamp), domain.ErrStaleData)
	}
	if m.cache != nil {
		if err := m.cache.SetPrice(ctx, symbol, q.Price, q.Timestamp); err != nil {
			m.logger.DebugContext(ctx, "price cache write failed", slog.String("error", err.Error()))
		}
	}
	return q.Price, nil
}

// Pending returns how many of the bot's positions are waiting for a failed
// exit to be retried.
func (m *Monitor) Pending(botID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, tr := range m.tracked[botID] {
		if tr.state == StateExitPending {
			n++
		}
	}
	return n
}

// StateOf returns the tracked state of a position, or StateOpen when the
// monitor has not seen it yet.
func (m *Monitor) StateOf(botID, positionID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.tracked[botID][positionID]; ok {
		return tr.state
	}
	return StateOpen
}

// load returns a copy of the position's tracker. Run works on the copy and
// publishes it with store, so readers never see a half-updated tracker.
func (m *Monitor) load(botID, positionID string) tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.tracked[botID][positionID]; ok {
		return tr
	}
	return tracker{state: StateOpen}
}

func (m *Monitor) store(botID, positionID string, tr tracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tracked[botID]
	if t == nil {
		t = make(map[string]tracker)
		m.tracked[botID] = t
	}
	t[positionID] = tr
}

// prune drops trackers of closed positions. When complete is false only
// positions already seen as closed are dropped.
func (m *Monitor) prune(botID string, seen map[string]bool, complete bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, tr := range m.tracked[botID] {
		if tr.state == StateClosed || (complete && !seen[id]) {
			delete(m.tracked[botID], id)
		}
	}
}

func (m *Monitor) emit(ctx context.Context, ev domain.Event) {
	if m.events != nil {
		m.events.Emit(ctx, ev)
	}
}

func fatalOrLog(ctx context.Context, log *slog.Logger, op string, err error) error {
	if domain.IsFatal(err) {
		return fmt.Errorf("monitor: %s: %w", op, err)
	}
	log.WarnContext(ctx, "monitor: "+op+" failed", slog.String("error", err.Error()))
	return nil
}
