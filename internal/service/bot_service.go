package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tradeagent/internal/domain"
	"github.com/alanyoungcy/tradeagent/internal/risk"
)

// BotSpec describes a bot to create.
type BotSpec struct {
	Name           string
	Symbols        []string
	Oracle         string
	InitialCapital float64
	Risk           domain.RiskParams
	Active         bool
}

// Validate reports the first problem with the spec.
func (s BotSpec) Validate() error {
	switch {
	case strings.TrimSpace(s.Name) == "":
		return errors.New("name is required")
	case len(s.Symbols) == 0:
		return errors.New("at least one symbol is required")
	case s.Oracle == "":
		return errors.New("oracle is required")
	case s.InitialCapital <= 0:
		return fmt.Errorf("initial capital %v must be positive", s.InitialCapital)
	case s.Risk.StopLossPct <= 0 || s.Risk.TakeProfitPct <= 0:
		return errors.New("stop loss and take profit percentages must be positive")
	case s.Risk.SizeLowPct <= 0 || s.Risk.SizeHighPct < s.Risk.SizeLowPct:
		return errors.New("size range is invalid")
	case s.Risk.MinConfidence < 0 || s.Risk.MinConfidence > 1:
		return fmt.Errorf("min confidence %v outside [0,1]", s.Risk.MinConfidence)
	}
	for _, sym := range s.Symbols {
		if strings.TrimSpace(sym) == "" {
			return errors.New("empty symbol")
		}
	}
	return nil
}

// OracleLookup reports whether an oracle name is registered.
type OracleLookup interface {
	Has(name string) bool
}

// allowedTransitions maps an operator action target to the states it may
// start from. Halted bots only leave through Resume.
var allowedTransitions = map[domain.BotStatus][]domain.BotStatus{
	domain.BotStatusActive: {domain.BotStatusInactive, domain.BotStatusPaused},
	domain.BotStatusPaused: {domain.BotStatusActive},
}

// BotService manages bot lifecycle.
type BotService struct {
	stores          domain.Stores
	oracles         OracleLookup
	events          *EventPublisher
	ledgerTolerance float64
	logger          *slog.Logger
	now             func() time.Time
}

// NewBotService creates a BotService. oracles may be nil to skip the oracle
// name check.
func NewBotService(stores domain.Stores, oracles OracleLookup, events *EventPublisher, ledgerTolerance float64, logger *slog.Logger) *BotService {
	if ledgerTolerance <= 0 {
		ledgerTolerance = 1e-6
	}
	return &BotService{
		stores:          stores,
		oracles:         oracles,
		events:          events,
		ledgerTolerance: ledgerTolerance,
		logger:          logger.With(slog.String("component", "bot_service")),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a new bot with its full capital available.
func (s *BotService) Create(ctx context.Context, spec BotSpec) (domain.Bot, error) {
	if err := spec.Validate(); err != nil {
		return domain.Bot{}, fmt.Errorf("bot_service: create %q: %w: %v", spec.Name, domain.ErrInvalidInput, err)
	}
	if s.oracles != nil && !s.oracles.Has(spec.Oracle) {
		return domain.Bot{}, fmt.Errorf("bot_service: create %q: oracle %q: %w", spec.Name, spec.Oracle, domain.ErrNotFound)
	}

	symbols := make([]string, len(spec.Symbols))
	for i, sym := range spec.Symbols {
		symbols[i] = strings.ToUpper(strings.TrimSpace(sym))
	}
	status := domain.BotStatusInactive
	if spec.Active {
		status = domain.BotStatusActive
	}
	now := s.now()
	bot := domain.Bot{
		ID:               uuid.NewString(),
		Name:             strings.TrimSpace(spec.Name),
		Symbols:          symbols,
		Oracle:           spec.Oracle,
		InitialCapital:   spec.InitialCapital,
		AvailableCapital: spec.InitialCapital,
		Equity:           spec.InitialCapital,
		Status:           status,
		Risk:             spec.Risk,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.stores.Bots.Create(ctx, bot); err != nil {
		return domain.Bot{}, fmt.Errorf("bot_service: create %q: %w", bot.Name, err)
	}

	s.logger.InfoContext(ctx, "bot_service: bot created",
		slog.String("bot_id", bot.ID),
		slog.String("name", bot.Name),
		slog.String("oracle", bot.Oracle),
		slog.Float64("capital", bot.InitialCapital),
	)
	s.emitStatus(ctx, bot.ID, "", status, "created")
	return s.stores.Bots.GetByID(ctx, bot.ID)
}

// Bootstrap creates each configured bot whose name is not yet registered.
// Existing bots are left untouched so restarts never reset a ledger.
func (s *BotService) Bootstrap(ctx context.Context, specs []BotSpec) ([]domain.Bot, error) {
	var created []domain.Bot
	for _, spec := range specs {
		_, err := s.stores.Bots.GetByName(ctx, strings.TrimSpace(spec.Name))
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return created, fmt.Errorf("bot_service: bootstrap %q: %w", spec.Name, err)
		}
		bot, err := s.Create(ctx, spec)
		if err != nil {
			return created, err
		}
		created = append(created, bot)
	}
	return created, nil
}

// Get returns a bot by ID.
func (s *BotService) Get(ctx context.Context, id string) (domain.Bot, error) {
	bot, err := s.stores.Bots.GetByID(ctx, id)
	if err != nil {
		return domain.Bot{}, fmt.Errorf("bot_service: get %q: %w", id, err)
	}
	return bot, nil
}

// List returns every bot.
func (s *BotService) List(ctx context.Context) ([]domain.Bot, error) {
	bots, err := s.stores.Bots.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("bot_service: list: %w", err)
	}
	return bots, nil
}

// Activate starts an inactive or paused bot.
func (s *BotService) Activate(ctx context.Context, id string) (domain.Bot, error) {
	return s.transition(ctx, id, domain.BotStatusActive, "")
}

// Pause stops an active bot from opening positions until it is activated
// again. Exits on its open positions keep being enforced.
func (s *BotService) Pause(ctx context.Context, id string) (domain.Bot, error) {
	return s.transition(ctx, id, domain.BotStatusPaused, "")
}

// Halt stops a bot and records reason. Only Resume brings it back.
func (s *BotService) Halt(ctx context.Context, id, reason string) (domain.Bot, error) {
	bot, err := s.stores.Bots.GetByID(ctx, id)
	if err != nil {
		return domain.Bot{}, fmt.Errorf("bot_service: halt %q: %w", id, err)
	}
	if err := s.stores.Bots.UpdateStatus(ctx, id, domain.BotStatusHalted, reason); err != nil {
		return domain.Bot{}, fmt.Errorf("bot_service: halt %q: %w", id, err)
	}
	s.emitStatus(ctx, id, bot.Status, domain.BotStatusHalted, reason)
	return s.stores.Bots.GetByID(ctx, id)
}

// Resume reactivates a halted or paused bot. A halted bot resumes only if
// its ledger reconciles, so an operator cannot restart trading on top of an
// inconsistent book.
func (s *BotService) Resume(ctx context.Context, id string) (domain.Bot, error) {
	bot, err := s.stores.Bots.GetByID(ctx, id)
	if err != nil {
		return domain.Bot{}, fmt.Errorf("bot_service: resume %q: %w", id, err)
	}
	switch bot.Status {
	case domain.BotStatusActive:
		return bot, nil
	case domain.BotStatusPaused:
		return s.transition(ctx, id, domain.BotStatusActive, "")
	case domain.BotStatusHalted:
	default:
		return domain.Bot{}, fmt.Errorf("bot_service: resume %q from %s: %w", id, bot.Status, domain.ErrBotNotActive)
	}

	open, err := s.stores.Positions.GetOpen(ctx, id)
	if err != nil {
		return domain.Bot{}, fmt.Errorf("bot_service: resume %q: %w", id, err)
	}
	realized, err := s.stores.Positions.SumRealized(ctx, id)
	if err != nil {
		return domain.Bot{}, fmt.Errorf("bot_service: resume %q: %w", id, err)
	}
	if err := risk.CheckLedger(bot, open, realized, s.ledgerTolerance); err != nil {
		return domain.Bot{}, fmt.Errorf("bot_service: resume %q: %w", id, err)
	}

	if err := s.stores.Bots.UpdateStatus(ctx, id, domain.BotStatusActive, ""); err != nil {
		return domain.Bot{}, fmt.Errorf("bot_service: resume %q: %w", id, err)
	}
	s.logger.InfoContext(ctx, "bot_service: halt cleared",
		slog.String("bot_id", id),
		slog.String("previous_reason", bot.HaltReason),
	)
	s.emitStatus(ctx, id, domain.BotStatusHalted, domain.BotStatusActive, "resumed")
	return s.stores.Bots.GetByID(ctx, id)
}

func (s *BotService) transition(ctx context.Context, id string, to domain.BotStatus, reason string) (domain.Bot, error) {
	bot, err := s.stores.Bots.GetByID(ctx, id)
	if err != nil {
		return domain.Bot{}, fmt.Errorf("bot_service: %s %q: %w", to, id, err)
	}
	if bot.Status == to {
		return bot, nil
	}
	allowed := false
	for _, from := range allowedTransitions[to] {
		if bot.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return domain.Bot{}, fmt.Errorf("bot_service: %s %q from %s: %w", to, id, bot.Status, domain.ErrBotNotActive)
	}
	if err := s.stores.Bots.UpdateStatus(ctx, id, to, reason); err != nil {
		return domain.Bot{}, fmt.Errorf("bot_service: %s %q: %w", to, id, err)
	}
	s.emitStatus(ctx, id, bot.Status, to, reason)
	return s.stores.Bots.GetByID(ctx, id)
}

func (s *BotService) emitStatus(ctx context.Context, botID string, from, to domain.BotStatus, reason string) {
	s.events.Emit(ctx, domain.Event{
		Type:  domain.EventBotStatus,
		BotID: botID,
		Data: map[string]any{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		},
	})
}
