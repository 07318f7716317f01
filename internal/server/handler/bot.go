package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
	"github.com/alanyoungcy/tradeagent/internal/service"
)

// BotService defines the methods that the bot handler requires.
type BotService interface {
	Create(ctx context.Context, spec service.BotSpec) (domain.Bot, error)
	Get(ctx context.Context, id string) (domain.Bot, error)
	List(ctx context.Context) ([]domain.Bot, error)
	Activate(ctx context.Context, id string) (domain.Bot, error)
	Pause(ctx context.Context, id string) (domain.Bot, error)
	Halt(ctx context.Context, id, reason string) (domain.Bot, error)
	Resume(ctx context.Context, id string) (domain.Bot, error)
}

// BotHandler serves bot management endpoints.
type BotHandler struct {
	bots        BotService
	defaultRisk domain.RiskParams
	logger      *slog.Logger
}

// NewBotHandler creates a BotHandler. defaultRisk fills any risk field a
// create request leaves out.
func NewBotHandler(bots BotService, defaultRisk domain.RiskParams, logger *slog.Logger) *BotHandler {
	return &BotHandler{
		bots:        bots,
		defaultRisk: defaultRisk,
		logger:      logHandler(logger, "bot"),
	}
}

// riskRequest overrides individual risk parameters.
type riskRequest struct {
	MaxTradesPerDay       *int     `json:"max_trades_per_day"`
	MaxPositionPct        *float64 `json:"max_position_pct"`
	StopLossPct           *float64 `json:"stop_loss_pct"`
	TakeProfitPct         *float64 `json:"take_profit_pct"`
	MaxHold               *string  `json:"max_hold"`
	MinConfidence         *float64 `json:"min_confidence"`
	SizeLowPct            *float64 `json:"size_low_pct"`
	SizeHighPct           *float64 `json:"size_high_pct"`
	MinRiskReward         *float64 `json:"min_risk_reward"`
	TimeoutProfitFloorPct *float64 `json:"timeout_profit_floor_pct"`
	MinNotional           *float64 `json:"min_notional"`
}

func (rr *riskRequest) apply(p domain.RiskParams) (domain.RiskParams, error) {
	if rr == nil {
		return p, nil
	}
	setInt(&p.MaxTradesPerDay, rr.MaxTradesPerDay)
	setFloat(&p.MaxPositionPct, rr.MaxPositionPct)
	setFloat(&p.StopLossPct, rr.StopLossPct)
	setFloat(&p.TakeProfitPct, rr.TakeProfitPct)
	setFloat(&p.MinConfidence, rr.MinConfidence)
	setFloat(&p.SizeLowPct, rr.SizeLowPct)
	setFloat(&p.SizeHighPct, rr.SizeHighPct)
	setFloat(&p.MinRiskReward, rr.MinRiskReward)
	setFloat(&p.TimeoutProfitFloorPct, rr.TimeoutProfitFloorPct)
	setFloat(&p.MinNotional, rr.MinNotional)
	if rr.MaxHold != nil {
		d, err := time.ParseDuration(*rr.MaxHold)
		if err != nil || d <= 0 {
			return p, fmt.Errorf("max_hold %q is not a positive duration", *rr.MaxHold)
		}
		p.MaxHoldDuration = d
	}
	return p, nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

type createBotRequest struct {
	Name           string       `json:"name"`
	Symbols        []string     `json:"symbols"`
	Oracle         string       `json:"oracle"`
	InitialCapital float64      `json:"initial_capital"`
	Active         bool         `json:"active"`
	Risk           *riskRequest `json:"risk"`
}

type haltRequest struct {
	Reason string `json:"reason"`
}

type listBotsResponse struct {
	Bots []domain.Bot `json:"bots"`
}

// ListBots returns every registered bot.
// GET /api/bots
func (h *BotHandler) ListBots(w http.ResponseWriter, r *http.Request) {
	bots, err := h.bots.List(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list bots", err)
		return
	}
	if bots == nil {
		bots = []domain.Bot{}
	}
	writeJSON(w, http.StatusOK, listBotsResponse{Bots: bots})
}

// CreateBot registers a new bot.
// POST /api/bots
func (h *BotHandler) CreateBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	risk, err := req.Risk.apply(h.defaultRisk)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	bot, err := h.bots.Create(r.Context(), service.BotSpec{
		Name:           req.Name,
		Symbols:        req.Symbols,
		Oracle:         req.Oracle,
		InitialCapital: req.InitialCapital,
		Risk:           risk,
		Active:         req.Active,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to create bot", err)
		return
	}
	writeJSON(w, http.StatusCreated, bot)
}

// GetBot returns one bot.
// GET /api/bots/{id}
func (h *BotHandler) GetBot(w http.ResponseWriter, r *http.Request) {
	bot, err := h.bots.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to get bot", err)
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

// ActivateBot starts an inactive or paused bot.
// POST /api/bots/{id}/activate
func (h *BotHandler) ActivateBot(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "activate", h.bots.Activate)
}

// PauseBot stops scheduling cycles for an active bot.
// POST /api/bots/{id}/pause
func (h *BotHandler) PauseBot(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "pause", h.bots.Pause)
}

// ResumeBot clears a halt after the ledger re-verifies, or un-pauses.
// POST /api/bots/{id}/resume
func (h *BotHandler) ResumeBot(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "resume", h.bots.Resume)
}

// HaltBot stops a bot until an operator resumes it.
// POST /api/bots/{id}/halt
func (h *BotHandler) HaltBot(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "operator halt"
	}
	h.transition(w, r, "halt", func(ctx context.Context, id string) (domain.Bot, error) {
		return h.bots.Halt(ctx, id, req.Reason)
	})
}

func (h *BotHandler) transition(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) (domain.Bot, error)) {
	id := pathParam(r, "id")
	bot, err := fn(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to "+action+" bot", err)
		return
	}
	h.logger.InfoContext(r.Context(), "handler: bot "+action,
		slog.String("bot_id", id),
		slog.String("status", string(bot.Status)),
	)
	writeJSON(w, http.StatusOK, bot)
}
