package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tradeagent/internal/domain"
	"github.com/alanyoungcy/tradeagent/internal/service"
)

// PortfolioService defines the read model the portfolio handler requires.
type PortfolioService interface {
	Summary(ctx context.Context, botID string) (service.PortfolioSummary, error)
	TradeHistory(ctx context.Context, botID string, limit int) ([]domain.Trade, error)
	EquityHistory(ctx context.Context, botID string, limit int) ([]domain.EquitySnapshot, error)
}

// PortfolioHandler serves portfolio summary and history endpoints.
type PortfolioHandler struct {
	portfolio PortfolioService
	logger    *slog.Logger
}

// NewPortfolioHandler creates a PortfolioHandler.
func NewPortfolioHandler(portfolio PortfolioService, logger *slog.Logger) *PortfolioHandler {
	return &PortfolioHandler{
		portfolio: portfolio,
		logger:    logHandler(logger, "portfolio"),
	}
}

type listTradesResponse struct {
	Trades []domain.Trade `json:"trades"`
}

type listEquityResponse struct {
	Snapshots []domain.EquitySnapshot `json:"snapshots"`
}

// Summary returns the bot's portfolio summary.
// GET /api/bots/{id}/summary
func (h *PortfolioHandler) Summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.portfolio.Summary(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to build summary", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Trades returns the bot's most recent trades, newest first.
// GET /api/bots/{id}/trades?limit=50
func (h *PortfolioHandler) Trades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.portfolio.TradeHistory(r.Context(), pathParam(r, "id"), parseLimit(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list trades", err)
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades})
}

// Equity returns the bot's most recent equity snapshots in chronological
// order.
// GET /api/bots/{id}/equity?limit=50
func (h *PortfolioHandler) Equity(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.portfolio.EquityHistory(r.Context(), pathParam(r, "id"), parseLimit(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list equity", err)
		return
	}
	if snaps == nil {
		snaps = []domain.EquitySnapshot{}
	}
	writeJSON(w, http.StatusOK, listEquityResponse{Snapshots: snaps})
}
