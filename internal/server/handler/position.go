package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Open(ctx context.Context, botID string) ([]domain.Position, error)
	Get(ctx context.Context, id string) (domain.Position, error)
	History(ctx context.Context, botID string, opts domain.ListOpts) ([]domain.Position, error)
	ManualClose(ctx context.Context, botID, positionID string) (domain.ExitResult, error)
	ClearReview(ctx context.Context, botID, positionID string) error
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "position"),
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// closePositionResponse reports the outcome of a manual close. Closed is
// false when the position had already been closed by another path.
type closePositionResponse struct {
	Closed   bool            `json:"closed"`
	Position domain.Position `json:"position"`
	Trade    *domain.Trade   `json:"trade,omitempty"`
}

// ListOpen returns the bot's open positions.
// GET /api/bots/{id}/positions
func (h *PositionHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.Open(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list positions", err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// ListHistory returns the bot's positions, newest first.
// GET /api/bots/{id}/positions/history?limit=50&offset=0&since=...&until=...
func (h *PositionHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	positions, err := h.positions.History(r.Context(), pathParam(r, "id"), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list position history", err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns one position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.positions.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to get position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ClosePosition exits a position at the current market price.
// POST /api/bots/{id}/positions/{pid}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	botID := pathParam(r, "id")
	positionID := pathParam(r, "pid")

	res, err := h.positions.ManualClose(r.Context(), botID, positionID)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to close position", err)
		return
	}

	resp := closePositionResponse{Closed: res.Closed, Position: res.Position}
	if res.Closed {
		resp.Trade = &res.Trade
	}
	writeJSON(w, http.StatusOK, resp)
}

// ClearReview removes the needs-review flag from a position.
// POST /api/bots/{id}/positions/{pid}/review/clear
func (h *PositionHandler) ClearReview(w http.ResponseWriter, r *http.Request) {
	if err := h.positions.ClearReview(r.Context(), pathParam(r, "id"), pathParam(r, "pid")); err != nil {
		writeServiceError(w, r, h.logger, "failed to clear review", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
