package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// PriceReader returns cached last-known prices.
type PriceReader interface {
	Cached(ctx context.Context, symbols []string) (map[string]float64, error)
}

// PriceHandler serves cached prices.
type PriceHandler struct {
	prices PriceReader
	logger *slog.Logger
}

// NewPriceHandler creates a PriceHandler.
func NewPriceHandler(prices PriceReader, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{prices: prices, logger: logHandler(logger, "price")}
}

// GetPrices returns the last cached price per symbol. Symbols with no
// cached price are omitted.
// GET /api/prices?symbols=BTCUSDT,ETHUSDT
func (h *PriceHandler) GetPrices(w http.ResponseWriter, r *http.Request) {
	var symbols []string
	for _, s := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols query parameter required")
		return
	}

	prices, err := h.prices.Cached(r.Context(), symbols)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to read prices", err)
		return
	}
	if prices == nil {
		prices = map[string]float64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": prices})
}
