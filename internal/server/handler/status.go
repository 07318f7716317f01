package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// BotLister lists registered bots.
type BotLister interface {
	List(ctx context.Context) ([]domain.Bot, error)
}

// StatusHandler serves the backend status (mode, uptime, bot counts).
type StatusHandler struct {
	Mode      string
	StartedAt time.Time
	bots      BotLister
	running   func() []string
}

// NewStatusHandler creates a StatusHandler for the given run mode.
func NewStatusHandler(mode string, startedAt time.Time, bots BotLister) *StatusHandler {
	return &StatusHandler{Mode: mode, StartedAt: startedAt, bots: bots}
}

// WithRunning adds the IDs of bots with a live cycle loop to the response.
func (h *StatusHandler) WithRunning(running func() []string) *StatusHandler {
	h.running = running
	return h
}

// GetStatus responds with the current backend mode and a count of bots per
// status.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	counts := map[domain.BotStatus]int{}
	if h.bots != nil {
		bots, err := h.bots.List(r.Context())
		if err != nil {
			writeError(w, statusFor(err), "failed to list bots")
			return
		}
		for _, b := range bots {
			counts[b.Status]++
		}
	}
	resp := map[string]any{
		"mode":           h.Mode,
		"started_at":     h.StartedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
		"bots":           counts,
	}
	if h.running != nil {
		ids := h.running()
		sort.Strings(ids)
		resp["running"] = ids
	}
	writeJSON(w, http.StatusOK, resp)
}
