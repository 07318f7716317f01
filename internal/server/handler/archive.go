package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// ArchiveHandler serves the ledger archive endpoints.
type ArchiveHandler struct {
	logger    *slog.Logger
	triggerCh chan<- struct{} // when non-nil, sending triggers one archive run
	index     domain.ArchiveIndex
}

// NewArchiveHandler creates an ArchiveHandler with the given logger.
func NewArchiveHandler(logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{logger: logHandler(logger, "archive")}
}

// WithTriggerChannel sets the channel to send on when a trigger is requested.
// The archive loop must receive from this channel to run once.
func (h *ArchiveHandler) WithTriggerChannel(ch chan<- struct{}) *ArchiveHandler {
	h.triggerCh = ch
	return h
}

// WithIndex sets the listing backend for ListArchive.
func (h *ArchiveHandler) WithIndex(idx domain.ArchiveIndex) *ArchiveHandler {
	h.index = idx
	return h
}

// ListArchive returns the archived ledger windows, newest first.
// GET /api/archive?kind=trades|equity&limit=N
func (h *ArchiveHandler) ListArchive(w http.ResponseWriter, r *http.Request) {
	if h.index == nil {
		writeError(w, http.StatusServiceUnavailable, "archive is not enabled")
		return
	}
	objects, err := h.index.Archived(r.Context(), r.URL.Query().Get("kind"))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list archive", err)
		return
	}
	if limit := parseLimit(r); len(objects) > limit {
		objects = objects[:limit]
	}
	if objects == nil {
		objects = []domain.ArchiveObject{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": objects})
}

// TriggerArchive enqueues one archive run. The send is non-blocking, so a
// trigger that is already pending absorbs this one.
// POST /api/archive/trigger
func (h *ArchiveHandler) TriggerArchive(w http.ResponseWriter, r *http.Request) {
	if h.triggerCh == nil {
		writeError(w, http.StatusServiceUnavailable, "archive is not enabled")
		return
	}
	h.logger.InfoContext(r.Context(), "handler: archive trigger requested")
	queued := true
	select {
	case h.triggerCh <- struct{}{}:
	default:
		queued = false
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"queued":       queued,
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}
