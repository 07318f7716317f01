package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// StreamReader reads entries from a durable event stream.
type StreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// EventHandler replays the durable lifecycle event stream.
type EventHandler struct {
	stream StreamReader
	name   string
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler reading the named stream.
func NewEventHandler(stream StreamReader, name string, logger *slog.Logger) *EventHandler {
	return &EventHandler{stream: stream, name: name, logger: logHandler(logger, "events")}
}

type eventEntry struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

type listEventsResponse struct {
	Events []eventEntry `json:"events"`
	LastID string       `json:"last_id"`
}

// ListEvents returns events after the given stream ID. Clients page by
// passing back last_id.
// GET /api/events?after=0&limit=50
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}

	msgs, err := h.stream.StreamRead(r.Context(), h.name, after, parseLimit(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to read events", err)
		return
	}

	resp := listEventsResponse{Events: make([]eventEntry, 0, len(msgs)), LastID: after}
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		resp.Events = append(resp.Events, eventEntry{ID: m.ID, Event: m.Payload})
		resp.LastID = m.ID
	}
	writeJSON(w, http.StatusOK, resp)
}
