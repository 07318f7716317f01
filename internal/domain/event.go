package domain

import "time"

// EventType names a lifecycle event published on the signal bus and routed
// to notifiers.
type EventType string

const (
	EventPositionOpened   EventType = "position_opened"
	EventPositionClosed   EventType = "position_closed"
	EventPositionReview   EventType = "position_review"
	EventDecisionRejected EventType = "decision_rejected"
	EventEquitySnapshot   EventType = "equity_snapshot"
	EventBotHalted        EventType = "bot_halted"
	EventBotStatus        EventType = "bot_status"
)

// Event is the envelope for everything published on the bus.
type Event struct {
	Type  EventType      `json:"type"`
	BotID string         `json:"bot_id"`
	Data  map[string]any `json:"data,omitempty"`
	At    time.Time      `json:"at"`
}
