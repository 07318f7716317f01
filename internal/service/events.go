package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// EventStream is the durable stream every event is appended to.
const EventStream = "events"

// Notifier receives rendered lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, ev domain.Event) error
}

// EventPublisher fans lifecycle events out to the bus, the durable event
// stream, the audit log and the notifier. Every sink is best effort: a
// failure is logged and never propagated to the trading path.
type EventPublisher struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewEventPublisher creates an EventPublisher. Any sink may be nil.
func NewEventPublisher(bus domain.SignalBus, audit domain.AuditStore, notifier Notifier, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "events")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// eventChannels routes each event type to its bus channels. Fills are also
// published on the trades channel.
var eventChannels = map[domain.EventType][]string{
	domain.EventPositionOpened:   {domain.ChannelPositions, domain.ChannelTrades},
	domain.EventPositionClosed:   {domain.ChannelPositions, domain.ChannelTrades},
	domain.EventPositionReview:   {domain.ChannelPositions},
	domain.EventDecisionRejected: {domain.ChannelBots},
	domain.EventEquitySnapshot:   {domain.ChannelEquity},
	domain.EventBotHalted:        {domain.ChannelBots},
	domain.EventBotStatus:        {domain.ChannelBots},
}

// auditedEvents are also written to the audit log.
var auditedEvents = map[domain.EventType]bool{
	domain.EventPositionOpened:   true,
	domain.EventPositionClosed:   true,
	domain.EventPositionReview:   true,
	domain.EventDecisionRejected: true,
	domain.EventBotHalted:        true,
	domain.EventBotStatus:        true,
}

// Emit publishes ev. ctx cancellation does not stop delivery of an event
// that records a state change that already committed.
func (p *EventPublisher) Emit(ctx context.Context, ev domain.Event) {
	if p == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = p.now()
	}
	ctx = context.WithoutCancel(ctx)

	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.WarnContext(ctx, "events: marshal failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return
	}

	if p.bus != nil {
		channels := eventChannels[ev.Type]
		if len(channels) == 0 {
			channels = []string{domain.ChannelBots}
		}
		for _, channel := range channels {
			if err := p.bus.Publish(ctx, channel, payload); err != nil {
				p.logger.WarnContext(ctx, "events: publish failed",
					slog.String("channel", channel),
					slog.String("error", err.Error()),
				)
			}
		}
		if err := p.bus.StreamAppend(ctx, EventStream, payload); err != nil {
			p.logger.WarnContext(ctx, "events: stream append failed",
				slog.String("error", err.Error()),
			)
		}
	}

	if p.audit != nil && auditedEvents[ev.Type] {
		detail := make(map[string]any, len(ev.Data)+1)
		for k, v := range ev.Data {
			detail[k] = v
		}
		detail["bot_id"] = ev.BotID
		if err := p.audit.Log(ctx, string(ev.Type), detail); err != nil {
			p.logger.WarnContext(ctx, "events: audit log failed",
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
	}

	if p.notifier != nil {
		if err := p.notifier.Notify(ctx, ev); err != nil {
			p.logger.WarnContext(ctx, "events: notify failed",
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}
