// Package notify delivers lifecycle events to chat channels. Events are
// filtered by type so operators receive only the alerts they care about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// Severity ranks how urgently an operator should look at a message.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// Message is a rendered event.
type Message struct {
	Title    string
	Body     string
	Severity Severity
}

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Notifier renders domain events and fans them out to every Sender.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. When events is empty every event type is
// forwarded.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify forwards ev to every sender when its type is allowed. A failing
// sender does not stop delivery to the others.
func (n *Notifier) Notify(ctx context.Context, ev domain.Event) error {
	if len(n.senders) == 0 {
		return nil
	}
	if len(n.events) > 0 && !n.events[ev.Type] {
		return nil
	}

	msg := Render(ev)
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

var titles = map[domain.EventType]string{
	domain.EventPositionOpened:   "Position opened",
	domain.EventPositionClosed:   "Position closed",
	domain.EventPositionReview:   "Position needs review",
	domain.EventDecisionRejected: "Decision rejected",
	domain.EventBotHalted:        "Bot halted",
	domain.EventBotStatus:        "Bot status changed",
	domain.EventEquitySnapshot:   "Equity",
}

var severities = map[domain.EventType]Severity{
	domain.EventPositionReview:   SeverityCritical,
	domain.EventBotHalted:        SeverityCritical,
	domain.EventDecisionRejected: SeverityWarning,
}

// Render formats ev as a title and a "key: value" body with keys sorted.
func Render(ev domain.Event) Message {
	title, ok := titles[ev.Type]
	if !ok {
		title = string(ev.Type)
	}
	if ev.BotID != "" {
		title += " [" + ev.BotID + "]"
	}

	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, formatValue(ev.Data[k]))
	}
	return Message{
		Title:    title,
		Body:     strings.TrimRight(b.String(), "\n"),
		Severity: severities[ev.Type],
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return fmt.Sprintf("%.6g", x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
