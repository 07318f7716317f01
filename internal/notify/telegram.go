package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

var telegramMarks = map[Severity]string{
	SeverityInfo:     "",
	SeverityWarning:  "WARNING: ",
	SeverityCritical: "CRITICAL: ",
}

// TelegramSender delivers messages through the Telegram Bot API.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{baseURL: telegramAPI, token: token, chatID: chatID, client: defaultClient()}
}

// Send posts msg with the title in bold and the body as preformatted text.
// Critical messages ring; the rest arrive silently.
func (t *TelegramSender) Send(ctx context.Context, msg Message) error {
	text := "*" + telegramMarks[msg.Severity] + escapeMarkdown(msg.Title) + "*"
	if msg.Body != "" {
		text += "\n```\n" + msg.Body + "\n```"
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.baseURL, "/"), t.token)
	return postJSON(ctx, t.client, "telegram", url, map[string]any{
		"chat_id":              t.chatID,
		"text":                 text,
		"parse_mode":           "Markdown",
		"disable_notification": msg.Severity < SeverityCritical,
	})
}

func (t *TelegramSender) Name() string { return "telegram" }

// escapeMarkdown escapes the legacy Markdown entities Telegram parses.
func escapeMarkdown(s string) string {
	return strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`).Replace(s)
}
