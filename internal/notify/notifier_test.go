package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, msg Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *mockSender) Name() string { return "mock" }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifier_FiltersByEventType(t *testing.T) {
	s := &mockSender{}
	s.On("Send", mock.Anything, Message{
		Title: "Bot halted [bot-1]", Body: "reason: ledger", Severity: SeverityCritical,
	}).Return(nil).Once()

	n := NewNotifier([]Sender{s}, []string{"bot_halted"}, quietLogger())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, domain.Event{Type: domain.EventPositionOpened, BotID: "bot-1"}))
	require.NoError(t, n.Notify(ctx, domain.Event{
		Type: domain.EventBotHalted, BotID: "bot-1", Data: map[string]any{"reason": "ledger"},
	}))
	s.AssertExpectations(t)
}

func TestNotifier_OneFailingSenderDoesNotBlockOthers(t *testing.T) {
	bad := &mockSender{}
	bad.On("Send", mock.Anything, mock.Anything).Return(errors.New("down"))
	good := &mockSender{}
	good.On("Send", mock.Anything, mock.Anything).Return(nil)

	n := NewNotifier([]Sender{bad, good}, nil, quietLogger())
	err := n.Notify(context.Background(), domain.Event{Type: domain.EventPositionClosed})

	assert.Error(t, err)
	good.AssertNumberOfCalls(t, "Send", 1)
}

func TestRender_SortsKeys(t *testing.T) {
	msg := Render(domain.Event{
		Type:  domain.EventPositionClosed,
		BotID: "b",
		Data:  map[string]any{"symbol": "ETHUSDT", "pnl": 12.5, "reason": "take_profit"},
	})
	assert.Equal(t, "Position closed [b]", msg.Title)
	assert.Equal(t, "pnl: 12.5\nreason: take_profit\nsymbol: ETHUSDT", msg.Body)
	assert.Equal(t, SeverityInfo, msg.Severity)

	assert.Equal(t, SeverityWarning, Render(domain.Event{Type: domain.EventDecisionRejected}).Severity)
}

func TestTelegramSender_PostsMarkdown(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), Message{Title: "Bot halted [bot_1]", Body: "reason: ledger", Severity: SeverityCritical}))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*CRITICAL: Bot halted \\[bot\\_1]*\n```\nreason: ledger\n```", got["text"])
	assert.Equal(t, false, got["disable_notification"])
}

func TestDiscordSender_PostsEmbed(t *testing.T) {
	var got struct {
		Embeds []discordEmbed `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), Message{Title: "t", Body: "b", Severity: SeverityWarning}))
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "t", got.Embeds[0].Title)
	assert.Equal(t, 0xf1c40f, got.Embeds[0].Color)
}

func TestDiscordSender_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad webhook"))
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), Message{Title: "t", Body: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}
