package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStatusRunning(t *testing.T) {
	h := NewStatusHandler("run", time.Now().Add(-time.Minute), nil).
		WithRunning(func() []string { return []string{"bot-b", "bot-a"} })

	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Mode    string   `json:"mode"`
		Uptime  int64    `json:"uptime_seconds"`
		Running []string `json:"running"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run", body.Mode)
	assert.GreaterOrEqual(t, body.Uptime, int64(59))
	assert.Equal(t, []string{"bot-a", "bot-b"}, body.Running)

	rec = httptest.NewRecorder()
	NewStatusHandler("server", time.Now(), nil).GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.NotContains(t, rec.Body.String(), "running")
}
