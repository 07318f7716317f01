package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeagent/internal/cache/local"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAuthCredentials(t *testing.T) {
	h := Auth("k1", "/api/health")(ok)

	tests := []struct {
		name   string
		target string
		header [2]string
		want   int
		errMsg string
	}{
		{"public path", "/api/health", [2]string{}, http.StatusOK, ""},
		{"missing", "/api/bots", [2]string{}, http.StatusUnauthorized, "missing api key"},
		{"bearer", "/api/bots", [2]string{"Authorization", "Bearer k1"}, http.StatusOK, ""},
		{"bearer lowercase scheme", "/api/bots", [2]string{"Authorization", "bearer k1"}, http.StatusOK, ""},
		{"header key", "/api/bots", [2]string{"X-API-Key", "k1"}, http.StatusOK, ""},
		{"wrong key", "/api/bots", [2]string{"X-API-Key", "k2"}, http.StatusUnauthorized, "invalid api key"},
		{"ws query key", "/ws?api_key=k1", [2]string{}, http.StatusOK, ""},
		{"query key off ws", "/api/bots?api_key=k1", [2]string{}, http.StatusUnauthorized, "missing api key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header[0] != "" {
				req.Header.Set(tt.header[0], tt.header[1])
			}
			rec := serve(h, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.errMsg != "" {
				assert.JSONEq(t, `{"error":"`+tt.errMsg+`"}`, rec.Body.String())
			}
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	rec := serve(Auth("")(ok), httptest.NewRequest(http.MethodGet, "/api/bots", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitRetryAfter(t *testing.T) {
	h := RateLimit(local.NewRateLimiter(), 1, 30*time.Second, discard(), "/api/health")(ok)

	req := func(path, ip string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		r.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		return r
	}
	assert.Equal(t, http.StatusOK, serve(h, req("/api/bots", "1.1.1.1")).Code)

	rec := serve(h, req("/api/bots", "1.1.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	// Other clients and exempt paths keep their own budget.
	assert.Equal(t, http.StatusOK, serve(h, req("/api/bots", "2.2.2.2")).Code)
	assert.Equal(t, http.StatusOK, serve(h, req("/api/health", "1.1.1.1")).Code)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func TestRateLimitFailsOpen(t *testing.T) {
	h := RateLimit(failingLimiter{}, 1, time.Minute, discard())(ok)
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/api/bots", nil)).Code)
}

func TestLoggingRequestID(t *testing.T) {
	h := Logging(discard())(ok)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/bots", nil))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)

	req := httptest.NewRequest(http.MethodGet, "/api/bots", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = serve(h, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://Desk.example"})(ok)

	req := httptest.NewRequest(http.MethodGet, "/api/bots", nil)
	req.Header.Set("Origin", "https://desk.example")
	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://desk.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	req = httptest.NewRequest(http.MethodGet, "/api/bots", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = serve(h, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = serve(CORS([]string{"*"})(ok), func() *http.Request {
		r := httptest.NewRequest(http.MethodOptions, "/api/bots", nil)
		r.Header.Set("Origin", "https://any.example")
		return r
	}())
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://any.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
