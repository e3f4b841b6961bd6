package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmusicplayer/ingestd/internal/auth"
	"github.com/openmusicplayer/ingestd/internal/logger"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	Chain(okHandler(), mw("a"), mw("b")).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestTiming_SetsServerTiming(t *testing.T) {
	rec := httptest.NewRecorder()
	Timing(logger.Default())(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.True(t, strings.HasPrefix(rec.Header().Get("Server-Timing"), "total;dur="))
}

func newLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, "test", limit, window), mr
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	l, _ := newLimiter(t, 2, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC)
	l.now = func() time.Time { return now }

	h := l.Middleware(func(*http.Request) string { return "k" })(okHandler())
	serve := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, serve().Code)
	assert.Equal(t, http.StatusOK, serve().Code)

	rec := serve()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "50", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")

	now = now.Add(time.Minute)
	assert.Equal(t, http.StatusOK, serve().Code)
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	l, _ := newLimiter(t, 1, time.Hour)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	ok, _, err := l.Allow(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _, err = l.Allow(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _, err = l.Allow(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	l, mr := newLimiter(t, 1, time.Minute)
	mr.Close()

	rec := httptest.NewRecorder()
	l.Middleware(ByClientIP)(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestByUser(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, ByUser(req))

	req = req.WithContext(auth.WithUser(req.Context(), &auth.UserContext{UserID: "u1"}))
	assert.Equal(t, "u1", ByUser(req))
}
