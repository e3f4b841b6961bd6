package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openmusicplayer/ingestd/internal/auth"
	apperrors "github.com/openmusicplayer/ingestd/internal/errors"
	"github.com/openmusicplayer/ingestd/internal/logger"
)

// KeyFunc derives the rate limit subject for a request. An empty key
// skips limiting.
type KeyFunc func(r *http.Request) string

// RateLimiter is a fixed-window counter kept in Redis, so every API
// replica shares the same budget.
type RateLimiter struct {
	client *redis.Client
	name   string
	limit  int
	window time.Duration
	log    *logger.Logger
	now    func() time.Time
}

func NewRateLimiter(client *redis.Client, name string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		name:   name,
		limit:  limit,
		window: window,
		log:    logger.Default().WithComponent("ratelimit"),
		now:    time.Now,
	}
}

// Allow counts one hit against key and reports whether it is within the
// limit, along with the time left in the current window.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	windowStart := now.Truncate(l.window)
	redisKey := "ratelimit:" + l.name + ":" + key + ":" + strconv.FormatInt(windowStart.Unix(), 10)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}

	remaining := windowStart.Add(l.window).Sub(now)
	return incr.Val() <= int64(l.limit), remaining, nil
}

// Middleware rejects requests over the limit with 429. Redis failures
// let the request through.
func (l *RateLimiter) Middleware(keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, retryAfter, err := l.Allow(r.Context(), key)
			if err != nil {
				l.log.Error(r.Context(), "rate limit check failed", err, map[string]interface{}{"limiter": l.name})
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				secs := int(retryAfter.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				apperrors.WriteError(w, apperrors.GetRequestID(r.Context()),
					apperrors.RateLimited("Too many requests, please try again later"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ByClientIP limits per remote address.
func ByClientIP(r *http.Request) string {
	return logger.ClientIP(r)
}

// ByUser limits per authenticated user. It must run after auth.Middleware.
func ByUser(r *http.Request) string {
	if user := auth.GetUserFromContext(r.Context()); user != nil {
		return user.UserID
	}
	return ""
}
