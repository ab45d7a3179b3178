package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"moneypolicy/pkg/logger"
)

// RateLimiter applies a fixed-window rate limit backed by Redis.
type RateLimiter struct {
	cache  *redis.Client
	limit  int
	window time.Duration
	logger logger.Logger
}

// NewRateLimiter constructs a RateLimiter with the given limit and window.
func NewRateLimiter(cache *redis.Client, limit int, window time.Duration, log logger.Logger) *RateLimiter {
	return &RateLimiter{
		cache:  cache,
		limit:  limit,
		window: window,
		logger: log,
	}
}

func (rl *RateLimiter) key(r *http.Request) string {
	if userID, ok := UserIDFromContext(r.Context()); ok {
		return "policy:ratelimit:user:" + userID.String()
	}
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return "policy:ratelimit:ip:" + ip
}

// Limit enforces the rate limit, keyed by user ID when authenticated and by
// client IP otherwise. The window starts with the first request.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rl.key(r)

		count, err := rl.cache.Incr(r.Context(), key).Result()
		if err == nil && count == 1 {
			err = rl.cache.Expire(r.Context(), key, rl.window).Err()
		}
		if err != nil {
			rl.logger.Error("Rate limiter unavailable", map[string]interface{}{"error": err.Error(), "key": key})
			jsonError(w, http.StatusServiceUnavailable, "Rate limiter unavailable")
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		if count > int64(rl.limit) {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", rl.window.Seconds()))
			jsonError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(int64(rl.limit)-count, 10))

		next.ServeHTTP(w, r)
	})
}
