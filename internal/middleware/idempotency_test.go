package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moneypolicy/pkg/logger"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skip("Redis not available")
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestIdempotencyMiddleware_ConcurrentRequests(t *testing.T) {
	rdb := testRedis(t)
	mw := NewIdempotencyMiddleware(rdb, 10*time.Second, logger.NewNop())

	var calls int32
	slowHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"completed"}`))
	})
	wrapped := mw.Require(slowHandler)

	key := uuid.NewString()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(delay time.Duration) {
			defer wg.Done()
			time.Sleep(delay)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/transfers", strings.NewReader(`{"reference":"r1"}`))
			req.Header.Set("Idempotency-Key", key)
			w := httptest.NewRecorder()
			wrapped.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, `{"status":"completed"}`, w.Body.String())
		}(time.Duration(i) * 100 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestIdempotencyMiddleware_RejectsDifferentBody(t *testing.T) {
	rdb := testRedis(t)
	mw := NewIdempotencyMiddleware(rdb, 10*time.Second, logger.NewNop())
	wrapped := mw.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	}))

	key := uuid.NewString()
	send := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/exchanges", strings.NewReader(body))
		req.Header.Set("Idempotency-Key", key)
		w := httptest.NewRecorder()
		wrapped.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusCreated, send(`{"amount":"10"}`).Code)
	replay := send(`{"amount":"10"}`)
	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replay"))
	assert.Equal(t, http.StatusUnprocessableEntity, send(`{"amount":"11"}`).Code)
}

func TestIdempotencyMiddleware_RequiresKey(t *testing.T) {
	mw := NewIdempotencyMiddleware(nil, time.Second, logger.NewNop())
	wrapped := mw.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a key")
	}))

	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/transfers", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// safe methods pass straight through
	passed := false
	get := mw.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { passed = true }))
	get.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.True(t, passed)
}

func TestRateLimiter_Limit(t *testing.T) {
	rdb := testRedis(t)
	rl := NewRateLimiter(rdb, 2, time.Minute, logger.NewNop())
	handler := rl.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	ip := "10.0.0." + uuid.NewString()[:3]
	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/quotes/transfer", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes[i] = w.Code
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
}
