package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"moneypolicy/pkg/errors"
	"moneypolicy/pkg/logger"
)

const (
	idempotencyWaitStep  = 100 * time.Millisecond
	idempotencyWaitSteps = 50
	idempotencyBodyLimit = 1 << 20
)

// IdempotencyMiddleware enforces Idempotency-Key usage for unsafe methods and
// replays the stored response of a completed request with the same key.
type IdempotencyMiddleware struct {
	cache  *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

// NewIdempotencyMiddleware constructs an IdempotencyMiddleware with a TTL.
func NewIdempotencyMiddleware(cache *redis.Client, ttl time.Duration, log logger.Logger) *IdempotencyMiddleware {
	return &IdempotencyMiddleware{
		cache:  cache,
		ttl:    ttl,
		logger: log,
	}
}

// Require blocks duplicate POST/PUT/DELETE requests with the same key.
// A key reused with a different body is rejected with 422.
func (m *IdempotencyMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodDelete {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			jsonError(w, http.StatusBadRequest, "Idempotency-Key header required")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		sum := sha256.Sum256(body)
		fingerprint := hex.EncodeToString(sum[:])

		scope := r.Method + ":" + r.URL.Path
		if userID, ok := UserIDFromContext(r.Context()); ok {
			scope = userID.String() + ":" + scope
		}
		dataKey := "policy:idempotency:data:" + scope + ":" + key
		lockKey := "policy:idempotency:lock:" + scope + ":" + key

		if handled := m.replayCached(w, r, dataKey, fingerprint); handled {
			return
		}

		ok, err := m.cache.SetNX(r.Context(), lockKey, RequestIDFromContext(r.Context()), m.ttl).Result()
		if err != nil {
			m.logger.Error("Idempotency store unavailable", map[string]interface{}{"error": err.Error(), "key": key})
			jsonError(w, http.StatusServiceUnavailable, "Idempotency store unavailable")
			return
		}

		if !ok {
			// Another request with this key is in flight; wait for its result.
			for i := 0; i < idempotencyWaitSteps; i++ {
				select {
				case <-r.Context().Done():
					return
				case <-time.After(idempotencyWaitStep):
				}
				if handled := m.replayCached(w, r, dataKey, fingerprint); handled {
					return
				}
			}
			jsonError(w, http.StatusConflict, errors.ErrDuplicateRequest.Error())
			return
		}
		defer m.cache.Del(r.Context(), lockKey)

		cw := newCaptureWriter(w, idempotencyBodyLimit)
		next.ServeHTTP(cw, r)

		if err := m.cacheResponse(r, dataKey, fingerprint, cw); err != nil {
			m.logger.Warn("Failed to cache idempotent response", map[string]interface{}{"error": err.Error(), "key": key})
		}
	})
}

type capturedResponse struct {
	Fingerprint string            `json:"fingerprint"`
	Status      int               `json:"status"`
	Body        []byte            `json:"body"`
	Headers     map[string]string `json:"headers"`
}

func (m *IdempotencyMiddleware) replayCached(w http.ResponseWriter, r *http.Request, dataKey, fingerprint string) bool {
	payload, err := m.cache.Get(r.Context(), dataKey).Bytes()
	if err != nil {
		return false
	}

	var cr capturedResponse
	if err := json.Unmarshal(payload, &cr); err != nil {
		return false
	}
	if cr.Fingerprint != fingerprint {
		jsonError(w, http.StatusUnprocessableEntity, "Idempotency-Key reused with a different request body")
		return true
	}

	for k, v := range cr.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Idempotent-Replay", "true")
	w.WriteHeader(cr.Status)
	_, _ = w.Write(cr.Body)
	return true
}

// cacheResponse stores completed responses; 5xx results are not cached so the
// caller can retry them.
func (m *IdempotencyMiddleware) cacheResponse(r *http.Request, dataKey, fingerprint string, cw *captureWriter) error {
	if cw.status == 0 || cw.status >= http.StatusInternalServerError || cw.truncated {
		return nil
	}

	payload, err := json.Marshal(capturedResponse{
		Fingerprint: fingerprint,
		Status:      cw.status,
		Body:        cw.buf,
		Headers:     cw.headers,
	})
	if err != nil {
		return err
	}

	return m.cache.Set(r.Context(), dataKey, payload, m.ttl).Err()
}

type captureWriter struct {
	http.ResponseWriter
	buf       []byte
	limit     int
	truncated bool
	status    int
	headers   map[string]string
}

func newCaptureWriter(w http.ResponseWriter, limit int) *captureWriter {
	return &captureWriter{
		ResponseWriter: w,
		buf:            make([]byte, 0, 1024),
		limit:          limit,
		headers:        make(map[string]string),
	}
}

func (w *captureWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	for k, v := range w.ResponseWriter.Header() {
		if len(v) > 0 {
			w.headers[k] = v[0]
		}
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *captureWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	if space := w.limit - len(w.buf); space >= len(p) {
		w.buf = append(w.buf, p...)
	} else {
		w.truncated = true
	}
	return w.ResponseWriter.Write(p)
}
