package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"moneypolicy/pkg/logger"
)

const testSecret = "test-secret"

type MockBlacklist struct {
	mock.Mock
}

func (m *MockBlacklist) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	args := m.Called(ctx, token)
	return args.Bool(0), args.Error(1)
}

func serve(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAuthenticate(t *testing.T) {
	userID := uuid.New()
	var seenID uuid.UUID
	var seenType string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID, _ = UserIDFromContext(r.Context())
		seenType, _ = UserTypeFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := NewAuthMiddleware(testSecret, nil, logger.NewNop()).Authenticate(next)

	token, err := IssueToken(testSecret, userID, "merchant", time.Hour)
	require.NoError(t, err)

	w := serve(h, token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, userID, seenID)
	assert.Equal(t, "merchant", seenType)

	assert.Equal(t, http.StatusUnauthorized, serve(h, "").Code)

	expired, err := IssueToken(testSecret, userID, "user", -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serve(h, expired).Code)

	wrongKey, err := IssueToken("other-secret", userID, "user", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serve(h, wrongKey).Code)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: userID.String()}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serve(h, unsigned).Code)
}

func TestAuthenticate_RevokedToken(t *testing.T) {
	token, err := IssueToken(testSecret, uuid.New(), "admin", time.Hour)
	require.NoError(t, err)

	bl := new(MockBlacklist)
	bl.On("IsBlacklisted", mock.Anything, token).Return(true, nil).Once()
	h := NewAuthMiddleware(testSecret, bl, logger.NewNop()).Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	assert.Equal(t, http.StatusUnauthorized, serve(h, token).Code)
	bl.AssertExpectations(t)
}

func TestRequireUserType(t *testing.T) {
	auth := NewAuthMiddleware(testSecret, nil, logger.NewNop())
	h := auth.Authenticate(RequireUserType("admin", "superadmin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	admin, _ := IssueToken(testSecret, uuid.New(), "admin", time.Hour)
	user, _ := IssueToken(testSecret, uuid.New(), "user", time.Hour)

	assert.Equal(t, http.StatusOK, serve(h, admin).Code)
	assert.Equal(t, http.StatusForbidden, serve(h, user).Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://admin.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/transfers", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://admin.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryAndCorrelation(t *testing.T) {
	var requestID string
	h := CorrelationID(Recovery(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID = RequestIDFromContext(r.Context())
		panic("boom")
	})))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEmpty(t, requestID)
	assert.Equal(t, requestID, w.Header().Get("X-Request-ID"))
}
