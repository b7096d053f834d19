package routes

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/ticket-enhancer/handlers"
	"github.com/upb/ticket-enhancer/internal/observability"
	"github.com/upb/ticket-enhancer/middleware"
	"github.com/upb/ticket-enhancer/services/isolation"
	"go.uber.org/zap"
)

func newTestRouter(t *testing.T) (http.Handler, *middleware.JWTValidator) {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	validator := middleware.NewJWTValidator("routes-test-secret-123", "ticket-enhancer", time.Minute)
	guard := isolation.NewGuard(nil, nil, metrics, logger)

	router := SetupRoutes(Handlers{
		Webhooks:    handlers.NewWebhookHandler(nil, nil, "budget-secret-0123456789", 0, metrics, logger),
		Admin:       handlers.NewAdminHandler(nil, nil, nil, guard, nil, logger),
		Health:      handlers.NewHealthHandler(nil, nil, guard, logger),
		Auth:        middleware.NewAuthMiddleware(validator, logger),
		Metrics:     metrics,
		CORSOrigins: []string{"https://ops.example.com"},
		Timeout:     5 * time.Second,
	})
	return router, validator
}

func TestHealthAndMetrics(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.NotEmpty(t, w.Header().Get("Content-Type"))
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `route="/healthz"`)
}

func TestAdminRequiresToken(t *testing.T) {
	router, validator := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/isolation", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	viewer, err := validator.Issue("viewer@example.com", "viewer")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/isolation", nil)
	req.Header.Set("Authorization", "Bearer "+viewer)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin, err := validator.Issue("ops@example.com", AdminRole)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/isolation", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"halted":false`)
}

func TestWebhooksSkipTokenAuth(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/budget", strings.NewReader(`{}`))
	req.Header.Set(handlers.BudgetSignatureHeader, "sha256=00")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Rejected by the signature check, not the token middleware
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid signature")
}

func TestNotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/chat", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "endpoint not found")
}
