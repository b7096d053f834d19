package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/ticket-enhancer/config"
	"github.com/upb/ticket-enhancer/handlers"
	"github.com/upb/ticket-enhancer/repositories/repotest"
	"github.com/upb/ticket-enhancer/routes"
	"github.com/upb/ticket-enhancer/services/signature"
	"go.uber.org/zap/zaptest"
)

func testConfig(backend string) *config.Config {
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			WriteTimeout: 5 * time.Second,
			CORSOrigins:  []string{"https://ops.example.com"},
		},
		Queue: config.QueueConfig{
			Backend:          backend,
			Prefix:           "test",
			LeaseTimeout:     time.Minute,
			PollInterval:     10 * time.Millisecond,
			ReapInterval:     time.Second,
			DedupeWindow:     10 * time.Minute,
			LeaseSafetyDelta: 5 * time.Second,
		},
		Worker: config.WorkerConfig{Concurrency: 1, StopTimeout: time.Second, MaxDeliveries: 5},
		Retry: config.RetryConfig{
			MaxAttempts:      3,
			BaseDelay:        time.Millisecond,
			MaxDelay:         10 * time.Millisecond,
			Multiplier:       2,
			CallTimeout:      time.Second,
			BreakerThreshold: 3,
			BreakerCooldown:  time.Second,
		},
		Budget: config.BudgetConfig{
			ResetInterval:  time.Hour,
			ExpiryInterval: time.Hour,
			BatchSize:      10,
			LockTTL:        time.Minute,
			ProviderSecret: "budget-secret-0123456789",
		},
		Webhook: config.WebhookConfig{MaxBodyBytes: 1 << 20, DefaultRateLimit: 100},
		Admin:   config.AdminConfig{JWTSecret: "admin-secret-0123456789", Issuer: "ticket-enhancer", TokenTTL: time.Minute},
		LLM:     config.LLMConfig{BaseURL: "http://127.0.0.1:1/v1", DefaultModel: "gpt-4o-mini"},
		Observability: config.ObservabilityConfig{
			MetricsEnabled: true,
		},
	}
}

func buildTestDependencies(t *testing.T, backend string) *Dependencies {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	deps, err := Build(context.Background(), testConfig(backend), zaptest.NewLogger(t), Infra{
		Repos: repotest.New().Repositories(),
		Redis: rdb,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close(context.Background()) })
	return deps
}

func TestBuild(t *testing.T) {
	for _, backend := range []string{"memory", "redis"} {
		t.Run(backend, func(t *testing.T) {
			deps := buildTestDependencies(t, backend)

			assert.NotNil(t, deps.Queue)
			assert.NotNil(t, deps.Deduper)
			assert.NotNil(t, deps.Sealer)
			assert.NotNil(t, deps.Guard)
			assert.NotNil(t, deps.Canary)
			assert.NotNil(t, deps.Receiver)
			assert.NotNil(t, deps.Processor)
			assert.NotNil(t, deps.Pool)
			assert.NotNil(t, deps.Maintainer)
			assert.NotNil(t, deps.Budget)
			assert.NotNil(t, deps.Scheduler)
			assert.NotNil(t, deps.Tenants)
			assert.NotNil(t, deps.Jobs)
			assert.NotNil(t, deps.WebhookHandler)
			assert.NotNil(t, deps.AdminHandler)
			assert.NotNil(t, deps.HealthHandler)
		})
	}
}

func TestBuild_RequiresInfrastructure(t *testing.T) {
	_, err := Build(context.Background(), testConfig("memory"), zaptest.NewLogger(t), Infra{})
	assert.Error(t, err)
}

func TestBuild_ProductionRequiresAgeIdentity(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := testConfig("memory")
	cfg.Environment = "production"
	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t), Infra{
		Repos: repotest.New().Repositories(),
		Redis: rdb,
	})
	assert.Error(t, err)
}

// Onboard a tenant through the admin API, then deliver a signed ticket webhook to it
func TestRouter_OnboardAndReceive(t *testing.T) {
	deps := buildTestDependencies(t, "memory")
	router := deps.Router()

	token, err := deps.TokenAuth.Issue("ops@example.com", routes.AdminRole)
	require.NoError(t, err)

	const webhookSecret = "tenant-webhook-secret-42"
	create, _ := json.Marshal(map[string]interface{}{
		"name":           "acme",
		"base_url":       "https://desk.acme.example.com",
		"api_credential": "sdp-key",
		"webhook_secret": webhookSecret,
		"budget_limit":   50,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/tenants", bytes.NewReader(create))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), webhookSecret)

	var created struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	require.NotEmpty(t, created.Data.ID)

	body := []byte(`{"ticket_id":"T-100","subject":"VPN drops every hour"}`)
	req = httptest.NewRequest(http.MethodPost, "/webhooks/tickets/"+created.Data.ID, bytes.NewReader(body))
	req.Header.Set(handlers.TicketSignatureHeader, signature.Sign([]byte(webhookSecret), body))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	depth, err := deps.Queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth.Ready)

	// Same ticket inside the dedupe window is not enqueued twice
	req = httptest.NewRequest(http.MethodPost, "/webhooks/tickets/"+created.Data.ID, bytes.NewReader(body))
	req.Header.Set(handlers.TicketSignatureHeader, signature.Sign([]byte(webhookSecret), body))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"duplicate":true`)

	depth, err = deps.Queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth.Ready)
}

func TestRouter_ReadinessReflectsIsolation(t *testing.T) {
	deps := buildTestDependencies(t, "memory")
	router := deps.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	deps.Guard.Trip(context.Background(), uuid.New(), "test", assert.AnError)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"isolation":"halted"`)
}
