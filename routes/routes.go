package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/ticket-enhancer/handlers"
	"github.com/upb/ticket-enhancer/internal/observability"
	"github.com/upb/ticket-enhancer/middleware"
	"github.com/upb/ticket-enhancer/utils"
)

// AdminRole is the token role required for the admin API
const AdminRole = "admin"

// Handlers groups everything the router mounts. Metrics may be nil.
type Handlers struct {
	Webhooks    *handlers.WebhookHandler
	Admin       *handlers.AdminHandler
	Health      *handlers.HealthHandler
	Auth        *middleware.AuthMiddleware
	Metrics     *observability.Metrics
	CORSOrigins []string
	Timeout     time.Duration
}

// SetupRoutes configures all application routes and middleware
func SetupRoutes(h Handlers) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if h.Timeout > 0 {
		r.Use(chimw.Timeout(h.Timeout))
	}
	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics))
	}

	// Health check endpoints
	r.Get("/healthz", h.Health.HandleHealth)
	r.Get("/readyz", h.Health.HandleReadiness)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics.Handler())
	}

	// Inbound webhooks authenticate by signature, not token
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/tickets/{tenantID}", h.Webhooks.HandleTicket)
		r.Post("/tickets", h.Webhooks.HandleTicket)
		r.Post("/budget", h.Webhooks.HandleBudget)
	})

	// Admin API (require admin role)
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
		r.Use(h.Auth.RequireAuth)
		r.Use(h.Auth.RequireRole(AdminRole))

		r.Route("/tenants", func(r chi.Router) {
			r.Post("/", h.Admin.HandleCreateTenant)
			r.Route("/{tenantID}", func(r chi.Router) {
				r.Get("/", h.Admin.HandleGetTenant)
				r.Patch("/", h.Admin.HandleUpdateTenant)
				r.Delete("/", h.Admin.HandleDeactivateTenant)
				r.Put("/budget-override", h.Admin.HandleGrantOverride)
				r.Get("/audit-logs", h.Admin.HandleListAuditLogs)
				r.Get("/jobs", h.Admin.HandleListJobs)
				r.Get("/jobs/{jobID}", h.Admin.HandleGetJob)
				r.Post("/jobs/{jobID}/replay", h.Admin.HandleReplayJob)
			})
		})

		r.Get("/queue", h.Admin.HandleQueueDepth)
		r.Get("/dead-letters", h.Admin.HandleListDeadLetters)
		r.Post("/dead-letters/{jobID}/replay", h.Admin.HandleReplayJob)

		r.Get("/isolation", h.Admin.HandleIsolationStatus)
		r.Post("/isolation/clear", h.Admin.HandleClearIsolation)

		r.Post("/sweeps/{sweep}", h.Admin.HandleRunSweep)
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}
