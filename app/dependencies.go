package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/upb/ticket-enhancer/config"
	"github.com/upb/ticket-enhancer/handlers"
	"github.com/upb/ticket-enhancer/internal/observability"
	"github.com/upb/ticket-enhancer/internal/secrets"
	"github.com/upb/ticket-enhancer/middleware"
	"github.com/upb/ticket-enhancer/repositories"
	"github.com/upb/ticket-enhancer/repositories/postgres"
	"github.com/upb/ticket-enhancer/routes"
	"github.com/upb/ticket-enhancer/services/alerts"
	"github.com/upb/ticket-enhancer/services/audit"
	"github.com/upb/ticket-enhancer/services/budget"
	"github.com/upb/ticket-enhancer/services/ingest"
	"github.com/upb/ticket-enhancer/services/isolation"
	"github.com/upb/ticket-enhancer/services/jobs"
	"github.com/upb/ticket-enhancer/services/monitoring"
	"github.com/upb/ticket-enhancer/services/providers"
	"github.com/upb/ticket-enhancer/services/providers/openai"
	"github.com/upb/ticket-enhancer/services/queue"
	"github.com/upb/ticket-enhancer/services/ratelimit"
	"github.com/upb/ticket-enhancer/services/retry"
	"github.com/upb/ticket-enhancer/services/signature"
	"github.com/upb/ticket-enhancer/services/tenants"
	"github.com/upb/ticket-enhancer/services/ticketing"
	"github.com/upb/ticket-enhancer/services/worker"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	DB      *postgres.DB
	Redis   redis.UniversalClient
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory
	Repos       *repositories.Repositories

	// Pipeline
	Queue       queue.Queue
	Deduper     queue.Deduper
	RateLimiter *ratelimit.RateLimitService
	Sealer      *secrets.Sealer
	Audit       *audit.AuditService
	Alerts      alerts.Publisher
	Guard       *isolation.Guard
	Canary      *isolation.Canary
	Receiver    *ingest.Receiver
	Processor   *worker.Processor
	Pool        *worker.Pool
	Maintainer  *queue.Maintainer

	// Budget
	BudgetProvider budget.Provider
	Budget         *budget.Automation
	Scheduler      *budget.Scheduler

	// Admin
	Tenants   *tenants.Service
	Jobs      *jobs.Service
	TokenAuth *middleware.JWTValidator

	// HTTP
	AuthMiddleware *middleware.AuthMiddleware
	WebhookHandler *handlers.WebhookHandler
	AdminHandler   *handlers.AdminHandler
	HealthHandler  *handlers.HealthHandler

	ownsRedis bool
}

// Infra is the connected infrastructure Build wires the application on.
// DB may be nil when Repos is supplied directly.
type Infra struct {
	DB    *postgres.DB
	Repos *repositories.Repositories
	Redis redis.UniversalClient
}

// NewDependencies connects PostgreSQL and Redis and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	factory, err := postgres.NewRepositoryFactory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	db := factory.GetDB()
	if err := db.PingContext(ctx); err != nil {
		_ = factory.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		_ = factory.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr))

	deps, err := Build(ctx, cfg, logger, Infra{DB: db, Repos: factory.NewRepositories(), Redis: rdb})
	if err != nil {
		_ = rdb.Close()
		_ = factory.Close()
		return nil, err
	}
	deps.RepoFactory = factory
	deps.ownsRedis = true
	return deps, nil
}

// Build wires every component on already-connected infrastructure
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, infra Infra) (*Dependencies, error) {
	if infra.Repos == nil {
		return nil, errors.New("repositories are required")
	}
	if infra.Redis == nil {
		return nil, errors.New("redis client is required")
	}

	d := &Dependencies{
		Config:  cfg,
		DB:      infra.DB,
		Redis:   infra.Redis,
		Repos:   infra.Repos,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
	}
	if cfg.Observability.TracingEnabled {
		observability.InitTracing()
	}

	if err := d.initSecrets(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize secrets: %w", err)
	}
	if err := d.initAlerts(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize alerts: %w", err)
	}
	if err := d.initAudit(); err != nil {
		return nil, fmt.Errorf("failed to initialize audit: %w", err)
	}
	d.initQueue(cfg)
	d.initIsolation(cfg)
	d.initIngest(cfg)
	if err := d.initWorker(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize worker: %w", err)
	}
	d.initBudget(cfg)
	d.initAdmin(cfg)
	d.initHandlers(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.String("queue_backend", cfg.Queue.Backend))
	return d, nil
}

func (d *Dependencies) initSecrets(cfg *config.Config) error {
	if cfg.Secrets.AgeIdentity == "" {
		if cfg.IsProduction() {
			return errors.New("AGE_IDENTITY is required in production")
		}
		sealer, err := secrets.NewEphemeralSealer()
		if err != nil {
			return err
		}
		d.Logger.Warn("no age identity configured, tenant secrets are sealed with an ephemeral key")
		d.Sealer = sealer
		return nil
	}
	sealer, err := secrets.NewSealer(cfg.Secrets.AgeIdentity, cfg.Secrets.AgeRecipient)
	if err != nil {
		return err
	}
	d.Sealer = sealer
	return nil
}

func (d *Dependencies) initAlerts(ctx context.Context, cfg *config.Config) error {
	publisher, err := alerts.NewPublisher(ctx, cfg.PubSub, d.Metrics, d.Logger)
	if err != nil {
		return err
	}
	d.Alerts = publisher
	return nil
}

func (d *Dependencies) initAudit() error {
	d.Audit = audit.NewAuditService(d.Repos.Scope, d.Repos.AuditLogs, d.Logger, audit.DefaultConfig())
	return d.Audit.Start()
}

func (d *Dependencies) initQueue(cfg *config.Config) {
	switch cfg.Queue.Backend {
	case "memory":
		d.Queue = queue.NewMemoryQueue(cfg.Queue)
		d.Deduper = queue.NewMemoryDeduper(cfg.Queue.DedupeWindow)
		d.Logger.Warn("using in-process job queue, jobs do not survive a restart")
	default:
		d.Queue = queue.NewRedisQueue(d.Redis, cfg.Queue, d.Logger)
		d.Deduper = queue.NewRedisDeduper(d.Redis, cfg.Queue.Prefix, cfg.Queue.DedupeWindow)
	}
	d.Maintainer = queue.NewMaintainer(d.Queue, d.Metrics, cfg.Queue.ReapInterval, d.Logger)
}

func (d *Dependencies) initIsolation(cfg *config.Config) {
	d.Guard = isolation.NewGuard(d.Audit, d.Alerts, d.Metrics, d.Logger).
		WithStore(isolation.NewRedisHaltStore(d.Redis, cfg.Queue.Prefix), cfg.Isolation.HaltCacheTTL)
	d.Canary = isolation.NewCanary(d.Repos, d.Guard, d.Metrics, d.Logger)
}

func (d *Dependencies) initIngest(cfg *config.Config) {
	d.RateLimiter = ratelimit.NewRateLimitService(d.Redis, cfg.Queue.Prefix, d.Logger)
	verifier := signature.NewValidator(d.Repos.Scope, d.Repos.Tenants, d.Sealer, d.Audit, d.Metrics, d.Logger)
	d.Receiver = ingest.NewReceiver(d.Repos, verifier, d.RateLimiter, d.Deduper, d.Queue, d.Metrics, d.Logger,
		ingest.Config{DefaultRateLimit: cfg.Webhook.DefaultRateLimit})
}

func (d *Dependencies) initWorker(cfg *config.Config) error {
	registry := providers.NewRegistry()
	providerConfig := providers.DefaultProviderConfig()
	providerConfig.APIKey = cfg.LLM.APIKey
	providerConfig.BaseURL = cfg.LLM.BaseURL
	if cfg.LLM.Timeout > 0 {
		providerConfig.Timeout = cfg.LLM.Timeout
	}
	if cfg.LLM.CostPer1K > 0 {
		providerConfig.CostPer1K = cfg.LLM.CostPer1K
	}
	adapter := openai.NewOpenAIAdapter(providerConfig)
	if err := registry.RegisterProvider(adapter); err != nil {
		return err
	}
	if err := registry.SetDefault(adapter.Name()); err != nil {
		return err
	}
	if cfg.LLM.APIKey == "" && cfg.LLM.BaseURL == "" {
		d.Logger.Warn("no LLM endpoint configured, synthesis calls will fail")
	}

	breakers := retry.NewBreakers(cfg.Retry.BreakerThreshold, cfg.Retry.BreakerCooldown)
	coordinator := retry.NewCoordinator(retry.PolicyFromConfig(cfg.Retry), breakers, d.Metrics, d.Logger)

	deps := worker.Dependencies{
		Repos:       d.Repos,
		Queue:       d.Queue,
		Coordinator: coordinator,
		Synthesizer: providers.NewChatSynthesizer(registry, cfg.LLM.DefaultModel),
		Desk:        ticketing.NewClient(d.Sealer, cfg.Ticketing, d.Logger),
		Guard:       d.Guard,
		Alerts:      d.Alerts,
		Metrics:     d.Metrics,
		Logger:      d.Logger,
	}
	// A nil *monitoring.Client must not become a non-nil interface
	if signals := monitoring.NewClient(cfg.Monitoring); signals != nil {
		deps.Signals = signals
	}

	d.Processor = worker.NewProcessor(deps, worker.ConfigFrom(cfg))
	d.Pool = worker.NewPool(d.Processor, d.Queue, d.Guard, cfg.Worker.Concurrency, d.Logger)
	return nil
}

func (d *Dependencies) initBudget(cfg *config.Config) {
	d.BudgetProvider = budget.NewProvider(cfg.Budget)
	d.Budget = budget.NewAutomation(d.Repos, d.BudgetProvider, d.Guard, d.Alerts, d.Metrics, d.Logger,
		budget.ConfigFrom(cfg.Budget))
	d.Scheduler = budget.NewScheduler(d.Budget, redislock.New(d.Redis), cfg.Budget, cfg.Queue.Prefix, d.Logger)
}

func (d *Dependencies) initAdmin(cfg *config.Config) {
	d.Tenants = tenants.NewService(d.Repos, d.Sealer, d.BudgetProvider, d.Logger)
	d.Jobs = jobs.NewService(d.Repos, d.Queue, d.Logger)
	d.TokenAuth = middleware.NewJWTValidator(cfg.Admin.JWTSecret, cfg.Admin.Issuer, cfg.Admin.TokenTTL)
	if cfg.Admin.JWTSecret == "" {
		d.Logger.Warn("admin JWT secret not configured, admin API rejects every request")
	}
	d.AuthMiddleware = middleware.NewAuthMiddleware(d.TokenAuth, d.Logger)
}

func (d *Dependencies) initHandlers(cfg *config.Config) {
	d.WebhookHandler = handlers.NewWebhookHandler(d.Receiver, d.Budget, cfg.Budget.ProviderSecret,
		cfg.Webhook.MaxBodyBytes, d.Metrics, d.Logger)
	d.AdminHandler = handlers.NewAdminHandler(d.Tenants, d.Jobs, d.Budget, d.Guard, d.Scheduler, d.Logger)

	var sqlDB *sql.DB
	if d.DB != nil {
		sqlDB = d.DB.DB
	}
	d.HealthHandler = handlers.NewHealthHandler(sqlDB, d.Redis, d.Guard, d.Logger)
}

// Router returns the HTTP handler for the webhook and admin API
func (d *Dependencies) Router() http.Handler {
	h := routes.Handlers{
		Webhooks:    d.WebhookHandler,
		Admin:       d.AdminHandler,
		Health:      d.HealthHandler,
		Auth:        d.AuthMiddleware,
		CORSOrigins: d.Config.Server.CORSOrigins,
		Timeout:     d.Config.Server.WriteTimeout,
	}
	if d.Config.Observability.MetricsEnabled {
		h.Metrics = d.Metrics
	}
	return routes.SetupRoutes(h)
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	// Drain buffered audit writes before the database goes away
	if d.Audit != nil {
		timeout := 10 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	if d.Alerts != nil {
		if err := d.Alerts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close alert publisher: %w", err))
		}
	}

	if d.ownsRedis && d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	// Close database connection
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return errors.Join(errs...)
}
