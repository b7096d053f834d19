package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Queue         QueueConfig
	Worker        WorkerConfig
	Retry         RetryConfig
	Budget        BudgetConfig
	Webhook       WebhookConfig
	Admin         AdminConfig
	Secrets       SecretsConfig
	LLM           LLMConfig
	Ticketing     TicketingConfig
	Monitoring    MonitoringConfig
	PubSub        PubSubConfig
	Isolation     IsolationConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration

	AppRole      string // role the services connect as; granted DML only, never the owner
	MigrationURL string // From MIGRATE_DATABASE_URL; the schema owner's connection
}

// RedisConfig holds the Redis connection used by the queue, dedupe store, rate limiter and sweep locks
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	Backend          string // redis or memory
	Prefix           string
	LeaseTimeout     time.Duration
	PollInterval     time.Duration
	ReapInterval     time.Duration
	DedupeWindow     time.Duration
	LeaseSafetyDelta time.Duration
}

// WorkerConfig holds enhancement worker pool settings
type WorkerConfig struct {
	Concurrency   int
	SourceTimeout time.Duration
	HistoryLimit  int
	StopTimeout   time.Duration
	MaxDeliveries int // deliveries before a job blocked by an open circuit is dead-lettered
}

// RetryConfig holds RetryCoordinator and circuit breaker defaults
type RetryConfig struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	Jitter           float64
	CallTimeout      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// BudgetConfig holds BudgetAutomation settings
type BudgetConfig struct {
	ResetInterval  time.Duration
	ExpiryInterval time.Duration
	BatchSize      int
	BatchPause     time.Duration
	LockTTL        time.Duration
	ProviderURL    string // budget-provider API, empty disables notifications
	ProviderAPIKey string
	ProviderSecret string // HMAC secret for the inbound budget-provider webhook
}

// WebhookConfig holds inbound webhook settings
type WebhookConfig struct {
	MaxBodyBytes     int64
	DefaultRateLimit int
}

// AdminConfig holds admin API token settings
type AdminConfig struct {
	JWTSecret string
	Issuer    string
	TokenTTL  time.Duration
}

// SecretsConfig holds the age key material used to seal tenant secrets
type SecretsConfig struct {
	AgeIdentity  string // AGE-SECRET-KEY-1...
	AgeRecipient string // age1...; derived from the identity when empty
}

// LLMConfig holds the OpenAI-compatible synthesis endpoint configuration
type LLMConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
	CostPer1K    float64
}

// TicketingConfig holds ServiceDesk Plus client settings
type TicketingConfig struct {
	Timeout        time.Duration
	MarkerNoteText string
}

// MonitoringConfig holds the optional monitoring signal collaborator
type MonitoringConfig struct {
	URL     string
	Timeout time.Duration
}

// PubSubConfig holds the alert publisher settings. Empty ProjectID logs alerts only.
type PubSubConfig struct {
	ProjectID       string
	AlertTopic      string
	CredentialsJSON string
}

// IsolationConfig holds the runtime isolation canary settings
type IsolationConfig struct {
	CanaryEnabled  bool
	CanaryInterval time.Duration
	HaltCacheTTL   time.Duration // how long a process trusts its copy of the shared halt
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
	TracingEnabled bool
	ServiceName    string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CORSOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Backend:          getEnv("QUEUE_BACKEND", "redis"),
			Prefix:           getEnv("QUEUE_PREFIX", "enhancer"),
			LeaseTimeout:     getEnvAsDuration("QUEUE_LEASE_TIMEOUT", 5*time.Minute),
			PollInterval:     getEnvAsDuration("QUEUE_POLL_INTERVAL", 500*time.Millisecond),
			ReapInterval:     getEnvAsDuration("QUEUE_REAP_INTERVAL", 5*time.Second),
			DedupeWindow:     getEnvAsDuration("WEBHOOK_DEDUPE_WINDOW", 10*time.Minute),
			LeaseSafetyDelta: getEnvAsDuration("QUEUE_LEASE_SAFETY_MARGIN", 30*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency:   getEnvAsInt("WORKER_CONCURRENCY", 4),
			SourceTimeout: getEnvAsDuration("WORKER_SOURCE_TIMEOUT", 5*time.Second),
			HistoryLimit:  getEnvAsInt("WORKER_HISTORY_LIMIT", 5),
			StopTimeout:   getEnvAsDuration("WORKER_STOP_TIMEOUT", 30*time.Second),
			MaxDeliveries: getEnvAsInt("WORKER_MAX_DELIVERIES", 5),
		},
		Retry: RetryConfig{
			MaxAttempts:      getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:        getEnvAsDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:         getEnvAsDuration("RETRY_MAX_DELAY", 10*time.Second),
			Multiplier:       getEnvAsFloat("RETRY_MULTIPLIER", 2),
			Jitter:           getEnvAsFloat("RETRY_JITTER", 0.2),
			CallTimeout:      getEnvAsDuration("RETRY_CALL_TIMEOUT", 30*time.Second),
			BreakerThreshold: getEnvAsInt("BREAKER_THRESHOLD", 3),
			BreakerCooldown:  getEnvAsDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		Budget: BudgetConfig{
			ResetInterval:  getEnvAsDuration("BUDGET_RESET_INTERVAL", 24*time.Hour),
			ExpiryInterval: getEnvAsDuration("BUDGET_EXPIRY_INTERVAL", time.Hour),
			BatchSize:      getEnvAsInt("BUDGET_BATCH_SIZE", 50),
			BatchPause:     getEnvAsDuration("BUDGET_BATCH_PAUSE", 500*time.Millisecond),
			LockTTL:        getEnvAsDuration("BUDGET_LOCK_TTL", 10*time.Minute),
			ProviderURL:    getEnv("BUDGET_PROVIDER_URL", ""),
			ProviderAPIKey: getEnv("BUDGET_PROVIDER_API_KEY", ""),
			ProviderSecret: getEnv("BUDGET_PROVIDER_WEBHOOK_SECRET", ""),
		},
		Webhook: WebhookConfig{
			MaxBodyBytes:     int64(getEnvAsInt("WEBHOOK_MAX_BODY_BYTES", 1<<20)),
			DefaultRateLimit: getEnvAsInt("WEBHOOK_DEFAULT_RATE_LIMIT", 600),
		},
		Admin: AdminConfig{
			JWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
			Issuer:    getEnv("ADMIN_JWT_ISSUER", "ticket-enhancer"),
			TokenTTL:  getEnvAsDuration("ADMIN_TOKEN_TTL", time.Hour),
		},
		Secrets: SecretsConfig{
			AgeIdentity:  getEnv("AGE_IDENTITY", ""),
			AgeRecipient: getEnv("AGE_RECIPIENT", ""),
		},
		LLM: LLMConfig{
			BaseURL:      getEnv("LLM_BASE_URL", "http://localhost:4000/v1"),
			APIKey:       getEnv("LLM_API_KEY", ""),
			DefaultModel: getEnv("LLM_DEFAULT_MODEL", "gpt-4o-mini"),
			Timeout:      getEnvAsDuration("LLM_TIMEOUT", 60*time.Second),
			CostPer1K:    getEnvAsFloat("LLM_COST_PER_1K_TOKENS", 0.002),
		},
		Ticketing: TicketingConfig{
			Timeout:        getEnvAsDuration("TICKETING_TIMEOUT", 20*time.Second),
			MarkerNoteText: getEnv("TICKETING_MARKER", "[ai-enhancement]"),
		},
		Monitoring: MonitoringConfig{
			URL:     getEnv("MONITORING_URL", ""),
			Timeout: getEnvAsDuration("MONITORING_TIMEOUT", 3*time.Second),
		},
		PubSub: PubSubConfig{
			ProjectID:       getEnv("PUBSUB_PROJECT_ID", ""),
			AlertTopic:      getEnv("PUBSUB_ALERT_TOPIC", "enhancer-alerts"),
			CredentialsJSON: getEnv("PUBSUB_CREDENTIALS_JSON", ""),
		},
		Isolation: IsolationConfig{
			CanaryEnabled:  getEnvAsBool("ISOLATION_CANARY_ENABLED", true),
			CanaryInterval: getEnvAsDuration("ISOLATION_CANARY_INTERVAL", 5*time.Minute),
			HaltCacheTTL:   getEnvAsDuration("ISOLATION_HALT_CACHE_TTL", 2*time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			TracingEnabled: getEnvAsBool("TRACING_ENABLED", true),
			ServiceName:    getEnv("SERVICE_NAME", "ticket-enhancer"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	// Database validation (DATABASE_URL or DB_* vars)
	if c.Database.ConnectionString == "" && c.Database.Host == "" {
		return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
	}
	if c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}
	if c.Database.AppRole == "" {
		return fmt.Errorf("database application role is required")
	}

	if c.Queue.Backend != "redis" && c.Queue.Backend != "memory" {
		return fmt.Errorf("queue backend must be redis or memory, got %q", c.Queue.Backend)
	}
	if c.Queue.LeaseTimeout <= c.Retry.CallTimeout {
		return fmt.Errorf("queue lease timeout (%s) must exceed the retry call timeout (%s)", c.Queue.LeaseTimeout, c.Retry.CallTimeout)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}
	if c.Budget.BatchSize < 1 {
		return fmt.Errorf("budget batch size must be at least 1")
	}

	// Secrets are mandatory outside development
	if c.IsProduction() {
		if c.Secrets.AgeIdentity == "" {
			return fmt.Errorf("age identity is required in production")
		}
		if c.Admin.JWTSecret == "" {
			return fmt.Errorf("admin JWT secret is required in production")
		}
		if c.Budget.ProviderSecret == "" {
			return fmt.Errorf("budget provider webhook secret is required in production")
		}
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// ForMigration returns the configuration migrate connects with: the owner's
// MIGRATE_DATABASE_URL when set, otherwise the application connection.
func (c DatabaseConfig) ForMigration() DatabaseConfig {
	if c.MigrationURL != "" {
		c.ConnectionString = c.MigrationURL
	}
	return c
}

func loadDatabaseConfig() DatabaseConfig {
	cfg := loadConnectionConfig()
	cfg.AppRole = getEnv("DB_APP_ROLE", "enhancer_app")
	cfg.MigrationURL = getEnv("MIGRATE_DATABASE_URL", "")
	return cfg
}

func loadConnectionConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "enhancer_app"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "enhancer"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList parses a comma-separated value, dropping empty entries
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
