package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/askhive/metering/pkg/observability"
	"github.com/askhive/metering/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Observability configuration
	Observability ObservabilityConfig

	// Billing configuration
	Billing BillingConfig

	// Payments configuration
	Payments PaymentsConfig

	// Events configuration
	Events EventsConfig

	// Jobs configuration
	Jobs JobsConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// BillingConfig holds subscription lifecycle policy
type BillingConfig struct {
	TrialPeriod          time.Duration
	GracePeriod          time.Duration
	ExpiringSoonWindow   time.Duration
	NotificationCooldown time.Duration
	EntitlementTimeout   time.Duration
	DefaultPlanName      string
}

// PaymentsConfig holds payment provider settings
type PaymentsConfig struct {
	ProviderBaseURL string
	ProviderAPIKey  string
	WebhookSecret   string
	Currency        string
}

// EventsConfig holds stream consumer settings
type EventsConfig struct {
	ConsumerGroup string
	ConsumerName  string
	MaxDeliveries int
	BatchSize     int
}

// JobsConfig holds scheduler settings
type JobsConfig struct {
	LeaseTTL   time.Duration
	JobTimeout time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Observability: loadObservabilityConfig(),
		Billing:       loadBillingConfig(),
		Payments:      loadPaymentsConfig(),
		Events:        loadEventsConfig(),
		Jobs:          loadJobsConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("METERING_HOST", "0.0.0.0"),
		Port:            getEnv("METERING_PORT", "8080"),
		ReadTimeout:     getEnvDuration("METERING_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("METERING_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("METERING_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("METERING_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("METERING_HEALTH_PORT", "9090"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if pgURL := getEnv("METERING_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if maxConns := getEnvInt("METERING_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("METERING_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("METERING_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	if redisURL := getEnv("METERING_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("METERING_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("METERING_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("METERING_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("METERING_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("METERING_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("METERING_METRICS_ENABLED", true),
	}
}

// loadBillingConfig loads subscription lifecycle policy from environment
func loadBillingConfig() BillingConfig {
	return BillingConfig{
		TrialPeriod:          getEnvDuration("METERING_TRIAL_PERIOD", 336*time.Hour),
		GracePeriod:          getEnvDuration("METERING_GRACE_PERIOD", 72*time.Hour),
		ExpiringSoonWindow:   getEnvDuration("METERING_EXPIRING_SOON_WINDOW", 72*time.Hour),
		NotificationCooldown: getEnvDuration("METERING_NOTIFICATION_COOLDOWN", 24*time.Hour),
		EntitlementTimeout:   getEnvDuration("METERING_ENTITLEMENT_TIMEOUT", 2*time.Second),
		DefaultPlanName:      getEnv("METERING_DEFAULT_PLAN", "starter"),
	}
}

// loadPaymentsConfig loads payment provider settings from environment
func loadPaymentsConfig() PaymentsConfig {
	return PaymentsConfig{
		ProviderBaseURL: getEnv("METERING_PAYMENT_PROVIDER_URL", ""),
		ProviderAPIKey:  getEnv("METERING_PAYMENT_PROVIDER_KEY", ""),
		WebhookSecret:   getEnv("METERING_PAYMENT_WEBHOOK_SECRET", ""),
		Currency:        getEnv("METERING_CURRENCY", "usd"),
	}
}

// loadEventsConfig loads stream consumer settings from environment
func loadEventsConfig() EventsConfig {
	return EventsConfig{
		ConsumerGroup: getEnv("METERING_CONSUMER_GROUP", "metering"),
		ConsumerName:  getEnv("METERING_CONSUMER_NAME", defaultConsumerName()),
		MaxDeliveries: getEnvInt("METERING_EVENT_MAX_DELIVERIES", 3),
		BatchSize:     getEnvInt("METERING_EVENT_BATCH_SIZE", 16),
	}
}

// loadJobsConfig loads scheduler settings from environment
func loadJobsConfig() JobsConfig {
	return JobsConfig{
		LeaseTTL:   getEnvDuration("METERING_JOB_LEASE_TTL", 60*time.Second),
		JobTimeout: getEnvDuration("METERING_JOB_TIMEOUT", 10*time.Minute),
	}
}

// defaultConsumerName derives a per-instance consumer name so replicas get
// distinct pending-entry lists within the shared group
func defaultConsumerName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "metering-1"
	}
	return hostname
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required")
	}

	if c.Billing.TrialPeriod <= 0 {
		return fmt.Errorf("trial period must be positive")
	}
	if c.Billing.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive")
	}

	if c.Payments.WebhookSecret == "" {
		return fmt.Errorf("payment webhook secret is required")
	}

	if c.Events.MaxDeliveries <= 0 {
		return fmt.Errorf("event max deliveries must be positive")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
