// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	METERING_HOST="0.0.0.0"
//	METERING_PORT="8080"
//	METERING_HEALTH_PORT="9090"
//	METERING_READ_TIMEOUT="15s"
//	METERING_WRITE_TIMEOUT="15s"
//
// Storage settings:
//
//	METERING_POSTGRES_URL="postgres://localhost/metering"
//	METERING_POSTGRES_MAX_CONNS="25"
//	METERING_REDIS_URL="redis://localhost:6379/0"
//	METERING_REDIS_POOL_SIZE="10"
//
// Billing policy:
//
//	METERING_TRIAL_PERIOD="336h"
//	METERING_GRACE_PERIOD="72h"
//	METERING_EXPIRING_SOON_WINDOW="72h"
//	METERING_NOTIFICATION_COOLDOWN="24h"
//	METERING_DEFAULT_PLAN="starter"
//
// Payment provider:
//
//	METERING_PAYMENT_PROVIDER_URL="https://api.provider.example"
//	METERING_PAYMENT_PROVIDER_KEY="sk_..."
//	METERING_PAYMENT_WEBHOOK_SECRET="whsec_..."
//	METERING_CURRENCY="usd"
//
// Observability settings:
//
//	METERING_LOG_LEVEL="info"  # debug, info, warn, error
//	METERING_METRICS_ENABLED="true"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Trial period: %s\n", cfg.Billing.TrialPeriod)
//
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/observability: Uses observability configuration
package config
