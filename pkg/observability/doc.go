// Package observability provides structured logging, Prometheus metrics,
// health checks and graceful shutdown for the metering engine.
//
// Loggers emit JSON via slog and carry request/tenant context. Metrics cover
// the engine's hot paths: entitlement decisions, usage event consumption,
// payment reconciliation and scheduled job runs.
package observability
