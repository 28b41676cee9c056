// Package config provides application configuration management from environment variables.
//
// # Overview
//
// Every setting is read from a MINILYTICS_* variable and has a default, so an
// empty environment yields a working SQLite-backed server on :3000. A .env
// file in the working directory is merged first by LoadDotEnv; variables
// already present in the environment win.
//
// Server settings:
//
//	MINILYTICS_HOST="0.0.0.0"
//	MINILYTICS_PORT="3000"
//	MINILYTICS_HEALTH_PORT="9090"
//	MINILYTICS_CORS_ORIGINS="*"
//	MINILYTICS_PUBLIC_HOST="stats.example.com"
//
// Storage settings:
//
//	MINILYTICS_STORAGE_DRIVER="sqlite"  # sqlite, postgres
//	MINILYTICS_SQLITE_PATH="analytics.db"
//	MINILYTICS_POSTGRES_URL="postgres://localhost/minilytics"
//	MINILYTICS_POSTGRES_REPLICA_URLS="postgres://replica1/minilytics,postgres://replica2/minilytics"
//	MINILYTICS_POSTGRES_READ_FROM_PRIMARY="true"
//	MINILYTICS_CHECKPOINT_SCHEDULE="*/15 * * * *"
//
// Replicas only serve stats once MINILYTICS_POSTGRES_READ_FROM_PRIMARY is
// false. Replica reads can lag, so a page view that was just recorded may
// be missing from the next report.
//
// Rate limiting:
//
//	MINILYTICS_RATELIMIT_ENABLED="true"
//	MINILYTICS_RATELIMIT_REQUESTS="600"  # per minute per client IP
//	MINILYTICS_REDIS_URL="redis://localhost:6379/0"
//
// Observability settings:
//
//	MINILYTICS_LOG_LEVEL="info"  # debug, info, warn, error
//	MINILYTICS_METRICS_ENABLED="true"
//	MINILYTICS_OTEL_ENABLED="true"
//	MINILYTICS_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	if err := config.LoadDotEnv(); err != nil {
//		log.Fatal(err)
//	}
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
