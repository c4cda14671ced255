// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings, and loads the provider manifest that
// registers identity providers at startup.
//
// # Configuration Structure
//
// Server settings:
//
//	IDFED_HOST="0.0.0.0"
//	IDFED_PORT="8080"
//	IDFED_HEALTH_PORT="9090"
//	IDFED_READ_TIMEOUT="15s"
//	IDFED_WRITE_TIMEOUT="15s"
//
// SSO settings:
//
//	IDFED_BASE_URL="https://sso.example.com"
//	IDFED_PROVIDER_MANIFEST="/etc/idfed/providers.yaml"
//	IDFED_WATCH_MANIFEST="true"
//	IDFED_SESSION_TTL="8h"
//	IDFED_FLOW_STATE_TTL="10m"
//	IDFED_DISCOVERY_TTL="1h"
//	IDFED_SECURE_COOKIES="true"
//	IDFED_CLEANUP_SCHEDULE="*/5 * * * *"
//
// Session store settings:
//
//	IDFED_SESSION_BACKEND="redis"  # memory, redis, postgres
//	IDFED_REDIS_URL="redis://localhost:6379"
//	IDFED_POSTGRES_URL="postgres://localhost/idfed"
//
// Observability settings:
//
//	IDFED_LOG_LEVEL="info"  # debug, info, warn, error
//	IDFED_METRICS_ENABLED="true"
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
//	manifest, err := config.LoadProviderManifest(cfg.SSO.ProviderManifest)
//
// # Related Packages
//
//   - pkg/sso: Consumes provider configurations from the manifest
//   - pkg/observability: Uses observability configuration
package config
