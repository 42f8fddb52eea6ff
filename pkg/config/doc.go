// Package config loads gatekeeper configuration from environment variables.
//
// Every setting has a default except the database DSN, and the JWT secret
// for the API server. Commonly set variables:
//
//	GATEKEEPER_PORT="8080"
//	GATEKEEPER_HEALTH_PORT="9090"
//	GATEKEEPER_REQUEST_TIMEOUT="10s"
//
//	GATEKEEPER_DB_DRIVER="postgres"  # postgres, sqlite3
//	GATEKEEPER_DB_DSN="postgres://localhost/gatekeeper?sslmode=disable"
//	GATEKEEPER_REDIS_URL="redis://localhost:6379/0"  # enables sweep leases
//
//	GATEKEEPER_JWT_SECRET="..."  # at least 32 bytes
//	GATEKEEPER_CATALOG_PATH="/etc/gatekeeper/catalog.yaml"
//
//	GATEKEEPER_WEBHOOK_URL="https://hooks.example.com/approvals"
//	GATEKEEPER_WEBHOOK_SECRET="..."
//	GATEKEEPER_WEBHOOK_TIMEOUT="5s"
//
//	GATEKEEPER_ESCALATION_SCHEDULE="*/5 * * * *"  # "" disables the job
//	GATEKEEPER_REMINDER_SCHEDULE="*/15 * * * *"
//	GATEKEEPER_REMINDER_LEAD="4h"
//	GATEKEEPER_SWEEP_ITEM_TIMEOUT="10s"
//	GATEKEEPER_SWEEP_WORKERS="4"
//	GATEKEEPER_AUDIT_RETENTION_DAYS="365"  # 0 keeps entries forever
//
//	GATEKEEPER_LOG_LEVEL="info"
//	GATEKEEPER_LOG_FORMAT="json"  # text, json
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
