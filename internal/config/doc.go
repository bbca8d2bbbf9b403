// Package config provides centralized configuration management for the
// playguard license engine host. It loads settings from environment
// variables and an optional YAML file and validates them before any
// component is constructed.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. YAML configuration file (PLAYGUARD_CONFIG_FILE, playguard.yaml)
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern PLAYGUARD_<SECTION>_<FIELD>:
//
//	PLAYGUARD_SERVER_PORT=8080
//	PLAYGUARD_AUTHORITY_BASE_URL=https://licenses.example.com
//	PLAYGUARD_STORAGE_BACKEND=bolt
//	PLAYGUARD_DRM_PROVIDER=widevine
//	PLAYGUARD_RETENTION_VIOLATION_TTL=168h
//	PLAYGUARD_ENTITLEMENTS_USERS=alice:premium,bob:free
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Tests should start from Default() and override only the fields they need.
package config
