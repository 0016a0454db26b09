// Package config provides configuration management for spendguard.
//
// Configuration is read from a YAML file, decoded on top of the built-in
// defaults, optionally overridden from the environment and validated before
// use.
//
// # Configuration Loading
//
//  1. From a YAML file only:
//     cfg, err := config.LoadConfig("spendguard.yaml")
//
//  2. From a YAML file with environment variable overrides:
//     cfg, err := config.LoadConfigWithEnvOverrides("spendguard.yaml")
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention SPENDGUARD_SECTION_FIELD:
//
//   - SPENDGUARD_LEDGER_BACKEND overrides ledger.backend
//   - SPENDGUARD_AUDIT_POSTGRES_PASSWORD overrides audit.postgres.password
//   - SPENDGUARD_NOTIFY_KAFKA_BROKERS overrides notify.kafka.brokers (comma separated)
//
// # Configuration Precedence
//
// Later sources override earlier ones:
//
//  1. Default values (defaults.go)
//  2. Values from the YAML file
//  3. Environment variable overrides
//
// Validation runs last and reports every problem at once:
//
//	configuration validation failed with 2 errors:
//	  - ledger.backend: invalid backend "etcd": must be 'memory', 'sqlite', or 'redis'
//	  - approvals.expiry_schedule: invalid cron expression "soon": ...
//
// # Example Configuration
//
//	engine:
//	  timezone: "America/New_York"
//
//	ledger:
//	  backend: redis
//	  redis:
//	    address: "redis:6379"
//
//	rules:
//	  path: "rules/"
//	  watch: true
//
//	audit:
//	  backend: postgres
//	  postgres:
//	    host: "db"
//	    database: "spendguard"
//	    user: "spendguard"
//
//	notify:
//	  publisher: kafka
//	  kafka:
//	    brokers: ["kafka:9092"]
package config
