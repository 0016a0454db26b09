package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. All validation errors are collected and
// returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateEngine(&cfg.Engine)...)
	errs = append(errs, validateLedger(&cfg.Ledger)...)
	errs = append(errs, validateRules(&cfg.Rules)...)
	errs = append(errs, validateWorkflow(cfg)...)
	errs = append(errs, validateAudit(&cfg.Audit)...)
	errs = append(errs, validateNotify(&cfg.Notify)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: "listen address is required",
		})
	}
	if cfg.ReadTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.read_timeout", Message: "read timeout must be positive"})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.write_timeout", Message: "write timeout must be positive"})
	}
	if cfg.IdleTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.idle_timeout", Message: "idle timeout must be positive"})
	}
	if cfg.MaxBodyBytes < 0 {
		errs = append(errs, FieldError{Field: "server.max_body_bytes", Message: "max body bytes must be non-negative"})
	}

	errs = append(errs, validateTLS(&cfg.TLS)...)
	errs = append(errs, validateAuth(&cfg.Auth)...)
	return errs
}

func validateTLS(cfg *TLSConfig) []FieldError {
	if !cfg.Enabled {
		return nil
	}
	var errs []FieldError
	if cfg.CertFile == "" {
		errs = append(errs, FieldError{Field: "server.tls.cert_file", Message: "cert file is required when TLS is enabled"})
	}
	if cfg.KeyFile == "" {
		errs = append(errs, FieldError{Field: "server.tls.key_file", Message: "key file is required when TLS is enabled"})
	}
	if cfg.MinVersion != "1.2" && cfg.MinVersion != "1.3" {
		errs = append(errs, FieldError{
			Field:   "server.tls.min_version",
			Message: fmt.Sprintf("min version must be 1.2 or 1.3, got %q", cfg.MinVersion),
		})
	}
	if cfg.ReloadInterval < 0 {
		errs = append(errs, FieldError{Field: "server.tls.reload_interval", Message: "reload interval must be positive"})
	}
	if cfg.MTLS.Enabled {
		if cfg.MTLS.ClientCAFile == "" {
			errs = append(errs, FieldError{Field: "server.tls.mtls.client_ca_file", Message: "client CA file is required when mTLS is enabled"})
		}
		switch cfg.MTLS.ClientAuthType {
		case "require", "request", "verify_if_given":
		default:
			errs = append(errs, FieldError{
				Field:   "server.tls.mtls.client_auth_type",
				Message: fmt.Sprintf("unknown client auth type %q", cfg.MTLS.ClientAuthType),
			})
		}
		switch cfg.MTLS.IdentitySource {
		case "subject.CN", "subject.OU", "subject.O", "SAN":
		default:
			errs = append(errs, FieldError{
				Field:   "server.tls.mtls.identity_source",
				Message: fmt.Sprintf("unknown identity source %q", cfg.MTLS.IdentitySource),
			})
		}
	}
	return errs
}

func validateAuth(cfg *AuthConfig) []FieldError {
	if !cfg.Enabled {
		return nil
	}
	var errs []FieldError
	if len(cfg.Keys) == 0 {
		errs = append(errs, FieldError{Field: "server.auth.keys", Message: "at least one API key is required when auth is enabled"})
	}
	seen := make(map[string]bool, len(cfg.Keys))
	for i, k := range cfg.Keys {
		field := fmt.Sprintf("server.auth.keys[%d]", i)
		if k.Key == "" {
			errs = append(errs, FieldError{Field: field + ".key", Message: "key is required"})
		} else if seen[k.Key] {
			errs = append(errs, FieldError{Field: field + ".key", Message: "key is configured more than once"})
		}
		seen[k.Key] = true
		if k.ActorID == "" {
			errs = append(errs, FieldError{Field: field + ".actor_id", Message: "actor id is required"})
		}
	}
	return errs
}

func validateEngine(cfg *EngineConfig) []FieldError {
	var errs []FieldError

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		errs = append(errs, FieldError{
			Field:   "engine.timezone",
			Message: fmt.Sprintf("unknown timezone %q", cfg.Timezone),
		})
	}
	if cfg.MaxRetries < 0 {
		errs = append(errs, FieldError{Field: "engine.max_retries", Message: "max retries must be non-negative"})
	}
	if cfg.MaxRetries > 100 {
		errs = append(errs, FieldError{Field: "engine.max_retries", Message: "max retries exceeds reasonable limit (100)"})
	}
	if cfg.RetryBackoff < 0 {
		errs = append(errs, FieldError{Field: "engine.retry_backoff", Message: "retry backoff must be positive"})
	}
	if cfg.EvaluationTimeout < 0 {
		errs = append(errs, FieldError{Field: "engine.evaluation_timeout", Message: "evaluation timeout must be positive"})
	}
	if cfg.MaxClockSkew < 0 {
		errs = append(errs, FieldError{Field: "engine.max_clock_skew", Message: "max clock skew must be positive"})
	}

	return errs
}

func validateLedger(cfg *LedgerConfig) []FieldError {
	var errs []FieldError

	validBackends := map[string]bool{"memory": true, "sqlite": true, "redis": true}
	if !validBackends[cfg.Backend] {
		errs = append(errs, FieldError{
			Field:   "ledger.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'memory', 'sqlite', or 'redis'", cfg.Backend),
		})
	}

	switch cfg.Backend {
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{
				Field:   "ledger.sqlite.path",
				Message: "SQLite path is required when backend is 'sqlite'",
			})
		}
	case "redis":
		if cfg.Redis.Address == "" {
			errs = append(errs, FieldError{
				Field:   "ledger.redis.address",
				Message: "Redis address is required when backend is 'redis'",
			})
		}
		if cfg.Redis.MaxRetries < 1 {
			errs = append(errs, FieldError{
				Field:   "ledger.redis.max_retries",
				Message: "max retries must be at least 1",
			})
		}
		if cfg.Redis.RetryBackoff < 0 {
			errs = append(errs, FieldError{
				Field:   "ledger.redis.retry_backoff",
				Message: "retry backoff must be positive",
			})
		}
	}

	if cfg.ArchiveRetention < 0 {
		errs = append(errs, FieldError{Field: "ledger.archive_retention", Message: "archive retention must be non-negative"})
	}
	errs = append(errs, validateSchedule("ledger.prune_schedule", cfg.PruneSchedule)...)

	return errs
}

func validateRules(cfg *RulesConfig) []FieldError {
	var errs []FieldError
	if cfg.Watch && cfg.Path == "" {
		errs = append(errs, FieldError{
			Field:   "rules.watch",
			Message: "watch requires rules.path",
		})
	}
	if cfg.WatchDebounce < 0 {
		errs = append(errs, FieldError{Field: "rules.watch_debounce", Message: "debounce must be positive"})
	}
	return errs
}

func validateWorkflow(cfg *Config) []FieldError {
	var errs []FieldError

	if cfg.Approvals.Timeout <= 0 {
		errs = append(errs, FieldError{Field: "approvals.timeout", Message: "timeout must be positive"})
	}
	if cfg.Approvals.GrantTTL <= 0 {
		errs = append(errs, FieldError{Field: "approvals.grant_ttl", Message: "grant TTL must be positive"})
	}
	errs = append(errs, validateSchedule("approvals.expiry_schedule", cfg.Approvals.ExpirySchedule)...)
	errs = append(errs, validateSchedule("overrides.purge_schedule", cfg.Overrides.PurgeSchedule)...)

	return errs
}

func validateAudit(cfg *AuditConfig) []FieldError {
	var errs []FieldError

	validBackends := map[string]bool{"memory": true, "sqlite": true, "postgres": true}
	if !validBackends[cfg.Backend] {
		errs = append(errs, FieldError{
			Field:   "audit.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'memory', 'sqlite', or 'postgres'", cfg.Backend),
		})
	}

	switch cfg.Backend {
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{
				Field:   "audit.sqlite.path",
				Message: "SQLite path is required when backend is 'sqlite'",
			})
		}
	case "postgres":
		if cfg.Postgres.Host == "" {
			errs = append(errs, FieldError{
				Field:   "audit.postgres.host",
				Message: "PostgreSQL host is required when backend is 'postgres'",
			})
		}
		if cfg.Postgres.Port < 1 || cfg.Postgres.Port > 65535 {
			errs = append(errs, FieldError{
				Field:   "audit.postgres.port",
				Message: "PostgreSQL port must be between 1 and 65535",
			})
		}
		if cfg.Postgres.Database == "" {
			errs = append(errs, FieldError{
				Field:   "audit.postgres.database",
				Message: "PostgreSQL database is required when backend is 'postgres'",
			})
		}
		if cfg.Postgres.User == "" {
			errs = append(errs, FieldError{
				Field:   "audit.postgres.user",
				Message: "PostgreSQL user is required when backend is 'postgres'",
			})
		}
		validSSLModes := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
		if !validSSLModes[cfg.Postgres.SSLMode] {
			errs = append(errs, FieldError{
				Field:   "audit.postgres.ssl_mode",
				Message: fmt.Sprintf("invalid SSL mode %q: must be 'disable', 'require', 'verify-ca', or 'verify-full'", cfg.Postgres.SSLMode),
			})
		}
	}

	return errs
}

func validateNotify(cfg *NotifyConfig) []FieldError {
	var errs []FieldError

	switch cfg.Publisher {
	case "log", "none":
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			errs = append(errs, FieldError{
				Field:   "notify.kafka.brokers",
				Message: "at least one broker is required when publisher is 'kafka'",
			})
		}
		if cfg.Kafka.Topic == "" {
			errs = append(errs, FieldError{
				Field:   "notify.kafka.topic",
				Message: "topic is required when publisher is 'kafka'",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "notify.publisher",
			Message: fmt.Sprintf("invalid publisher %q: must be 'log', 'kafka', or 'none'", cfg.Publisher),
		})
	}

	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid logging level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level),
		})
	}

	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid logging format %q: must be 'json', 'text', or 'console'", cfg.Logging.Format),
		})
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{
			Field:   "telemetry.metrics.path",
			Message: "metrics path must start with /",
		})
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.endpoint",
			Message: "tracing endpoint is required when tracing is enabled",
		})
	}
	validSamplers := map[string]bool{"always": true, "never": true, "ratio": true}
	if !validSamplers[cfg.Tracing.Sampler] {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sampler",
			Message: fmt.Sprintf("invalid sampler %q: must be 'always', 'never', or 'ratio'", cfg.Tracing.Sampler),
		})
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1.0 {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sample_ratio",
			Message: "sample ratio must be between 0.0 and 1.0",
		})
	}

	if cfg.Health.Enabled {
		paths := map[string]string{
			"telemetry.health.liveness_path":  cfg.Health.LivenessPath,
			"telemetry.health.readiness_path": cfg.Health.ReadinessPath,
			"telemetry.health.version_path":   cfg.Health.VersionPath,
		}
		for field, p := range paths {
			if !strings.HasPrefix(p, "/") {
				errs = append(errs, FieldError{Field: field, Message: "path must start with /"})
			}
		}
		if cfg.Health.CheckTimeout < 0 || cfg.Health.CheckTimeout > 60*time.Second {
			errs = append(errs, FieldError{
				Field:   "telemetry.health.check_timeout",
				Message: "check timeout must be between 0 and 60s",
			})
		}
	}

	return errs
}

// validateSchedule checks a standard five-field cron expression.
func validateSchedule(field, spec string) []FieldError {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return []FieldError{{Field: field, Message: fmt.Sprintf("invalid cron expression %q: %v", spec, err)}}
	}
	return nil
}
