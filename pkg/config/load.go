package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix shared by every environment variable override.
const EnvPrefix = "SPENDGUARD_"

// LoadConfig loads configuration from a YAML file at the specified path.
// The file is decoded on top of Default(), so omitted fields keep their
// defaults. The result is validated before it is returned.
// Environment variables are not consulted; use LoadConfigWithEnvOverrides
// for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML onto the defaults without validating.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention SPENDGUARD_SECTION_FIELD (e.g., SPENDGUARD_LEDGER_BACKEND) and
// always take precedence over the file.
//
// An empty path skips the file and starts from Default().
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		cfg, err = Parse(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Malformed numeric, boolean and duration values are ignored.
func applyEnvOverrides(cfg *Config) {
	// Server overrides
	envString("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	envDuration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envBool("SERVER_CORS_ENABLED", &cfg.Server.CORS.Enabled)
	envBool("SERVER_TLS_ENABLED", &cfg.Server.TLS.Enabled)
	envString("SERVER_TLS_CERT_FILE", &cfg.Server.TLS.CertFile)
	envString("SERVER_TLS_KEY_FILE", &cfg.Server.TLS.KeyFile)
	envBool("SERVER_AUTH_ENABLED", &cfg.Server.Auth.Enabled)
	for i := range cfg.Server.Auth.Keys {
		cfg.Server.Auth.Keys[i].Key = os.ExpandEnv(cfg.Server.Auth.Keys[i].Key)
	}

	// Engine overrides
	envString("ENGINE_TIMEZONE", &cfg.Engine.Timezone)
	envInt("ENGINE_MAX_RETRIES", &cfg.Engine.MaxRetries)
	envDuration("ENGINE_RETRY_BACKOFF", &cfg.Engine.RetryBackoff)
	envDuration("ENGINE_EVALUATION_TIMEOUT", &cfg.Engine.EvaluationTimeout)
	envDuration("ENGINE_MAX_CLOCK_SKEW", &cfg.Engine.MaxClockSkew)

	// Ledger overrides
	envString("LEDGER_BACKEND", &cfg.Ledger.Backend)
	envString("LEDGER_SQLITE_PATH", &cfg.Ledger.SQLite.Path)
	envString("LEDGER_REDIS_ADDRESS", &cfg.Ledger.Redis.Address)
	envString("LEDGER_REDIS_PASSWORD", &cfg.Ledger.Redis.Password)
	envInt("LEDGER_REDIS_DB", &cfg.Ledger.Redis.DB)
	envString("LEDGER_REDIS_KEY_PREFIX", &cfg.Ledger.Redis.KeyPrefix)
	envDuration("LEDGER_REDIS_RETRY_BACKOFF", &cfg.Ledger.Redis.RetryBackoff)
	envDuration("LEDGER_ARCHIVE_RETENTION", &cfg.Ledger.ArchiveRetention)

	// Rules overrides
	envString("RULES_PATH", &cfg.Rules.Path)
	envBool("RULES_WATCH", &cfg.Rules.Watch)
	envBool("RULES_ACTIVATE", &cfg.Rules.Activate)

	// Workflow overrides
	envDuration("APPROVALS_TIMEOUT", &cfg.Approvals.Timeout)
	envDuration("APPROVALS_GRANT_TTL", &cfg.Approvals.GrantTTL)
	envString("APPROVALS_EXPIRY_SCHEDULE", &cfg.Approvals.ExpirySchedule)
	envString("OVERRIDES_PURGE_SCHEDULE", &cfg.Overrides.PurgeSchedule)

	// Audit overrides
	envString("AUDIT_BACKEND", &cfg.Audit.Backend)
	envString("AUDIT_SQLITE_PATH", &cfg.Audit.SQLite.Path)
	envString("AUDIT_POSTGRES_HOST", &cfg.Audit.Postgres.Host)
	envInt("AUDIT_POSTGRES_PORT", &cfg.Audit.Postgres.Port)
	envString("AUDIT_POSTGRES_DATABASE", &cfg.Audit.Postgres.Database)
	envString("AUDIT_POSTGRES_USER", &cfg.Audit.Postgres.User)
	envString("AUDIT_POSTGRES_PASSWORD", &cfg.Audit.Postgres.Password)
	cfg.Audit.Postgres.Password = os.ExpandEnv(cfg.Audit.Postgres.Password)
	envString("AUDIT_POSTGRES_SSL_MODE", &cfg.Audit.Postgres.SSLMode)

	// Notify overrides
	envString("NOTIFY_PUBLISHER", &cfg.Notify.Publisher)
	if val := os.Getenv(EnvPrefix + "NOTIFY_KAFKA_BROKERS"); val != "" {
		cfg.Notify.Kafka.Brokers = splitList(val)
	}
	envString("NOTIFY_KAFKA_TOPIC", &cfg.Notify.Kafka.Topic)

	// Telemetry overrides
	envString("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	envBool("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	envString("TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
	envBool("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	envString("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	if val := os.Getenv(EnvPrefix + "TELEMETRY_TRACING_SAMPLE_RATIO"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Telemetry.Tracing.SampleRatio = f
		}
	}
}

func envString(name string, dst *string) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*dst = val
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envInt(name string, dst *int) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
