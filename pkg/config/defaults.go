package config

import "time"

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxBodyBytes    = int64(1048576) // 1MB
	DefaultCORSMaxAge      = 3600
	DefaultTLSMinVersion   = "1.3"
	DefaultTLSReload       = 5 * time.Minute
	DefaultClientAuthType  = "require"
	DefaultIdentitySource  = "subject.CN"
	DefaultAuthHeader      = "X-API-Key"

	// Engine defaults
	DefaultTimezone          = "UTC"
	DefaultMaxRetries        = 5
	DefaultRetryBackoff      = 2 * time.Millisecond
	DefaultEvaluationTimeout = 5 * time.Second
	DefaultMaxClockSkew      = 5 * time.Minute

	// Ledger defaults
	DefaultLedgerBackend          = "memory"
	DefaultLedgerSQLitePath       = "data/ledger.db"
	DefaultLedgerBusyTimeout      = 5 * time.Second
	DefaultRedisAddress           = "localhost:6379"
	DefaultRedisKeyPrefix         = "spendguard:ledger:"
	DefaultRedisMaxRetries        = 10
	DefaultRedisRetryBackoff      = 2 * time.Millisecond
	DefaultLedgerArchiveRetention = 90 * 24 * time.Hour
	DefaultLedgerPruneSchedule    = "0 3 * * *"

	// Rules defaults
	DefaultRulesWatchDebounce = 250 * time.Millisecond
	DefaultRulesActivate      = true

	// Approval and override defaults
	DefaultApprovalTimeout        = 72 * time.Hour
	DefaultApprovalGrantTTL       = 24 * time.Hour
	DefaultApprovalExpirySchedule = "*/5 * * * *"
	DefaultOverridePurgeSchedule  = "0 * * * *"

	// Audit defaults
	DefaultAuditBackend            = "sqlite"
	DefaultAuditSQLitePath         = "data/violations.db"
	DefaultAuditSQLiteMaxOpenConns = 10
	DefaultAuditSQLiteMaxIdleConns = 5
	DefaultAuditSQLiteWALMode      = true
	DefaultAuditSQLiteBusyTimeout  = 5 * time.Second
	DefaultAuditQueryTimeout       = 30 * time.Second
	DefaultPostgresPort            = 5432
	DefaultPostgresSSLMode         = "require"

	// Notify defaults
	DefaultNotifyPublisher = "log"
	DefaultKafkaTopic      = "spendguard.approvals"
	DefaultKafkaClientID   = "spendguard"
	DefaultKafkaTimeout    = 10 * time.Second

	// Telemetry defaults
	DefaultLoggingLevel       = "info"
	DefaultLoggingFormat      = "json"
	DefaultMetricsEnabled     = true
	DefaultPrometheusPath     = "/metrics"
	DefaultMetricsNamespace   = "spendguard"
	DefaultTracingSampler     = "ratio"
	DefaultTracingSampleRatio = 0.1
	DefaultTracingService     = "spendguard"
	DefaultOTLPTimeout        = 10 * time.Second
	DefaultHealthEnabled      = true
	DefaultLivenessPath       = "/health"
	DefaultReadinessPath      = "/ready"
	DefaultVersionPath        = "/version"
	DefaultHealthCheckTimeout = 5 * time.Second
)

// DefaultEvaluationBuckets are histogram buckets (seconds) for evaluation
// latency. Evaluations are in-process and expected to finish in
// milliseconds.
var DefaultEvaluationBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

// Default returns a configuration with every default applied, including the
// boolean fields whose default is true. LoadConfig decodes YAML on top of it
// so an omitted boolean keeps its default and an explicit false is kept.
func Default() *Config {
	cfg := &Config{}
	cfg.Rules.Activate = DefaultRulesActivate
	cfg.Audit.SQLite.WALMode = DefaultAuditSQLiteWALMode
	cfg.Telemetry.Metrics.Enabled = DefaultMetricsEnabled
	cfg.Telemetry.Tracing.OTLP.Insecure = true
	cfg.Telemetry.Health.Enabled = DefaultHealthEnabled
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	applyServerDefaults(cfg)

	// Engine defaults
	if cfg.Engine.Timezone == "" {
		cfg.Engine.Timezone = DefaultTimezone
	}
	if cfg.Engine.MaxRetries == 0 {
		cfg.Engine.MaxRetries = DefaultMaxRetries
	}
	if cfg.Engine.RetryBackoff == 0 {
		cfg.Engine.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Engine.EvaluationTimeout == 0 {
		cfg.Engine.EvaluationTimeout = DefaultEvaluationTimeout
	}
	if cfg.Engine.MaxClockSkew == 0 {
		cfg.Engine.MaxClockSkew = DefaultMaxClockSkew
	}

	// Ledger defaults
	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = DefaultLedgerBackend
	}
	if cfg.Ledger.SQLite.Path == "" {
		cfg.Ledger.SQLite.Path = DefaultLedgerSQLitePath
	}
	if cfg.Ledger.SQLite.BusyTimeout == 0 {
		cfg.Ledger.SQLite.BusyTimeout = DefaultLedgerBusyTimeout
	}
	if cfg.Ledger.Redis.Address == "" {
		cfg.Ledger.Redis.Address = DefaultRedisAddress
	}
	if cfg.Ledger.Redis.KeyPrefix == "" {
		cfg.Ledger.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.Ledger.Redis.MaxRetries == 0 {
		cfg.Ledger.Redis.MaxRetries = DefaultRedisMaxRetries
	}
	if cfg.Ledger.Redis.RetryBackoff == 0 {
		cfg.Ledger.Redis.RetryBackoff = DefaultRedisRetryBackoff
	}
	if cfg.Ledger.ArchiveRetention == 0 {
		cfg.Ledger.ArchiveRetention = DefaultLedgerArchiveRetention
	}
	if cfg.Ledger.PruneSchedule == "" {
		cfg.Ledger.PruneSchedule = DefaultLedgerPruneSchedule
	}

	// Rules defaults
	if cfg.Rules.WatchDebounce == 0 {
		cfg.Rules.WatchDebounce = DefaultRulesWatchDebounce
	}

	// Approvals and overrides
	if cfg.Approvals.Timeout == 0 {
		cfg.Approvals.Timeout = DefaultApprovalTimeout
	}
	if cfg.Approvals.GrantTTL == 0 {
		cfg.Approvals.GrantTTL = DefaultApprovalGrantTTL
	}
	if cfg.Approvals.ExpirySchedule == "" {
		cfg.Approvals.ExpirySchedule = DefaultApprovalExpirySchedule
	}
	if cfg.Overrides.PurgeSchedule == "" {
		cfg.Overrides.PurgeSchedule = DefaultOverridePurgeSchedule
	}

	applyAuditDefaults(cfg)

	// Notify defaults
	if cfg.Notify.Publisher == "" {
		cfg.Notify.Publisher = DefaultNotifyPublisher
	}
	if cfg.Notify.Kafka.Topic == "" {
		cfg.Notify.Kafka.Topic = DefaultKafkaTopic
	}
	if cfg.Notify.Kafka.ClientID == "" {
		cfg.Notify.Kafka.ClientID = DefaultKafkaClientID
	}
	if cfg.Notify.Kafka.Timeout == 0 {
		cfg.Notify.Kafka.Timeout = DefaultKafkaTimeout
	}

	applyTelemetryDefaults(cfg)
}

func applyServerDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddress == "" {
		s.ListenAddress = DefaultListenAddress
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.MaxBodyBytes == 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}

	cors := &s.CORS
	if len(cors.AllowedOrigins) == 0 {
		cors.AllowedOrigins = []string{"*"}
	}
	if len(cors.AllowedMethods) == 0 {
		cors.AllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	if len(cors.AllowedHeaders) == 0 {
		cors.AllowedHeaders = []string{"Authorization", "Content-Type", "X-Request-ID", "X-Actor-ID", DefaultAuthHeader}
	}
	if cors.MaxAge == 0 {
		cors.MaxAge = DefaultCORSMaxAge
	}

	if s.TLS.MinVersion == "" {
		s.TLS.MinVersion = DefaultTLSMinVersion
	}
	if s.TLS.ReloadInterval == 0 {
		s.TLS.ReloadInterval = DefaultTLSReload
	}
	if s.TLS.MTLS.ClientAuthType == "" {
		s.TLS.MTLS.ClientAuthType = DefaultClientAuthType
	}
	if s.TLS.MTLS.IdentitySource == "" {
		s.TLS.MTLS.IdentitySource = DefaultIdentitySource
	}
	if s.Auth.Header == "" {
		s.Auth.Header = DefaultAuthHeader
	}
}

func applyAuditDefaults(cfg *Config) {
	a := &cfg.Audit
	if a.Backend == "" {
		a.Backend = DefaultAuditBackend
	}
	if a.SQLite.Path == "" {
		a.SQLite.Path = DefaultAuditSQLitePath
	}
	if a.SQLite.MaxOpenConns == 0 {
		a.SQLite.MaxOpenConns = DefaultAuditSQLiteMaxOpenConns
	}
	if a.SQLite.MaxIdleConns == 0 {
		a.SQLite.MaxIdleConns = DefaultAuditSQLiteMaxIdleConns
	}
	if a.SQLite.BusyTimeout == 0 {
		a.SQLite.BusyTimeout = DefaultAuditSQLiteBusyTimeout
	}
	if a.Postgres.Port == 0 {
		a.Postgres.Port = DefaultPostgresPort
	}
	if a.Postgres.SSLMode == "" {
		a.Postgres.SSLMode = DefaultPostgresSSLMode
	}
	if a.Query.Timeout == 0 {
		a.Query.Timeout = DefaultAuditQueryTimeout
	}
}

func applyTelemetryDefaults(cfg *Config) {
	t := &cfg.Telemetry
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLoggingLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLoggingFormat
	}
	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultPrometheusPath
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = DefaultMetricsNamespace
	}
	if len(t.Metrics.EvaluationDurationBuckets) == 0 {
		t.Metrics.EvaluationDurationBuckets = append([]float64(nil), DefaultEvaluationBuckets...)
	}
	if t.Tracing.Sampler == "" {
		t.Tracing.Sampler = DefaultTracingSampler
	}
	if t.Tracing.SampleRatio == 0 {
		t.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultTracingService
	}
	if t.Tracing.OTLP.Timeout == 0 {
		t.Tracing.OTLP.Timeout = DefaultOTLPTimeout
	}
	if t.Health.LivenessPath == "" {
		t.Health.LivenessPath = DefaultLivenessPath
	}
	if t.Health.ReadinessPath == "" {
		t.Health.ReadinessPath = DefaultReadinessPath
	}
	if t.Health.VersionPath == "" {
		t.Health.VersionPath = DefaultVersionPath
	}
	if t.Health.CheckTimeout == 0 {
		t.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
}
