package config

import "time"

// Config is the root configuration structure for Spendguard.
// It contains all configuration sections for the API server, evaluation
// engine, usage ledger, rule source, approvals, overrides, violation log,
// notifications, and telemetry.
type Config struct {
	// Server contains HTTP API server configuration including listen address,
	// timeouts, and CORS.
	Server ServerConfig `yaml:"server"`

	// Engine contains evaluation engine configuration such as commit retries
	// and the calendar timezone.
	Engine EngineConfig `yaml:"engine"`

	// Ledger contains usage ledger backend configuration.
	Ledger LedgerConfig `yaml:"ledger"`

	// Rules contains the rule file source and hot reload settings.
	Rules RulesConfig `yaml:"rules"`

	// Approvals contains approval workflow configuration.
	Approvals ApprovalsConfig `yaml:"approvals"`

	// Overrides contains override registry configuration.
	Overrides OverridesConfig `yaml:"overrides"`

	// Audit contains violation log storage, query, and export configuration.
	Audit AuditConfig `yaml:"audit"`

	// Notify contains approval event publisher configuration.
	Notify NotifyConfig `yaml:"notify"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains configuration for the HTTP API server.
type ServerConfig struct {
	// ListenAddress is host:port. Default: "127.0.0.1:8080"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body.
	// Default: 15s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the
	// response. Violation exports stream through this timeout.
	// Default: 60s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxBodyBytes limits request bodies.
	// Default: 1048576 (1MB)
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// CORS contains Cross-Origin Resource Sharing configuration.
	CORS CORSConfig `yaml:"cors"`

	// TLS terminates HTTPS on the listener.
	TLS TLSConfig `yaml:"tls"`

	// Auth authenticates callers of the /v1 API.
	Auth AuthConfig `yaml:"auth"`
}

// TLSConfig contains TLS termination settings for the API listener.
type TLSConfig struct {
	// Enabled turns on HTTPS.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// CertFile is the PEM-encoded server certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the PEM-encoded private key.
	KeyFile string `yaml:"key_file"`

	// MinVersion is the lowest protocol version accepted: "1.2" or "1.3".
	// Default: "1.3"
	MinVersion string `yaml:"min_version"`

	// CipherSuites restricts TLS 1.2 cipher suites by name. Empty keeps the
	// Go defaults.
	CipherSuites []string `yaml:"cipher_suites"`

	// ReloadInterval is how often the certificate files are checked for
	// changes. Renewed certificates are picked up without a restart.
	// Default: 5m
	ReloadInterval time.Duration `yaml:"reload_interval"`

	// MTLS configures client certificate authentication.
	MTLS MTLSConfig `yaml:"mtls"`
}

// MTLSConfig contains client certificate settings.
type MTLSConfig struct {
	// Enabled requests client certificates.
	Enabled bool `yaml:"enabled"`

	// ClientCAFile is the PEM-encoded CA bundle client certificates are
	// verified against.
	ClientCAFile string `yaml:"client_ca_file"`

	// ClientAuthType is "require", "request" or "verify_if_given".
	// Default: "require"
	ClientAuthType string `yaml:"client_auth_type"`

	// IdentitySource selects the certificate field that names the caller:
	// "subject.CN", "subject.OU", "subject.O" or "SAN".
	// Default: "subject.CN"
	IdentitySource string `yaml:"identity_source"`
}

// AuthConfig contains API key authentication settings.
type AuthConfig struct {
	// Enabled requires every /v1 request to authenticate. Operational
	// endpoints (health, readiness, version, metrics) stay open.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Header carries the raw key. "Authorization: Bearer <key>" is always
	// accepted as well.
	// Default: "X-API-Key"
	Header string `yaml:"header"`

	// Keys are the accepted API keys.
	Keys []APIKeyConfig `yaml:"keys"`
}

// APIKeyConfig binds an API key to an operator identity.
type APIKeyConfig struct {
	// Name labels the key in logs. The key itself is never logged.
	Name string `yaml:"name"`

	// Key is the secret value. Use ${VAR} to read it from the environment.
	Key string `yaml:"key"`

	// ActorID is the identity recorded for administrative actions.
	ActorID string `yaml:"actor_id"`

	// Roles are checked against rule override and approver roles.
	Roles []string `yaml:"roles"`

	// Disabled keys are rejected.
	Disabled bool `yaml:"disabled"`

	// ExpiresAt rejects the key after this instant. Zero never expires.
	ExpiresAt time.Time `yaml:"expires_at"`
}

// CORSConfig sets the CORS headers of the API. Defaults allow any origin
// with the methods and headers the API uses, cached for an hour.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`

	// MaxAge is in seconds.
	MaxAge int `yaml:"max_age"`
}

// EngineConfig contains evaluation engine configuration.
type EngineConfig struct {
	// Timezone anchors calendar windows (daily, weekly, monthly).
	// Must be an IANA name.
	// Default: "UTC"
	Timezone string `yaml:"timezone"`

	// MaxRetries is how many times an evaluation is re-run after its commit
	// lost a race on a ledger key.
	// Default: 5
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the base delay between retries; it doubles each time.
	// Default: 2ms
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// EvaluationTimeout bounds a single evaluation including retries.
	// Default: 5s
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`

	// MaxClockSkew is how far a request timestamp may differ from server
	// time. Requests outside it are rejected.
	// Default: 5m
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`
}

// LedgerConfig contains usage ledger configuration.
type LedgerConfig struct {
	// Backend selects counter storage.
	// Options: "memory", "sqlite", "redis"
	// Default: "memory"
	Backend string `yaml:"backend"`

	// SQLite contains the SQLite backend settings.
	SQLite LedgerSQLiteConfig `yaml:"sqlite"`

	// Redis contains the Redis backend settings.
	Redis RedisConfig `yaml:"redis"`

	// ArchiveRetention is how long rotated counters are kept.
	// 0 keeps them forever.
	// Default: 2160h (90 days)
	ArchiveRetention time.Duration `yaml:"archive_retention"`

	// PruneSchedule is a cron expression for pruning archived counters.
	// Default: "0 3 * * *" (daily at 3 AM)
	PruneSchedule string `yaml:"prune_schedule"`
}

// LedgerSQLiteConfig contains SQLite ledger settings.
type LedgerSQLiteConfig struct {
	// Path is the database file path.
	// Default: "data/ledger.db"
	Path string `yaml:"path"`

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	// Address is the Redis server address.
	// Default: "localhost:6379"
	Address string `yaml:"address"`

	// Password is the Redis password; usually set from the environment.
	Password string `yaml:"password"`

	// DB is the Redis database number.
	// Default: 0
	DB int `yaml:"db"`

	// KeyPrefix namespaces ledger keys.
	// Default: "spendguard:ledger:"
	KeyPrefix string `yaml:"key_prefix"`

	// MaxRetries bounds optimistic transaction retries per commit.
	// Default: 10
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the base delay between optimistic retries; the n-th
	// retry waits n times this.
	// Default: 2ms
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// RulesConfig contains rule source configuration.
type RulesConfig struct {
	// Path is a YAML rule file or a directory of them. Empty means rules
	// are managed only through the API.
	Path string `yaml:"path"`

	// Watch enables hot reload when the files change.
	// Default: false
	Watch bool `yaml:"watch"`

	// WatchDebounce coalesces bursts of file events.
	// Default: 250ms
	WatchDebounce time.Duration `yaml:"watch_debounce"`

	// Activate makes loaded rules active instead of leaving them as drafts.
	// Default: true
	Activate bool `yaml:"activate"`
}

// ApprovalsConfig contains approval workflow configuration.
type ApprovalsConfig struct {
	// Timeout is how long a request stays pending before it expires.
	// Default: 72h
	Timeout time.Duration `yaml:"timeout"`

	// GrantTTL is how long the grant issued on approval stays usable.
	// Default: 24h
	GrantTTL time.Duration `yaml:"grant_ttl"`

	// ExpirySchedule is a cron expression for expiring stale requests.
	// Default: "*/5 * * * *"
	ExpirySchedule string `yaml:"expiry_schedule"`
}

// OverridesConfig contains override registry configuration.
type OverridesConfig struct {
	// PurgeSchedule is a cron expression for purging expired grants.
	// Default: "0 * * * *" (hourly)
	PurgeSchedule string `yaml:"purge_schedule"`
}

// AuditConfig selects where violation records are kept.
type AuditConfig struct {
	// Backend is "memory", "sqlite" (default) or "postgres".
	Backend string `yaml:"backend"`

	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	Query    QueryConfig    `yaml:"query"`
}

// SQLiteConfig is the audit SQLite database. Defaults: data/violations.db,
// 10 open and 5 idle connections, WAL on, 5s busy timeout.
type SQLiteConfig struct {
	Path         string        `yaml:"path"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	WALMode      bool          `yaml:"wal_mode"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
}

// PostgresConfig locates the audit database. Password accepts ${VAR}
// references and the SPENDGUARD_AUDIT_POSTGRES_PASSWORD override.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// SSLMode is passed through as sslmode; default "require".
	SSLMode string `yaml:"ssl_mode"`
}

// QueryConfig bounds violation reads.
type QueryConfig struct {
	// Timeout caps one query or export. Default: 30s
	Timeout time.Duration `yaml:"timeout"`
}

// NotifyConfig contains approval event publisher configuration.
type NotifyConfig struct {
	// Publisher selects where approval events go.
	// Options: "log", "kafka", "none"
	// Default: "log"
	Publisher string `yaml:"publisher"`

	// Kafka contains Kafka publisher settings.
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig contains Kafka producer settings.
type KafkaConfig struct {
	// Brokers are the seed broker addresses.
	Brokers []string `yaml:"brokers"`

	// Topic receives approval events.
	// Default: "spendguard.approvals"
	Topic string `yaml:"topic"`

	// ClientID identifies the producer.
	// Default: "spendguard"
	ClientID string `yaml:"client_id"`

	// Timeout bounds a single publish.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`
}

// TelemetryConfig groups logging, metrics, tracing and health endpoints.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Health  HealthConfig  `yaml:"health"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info (default), warn or error.
	Level string `yaml:"level"`

	// Format is json (default), text or console.
	Format string `yaml:"format"`

	AddSource bool `yaml:"add_source"`
}

// MetricsConfig configures the Prometheus collectors and their scrape path
// (default /metrics, namespace "spendguard").
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`

	// EvaluationDurationBuckets are in seconds.
	EvaluationDurationBuckets []float64 `yaml:"evaluation_duration_buckets"`
}

// TracingConfig configures span export. Tracing is off by default.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Sampler is always, never or ratio (default). SampleRatio applies to
	// ratio and defaults to 0.1.
	Sampler     string  `yaml:"sampler"`
	SampleRatio float64 `yaml:"sample_ratio"`

	// Endpoint is the OTLP/gRPC collector, e.g. "localhost:4317".
	Endpoint    string     `yaml:"endpoint"`
	ServiceName string     `yaml:"service_name"`
	OTLP        OTLPConfig `yaml:"otlp"`
}

// OTLPConfig tunes the OTLP exporter. Defaults: plaintext, 10s timeout.
type OTLPConfig struct {
	Insecure bool          `yaml:"insecure"`
	Timeout  time.Duration `yaml:"timeout"`
}

// HealthConfig places the operational endpoints. Paths default to /health,
// /ready and /version; each readiness probe gets CheckTimeout (5s).
type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	LivenessPath  string        `yaml:"liveness_path"`
	ReadinessPath string        `yaml:"readiness_path"`
	VersionPath   string        `yaml:"version_path"`
	CheckTimeout  time.Duration `yaml:"check_timeout"`
}
