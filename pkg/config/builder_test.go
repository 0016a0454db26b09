package config

import "time"

// ConfigBuilder provides a fluent API for building Config instances in tests.
// It starts with default values and allows selective overrides.
type ConfigBuilder struct {
	cfg *Config
}

// NewTestConfig creates a ConfigBuilder whose configuration is valid as is.
func NewTestConfig() *ConfigBuilder {
	return &ConfigBuilder{cfg: Default()}
}

// Build returns the built Config instance.
func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) WithListenAddress(addr string) *ConfigBuilder {
	b.cfg.Server.ListenAddress = addr
	return b
}

func (b *ConfigBuilder) WithTimezone(tz string) *ConfigBuilder {
	b.cfg.Engine.Timezone = tz
	return b
}

func (b *ConfigBuilder) WithLedgerBackend(backend string) *ConfigBuilder {
	b.cfg.Ledger.Backend = backend
	return b
}

func (b *ConfigBuilder) WithRedis(addr string) *ConfigBuilder {
	b.cfg.Ledger.Backend = "redis"
	b.cfg.Ledger.Redis.Address = addr
	return b
}

func (b *ConfigBuilder) WithAuditBackend(backend string) *ConfigBuilder {
	b.cfg.Audit.Backend = backend
	return b
}

func (b *ConfigBuilder) WithPostgresConfig(host, database, user string, port int) *ConfigBuilder {
	b.cfg.Audit.Backend = "postgres"
	b.cfg.Audit.Postgres.Host = host
	b.cfg.Audit.Postgres.Database = database
	b.cfg.Audit.Postgres.User = user
	b.cfg.Audit.Postgres.Port = port
	return b
}

func (b *ConfigBuilder) WithKafka(topic string, brokers ...string) *ConfigBuilder {
	b.cfg.Notify.Publisher = "kafka"
	b.cfg.Notify.Kafka.Topic = topic
	b.cfg.Notify.Kafka.Brokers = brokers
	return b
}

func (b *ConfigBuilder) WithApprovalTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.Approvals.Timeout = d
	return b
}

func (b *ConfigBuilder) WithTracing(enabled bool, endpoint string) *ConfigBuilder {
	b.cfg.Telemetry.Tracing.Enabled = enabled
	b.cfg.Telemetry.Tracing.Endpoint = endpoint
	return b
}

func (b *ConfigBuilder) WithLoggingLevel(level string) *ConfigBuilder {
	b.cfg.Telemetry.Logging.Level = level
	return b
}
