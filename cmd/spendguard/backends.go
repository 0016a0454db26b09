package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"

	"mercator-hq/spendguard/pkg/audit"
	"mercator-hq/spendguard/pkg/audit/storage"
	"mercator-hq/spendguard/pkg/config"
	"mercator-hq/spendguard/pkg/ledger"
	"mercator-hq/spendguard/pkg/notify"
)

// openLedgerBackend builds the counter store selected by ledger.backend.
func openLedgerBackend(ctx context.Context, cfg *config.LedgerConfig) (ledger.Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return ledger.NewMemoryBackend(), nil
	case "sqlite":
		b, err := ledger.NewSQLiteBackend(ledger.SQLiteBackendConfig{
			DBPath:      cfg.SQLite.Path,
			BusyTimeout: cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite ledger: %w", err)
		}
		return b, nil
	case "redis":
		client, err := ledger.NewRedisClient(ctx, ledger.RedisClientConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		return ledger.NewRedisBackend(client,
			ledger.WithKeyPrefix(cfg.Redis.KeyPrefix),
			ledger.WithMaxRetries(cfg.Redis.MaxRetries),
			ledger.WithRetryBackoff(cfg.Redis.RetryBackoff),
		), nil
	}
	return nil, fmt.Errorf("unsupported ledger backend: %s", cfg.Backend)
}

// openAuditStorage builds the violation store selected by audit.backend.
func openAuditStorage(ctx context.Context, cfg *config.AuditConfig) (audit.Storage, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryStorage(), nil
	case "", "sqlite":
		s, err := storage.NewSQLiteStorage(&storage.SQLiteConfig{
			Path:         cfg.SQLite.Path,
			MaxOpenConns: cfg.SQLite.MaxOpenConns,
			MaxIdleConns: cfg.SQLite.MaxIdleConns,
			WALMode:      cfg.SQLite.WALMode,
			BusyTimeout:  cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite storage: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := storage.NewPostgresStorage(ctx, postgresDSN(&cfg.Postgres))
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL storage: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported audit backend: %s", cfg.Backend)
}

// postgresDSN renders a postgres:// URL from the configuration.
func postgresDSN(cfg *config.PostgresConfig) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Database,
	}
	if cfg.User != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			u.User = url.User(cfg.User)
		}
	}
	if cfg.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {cfg.SSLMode}}.Encode()
	}
	return u.String()
}

// publisherHandle is the approval event publisher with its lifecycle.
type publisherHandle struct {
	notify.Publisher
	ping  func(context.Context) error
	close func() error
}

// newPublisher builds the publisher selected by notify.publisher.
func newPublisher(cfg *config.NotifyConfig, logger *slog.Logger) (*publisherHandle, error) {
	switch cfg.Publisher {
	case "none":
		return &publisherHandle{Publisher: notify.Nop{}}, nil
	case "", "log":
		return &publisherHandle{Publisher: notify.NewLogPublisher(logger)}, nil
	case "kafka":
		p, err := notify.NewKafkaPublisher(notify.KafkaConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
			Timeout:  cfg.Kafka.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &publisherHandle{Publisher: p, ping: p.Ping, close: p.Close}, nil
	}
	return nil, fmt.Errorf("unsupported notify publisher: %s", cfg.Publisher)
}
