package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"mercator-hq/spendguard/pkg/telemetry/tracing"
)

// KafkaConfig configures a KafkaPublisher.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string

	// Timeout bounds each produce call. Default: 5s.
	Timeout time.Duration
}

// KafkaPublisher produces events to a Kafka topic, keyed by approval ID so
// every event of one request lands on the same partition in order.
type KafkaPublisher struct {
	client  *kgo.Client
	topic   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafkaPublisher connects to the brokers.
func NewKafkaPublisher(cfg KafkaConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "spendguard"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: create client: %w", err)
	}

	return &KafkaPublisher{
		client:  client,
		topic:   cfg.Topic,
		timeout: cfg.Timeout,
		logger:  logger.With("component", "notify.kafka", "topic", cfg.Topic),
	}, nil
}

// Publish produces e synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kafka: encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(e.ApprovalID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}
	for _, h := range tracing.MessageHeaders(ctx) {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: h.Key, Value: []byte(h.Value)})
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		p.logger.Error("failed to produce event", "event_type", string(e.Type), "approval_id", e.ApprovalID, "error", err)
		return fmt.Errorf("kafka: produce: %w", err)
	}
	return nil
}

// Ping checks the brokers are reachable.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes and closes the client.
func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}
