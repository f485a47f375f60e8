// Package events publishes login security events to a message broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event types
const (
	TypeAccountLocked   = "account_locked"
	TypeAccountUnlocked = "account_unlocked"
	TypeCodeIssued      = "verification_code_issued"
	TypeTier3Warning    = "tier3_warning"
	TypeLoginBlocked    = "login_blocked"
	TypeLoginSucceeded  = "login_succeeded"
)

// SecurityEvent is the JSON payload written to the security topic.
// Identity is the message key so events for one account stay ordered within a partition.
type SecurityEvent struct {
	Type       string    `json:"type"`
	Identity   string    `json:"identity"`
	Origin     string    `json:"origin,omitempty"`
	Tier       int       `json:"tier,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers security events
type Publisher interface {
	Publish(ctx context.Context, event SecurityEvent) error
	Close() error
}

// DefaultPublishTimeout bounds how long a login request can wait on the broker
const DefaultPublishTimeout = 500 * time.Millisecond

// KafkaPublisher writes events to a single kafka topic. Each Publish is capped by
// a timeout, so a broker outage delays a login by at most that long.
type KafkaPublisher struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// NewKafkaPublisher creates a publisher for topic with DefaultPublishTimeout
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
			MaxAttempts:  2,
			WriteTimeout: DefaultPublishTimeout,
		},
		timeout: DefaultPublishTimeout,
	}
}

// Publish writes one event keyed by identity. It gives up once the publish
// timeout or ctx expires, whichever comes first.
func (k *KafkaPublisher) Publish(ctx context.Context, event SecurityEvent) error {
	msg, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.Type, err)
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Identity),
		Value: msg,
		Time:  event.OccurredAt,
	}); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}
	return nil
}

// Close flushes pending writes and releases the writer's connections
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

// NopPublisher drops every event. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, SecurityEvent) error { return nil }

func (NopPublisher) Close() error { return nil }

// NewPublisher returns a KafkaPublisher when brokers are configured, otherwise a NopPublisher
func NewPublisher(brokers []string, topic string) Publisher {
	if len(brokers) == 0 {
		return NopPublisher{}
	}
	return NewKafkaPublisher(brokers, topic)
}
