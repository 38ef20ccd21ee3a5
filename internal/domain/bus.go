package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (default) or NATS.
// Messages are routed by namespace and topic.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, namespace string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, namespace string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Namespace string            `json:"namespace"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type" toml:"type" yaml:"type"`

	// Namespace scopes every subject this process publishes or consumes.
	Namespace string `json:"namespace" toml:"namespace" yaml:"namespace"`

	// Channel settings
	ChannelBufferSize int `json:"channelBufferSize" toml:"channel_buffer_size" yaml:"channel_buffer_size"`

	// NATS settings
	NATSUrl           string `json:"natsUrl" toml:"nats_url" yaml:"nats_url"`
	NATSToken         string `json:"-" toml:"nats_token" yaml:"nats_token"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" toml:"nats_max_reconnects" yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" toml:"nats_reconnect_wait" yaml:"nats_reconnect_wait"` // seconds

	// NATSQueueGroup load-balances ingested batches across replicas. Empty means "kestrel-scorers".
	NATSQueueGroup string `json:"natsQueueGroup" toml:"nats_queue_group" yaml:"nats_queue_group"`
}

// Standard topic names for the scoring pipeline.
const (
	TopicTransactionsIngested = "kestrel.transactions.ingested"
	TopicTransactionScored    = "kestrel.transactions.scored"
	TopicRiskAlert            = "kestrel.risk.alert"
)

// IngestedBatch is the payload of TopicTransactionsIngested.
// IDs may be JSON numbers or numeric strings.
type IngestedBatch struct {
	IDs    []any  `json:"ids"`
	Source string `json:"source,omitempty"`
}

// ScoredEvent is the payload of TopicTransactionScored and TopicRiskAlert.
type ScoredEvent struct {
	TransactionID    int64    `json:"transactionId"`
	UserID           string   `json:"userId"`
	FraudScore       float64  `json:"fraudScore"`
	IsFraudSuspected bool     `json:"isFraudSuspected"`
	RiskTier         RiskTier `json:"riskTier"`
	UnitID           string   `json:"unitId"`
	Rules            []string `json:"rules,omitempty"`
}
