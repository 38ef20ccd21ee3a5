// Package bus carries scoring events between the API, the scoring
// scheduler and downstream consumers.
package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrNamespaceRequired is returned when publishing or subscribing without a namespace.
	ErrNamespaceRequired = errors.New("namespace is required")

	// ErrClosed is returned by a bus that has been closed.
	ErrClosed = errors.New("bus is closed")
)

// New creates an event bus based on configuration.
// "channel" runs in-process; "nats" connects to a NATS server.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

func newMessage(namespace, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		Namespace: namespace,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}
