package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods take a namespace so several hosts can share one broker.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, namespace string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, namespace string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, namespace string, topic string, payload []byte) ([]byte, error)

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
	Type string `json:"type" yaml:"type"`

	// Namespace scopes every topic published by this process
	Namespace string `json:"namespace" yaml:"namespace"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize" yaml:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl" yaml:"natsUrl"`
	NATSToken         string `json:"-" yaml:"natsToken"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" yaml:"natsReconnectWait"` // seconds

	// NATSQueueGroup load-balances subscriptions across hosts that share it,
	// so each ingested context is executed once per group.
	NATSQueueGroup string `json:"natsQueueGroup" yaml:"natsQueueGroup"`
}

// Standard topic names.
const (
	TopicContextIngested = "harrier.context.ingested"
	TopicExecutionResult = "harrier.execution.result"

	// TopicEnginePrefix is followed by the engine event name (harrier.engine.reset).
	TopicEnginePrefix = "harrier.engine."

	// TopicActionPrefix is followed by the action type (harrier.action.ui-adjustment).
	TopicActionPrefix = "harrier.action."
)
