package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ClientInterface defines the interface for message queue operations.
// This interface enables easier testing through fakes and dependency
// injection.
type ClientInterface interface {
	// Publish sends an event envelope to the queue and waits for broker
	// confirmation. The context is used for cancellation and timeout.
	Publish(ctx context.Context, body []byte) error

	// Consume will continuously put queue items on the channel. It is
	// required to call delivery.Ack when a delivery has been
	// successfully processed, or delivery.Nack when it fails.
	Consume() (<-chan amqp.Delivery, error)

	// WaitReady blocks until the client is connected or the context
	// expires.
	WaitReady(ctx context.Context) error

	// Ready reports whether the client currently holds a usable
	// channel.
	Ready() bool

	// Close will cleanly shut down the channel and connection.
	Close() error
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)
