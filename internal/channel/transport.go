package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"iotsync.dev/sync-core/internal/model"
	"iotsync.dev/sync-core/pkg/mq"
)

// PushTransport is the persistent server-push side of the delivery
// channel. The wire protocol is the transport's business; the channel
// only sees decoded envelopes.
type PushTransport interface {
	// Connect establishes the transport. The context bounds the
	// attempt; a deadline expiry means the channel falls back to
	// polling.
	Connect(ctx context.Context) error

	// Events returns the inbound envelope stream. The channel treats a
	// close of this stream as a transport drop.
	Events() <-chan model.Envelope

	// Close tears the transport down. It must be idempotent.
	Close() error
}

// AMQPTransport adapts the reconnecting RabbitMQ client to the
// PushTransport interface. Malformed payloads are acked and dropped;
// replaying a message that will never parse only wedges the queue.
type AMQPTransport struct {
	logger *slog.Logger
	client mq.ClientInterface
	events chan model.Envelope
	closed chan struct{}
}

var _ PushTransport = (*AMQPTransport)(nil)

// NewAMQPTransport creates a transport over an existing MQ client.
func NewAMQPTransport(client mq.ClientInterface, logger *slog.Logger) (*AMQPTransport, error) {
	if client == nil {
		return nil, errors.New("mq client cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &AMQPTransport{
		logger: logger,
		client: client,
		events: make(chan model.Envelope, 64),
		closed: make(chan struct{}),
	}, nil
}

// Connect waits for the underlying client to be ready, then starts the
// consume pump.
func (t *AMQPTransport) Connect(ctx context.Context) error {
	if err := t.client.WaitReady(ctx); err != nil {
		return err
	}

	deliveries, err := t.client.Consume()
	if err != nil {
		return err
	}

	go t.pump(deliveries)
	return nil
}

// Events returns the inbound envelope stream.
func (t *AMQPTransport) Events() <-chan model.Envelope {
	return t.events
}

// Close stops the pump and the underlying client.
func (t *AMQPTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
	}
	close(t.closed)
	return t.client.Close()
}

// pump decodes deliveries into envelopes until the AMQP channel drops,
// then closes the event stream so the delivery channel can fail over.
func (t *AMQPTransport) pump(deliveries <-chan amqp.Delivery) {
	defer close(t.events)

	for delivery := range deliveries {
		var envelope model.Envelope
		if err := json.Unmarshal(delivery.Body, &envelope); err != nil {
			t.logger.Error("failed to unmarshal event envelope", "error", err)
			if ackErr := delivery.Ack(false); ackErr != nil {
				t.logger.Error("failed to ack message", "error", ackErr)
			}
			continue
		}

		select {
		case t.events <- envelope:
		case <-t.closed:
			// Shutting down; requeue so nothing is lost.
			if nackErr := delivery.Nack(false, true); nackErr != nil {
				t.logger.Error("failed to nack message", "error", nackErr)
			}
			return
		}

		if err := delivery.Ack(false); err != nil {
			t.logger.Error("failed to ack message", "error", err)
			return
		}
	}
}
