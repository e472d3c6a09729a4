// Package mq provides the RabbitMQ client used as the sync core's push
// transport. The client owns connection management and automatic
// reconnection; consumers see a plain delivery channel and decide for
// themselves whether a closed channel means failover.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"iotsync.dev/sync-core/pkg/metrics"
)

// Client is a RabbitMQ client that handles connection management,
// automatic reconnection, and provides methods for publishing and
// consuming event envelopes.
type Client struct {
	m               *sync.Mutex
	logger          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan bool
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	queueName       string
	isReady         bool
	metrics         *metrics.MQMetrics // optional
}

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	// How often WaitReady re-checks the connection state.
	readyPollInterval = 100 * time.Millisecond
)

var (
	errNotConnected  = errors.New("not connected to a server")
	errAlreadyClosed = errors.New("already closed: not connected to the server")
	errShutdown      = errors.New("client is shutting down")
)

// New creates a new client instance and automatically attempts to
// connect to the server in the background.
func New(queueName, addr string, l *slog.Logger) *Client {
	client := Client{
		m:         &sync.Mutex{},
		logger:    l,
		queueName: queueName,
		done:      make(chan bool),
	}
	go client.handleReconnect(addr)
	return &client
}

// SetMetrics sets the metrics collector for this client. Call before
// the client starts processing messages.
func (client *Client) SetMetrics(m *metrics.MQMetrics) {
	client.metrics = m
}

// Ready reports whether the client currently holds a usable channel.
func (client *Client) Ready() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

// WaitReady blocks until the client is connected, the context expires,
// or the client shuts down. The delivery channel uses this to bound its
// push-connect attempt before falling back to polling.
func (client *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		if client.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.done:
			return errShutdown
		case <-ticker.C:
		}
	}
}

// handleReconnect will wait for a connection error on notifyConnClose,
// and then continuously attempt to reconnect.
func (client *Client) handleReconnect(addr string) {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		client.logger.Info("attempting to connect", "queue", client.queueName)

		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			client.logger.Error("failed to connect, retrying", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			break
		}
	}
}

// connect will create a new AMQP connection.
func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		if client.metrics != nil {
			client.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	client.changeConnection(conn)
	client.logger.Info("connected", "queue", client.queueName)

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(1)
	}

	return conn, nil
}

// handleReInit will wait for a channel error and then continuously
// attempt to re-initialize the channel.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		err := client.init(conn)
		if err != nil {
			client.logger.Error("failed to initialize channel, retrying", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.logger.Info("connection closed, reconnecting")
			return false
		case <-client.notifyChanClose:
			client.logger.Info("channel closed, re-running init")
		}
	}
}

// init will initialize the channel and declare the queue.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	err = ch.Confirm(false)
	if err != nil {
		return err
	}
	_, err = ch.QueueDeclare(
		client.queueName,
		true,  // Durable: event stream survives broker restart
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		return err
	}

	client.changeChannel(ch)
	client.m.Lock()
	client.isReady = true
	client.m.Unlock()
	client.logger.Info("client init done", "queue", client.queueName)

	return nil
}

// changeConnection takes a new connection and updates the close
// listener to reflect this.
func (client *Client) changeConnection(connection *amqp.Connection) {
	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

// changeChannel takes a new channel and updates the channel listeners
// to reflect this.
func (client *Client) changeChannel(channel *amqp.Channel) {
	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

// Publish sends an event envelope to the queue and waits for broker
// confirmation. It returns an error when the client is not connected;
// the caller decides whether to retry, since a simulator tick is
// cheaper to drop than to queue behind a dead connection.
func (client *Client) Publish(ctx context.Context, body []byte) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		if client.metrics != nil {
			client.metrics.PublishFailures.WithLabelValues(client.queueName, "not_connected").Inc()
		}
		return errNotConnected
	}
	client.m.Unlock()

	err := client.channel.PublishWithContext(
		ctx,
		"",               // Exchange
		client.queueName, // Routing key
		false,            // Mandatory
		false,            // Immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		if client.metrics != nil {
			client.metrics.PublishFailures.WithLabelValues(client.queueName, "publish_error").Inc()
		}
		return err
	}

	select {
	case <-ctx.Done():
		if client.metrics != nil {
			client.metrics.PublishFailures.WithLabelValues(client.queueName, "context_canceled").Inc()
		}
		return ctx.Err()
	case <-client.done:
		return errShutdown
	case confirm := <-client.notifyConfirm:
		if !confirm.Ack {
			if client.metrics != nil {
				client.metrics.PublishFailures.WithLabelValues(client.queueName, "nacked").Inc()
			}
			return errors.New("publish not acknowledged by broker")
		}
	}

	if client.metrics != nil {
		client.metrics.MessagesPublished.WithLabelValues(client.queueName).Inc()
	}
	return nil
}

// Consume will continuously put queue items on the channel. It is
// required to call delivery.Ack when a delivery has been successfully
// processed, or delivery.Nack when it fails. The returned channel
// closes when the underlying AMQP channel drops; the consumer treats
// that as a transport drop.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, errNotConnected
	}
	client.m.Unlock()

	if err := client.channel.Qos(
		1,     // prefetchCount
		0,     // prefetchSize
		false, // global
	); err != nil {
		return nil, err
	}

	return client.channel.Consume(
		client.queueName,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
}

// Close will cleanly shut down the channel and connection.
func (client *Client) Close() error {
	client.m.Lock()
	// isReady is read and written in two places, so hold the lock for
	// the whole shutdown.
	defer client.m.Unlock()

	if !client.isReady {
		return errAlreadyClosed
	}
	close(client.done)
	err := client.channel.Close()
	if err != nil {
		return err
	}
	err = client.connection.Close()
	if err != nil {
		return err
	}

	client.isReady = false

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(0)
	}

	return nil
}
