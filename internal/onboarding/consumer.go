package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"iotsync.dev/sync-core/pkg/mq"
)

// StageEvent is the tuple emitted by the external onboarding job
// runner (the PDF service) for one device's pipeline.
type StageEvent struct {
	DeviceID   string `json:"device_id"`
	Stage      Stage  `json:"stage"`
	Percent    int    `json:"percent"`
	Message    string `json:"message"`
	SubMessage string `json:"sub_message,omitempty"`
	Error      string `json:"error,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
}

// Consumer consumes stage events from the job runner's queue and
// drives the pipeline with them.
type Consumer struct {
	logger     *slog.Logger
	pipeline   *Pipeline
	mqClient   mq.ClientInterface
	onProgress Observer
	done       chan struct{}
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger   *slog.Logger
	Pipeline *Pipeline
	MQClient mq.ClientInterface
	// OnProgress is attached to every job the consumer starts, so the
	// gateway can broadcast progress without knowing about jobs.
	OnProgress Observer
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("pipeline cannot be nil")
	}
	if cfg.MQClient == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	return &Consumer{
		logger:     cfg.Logger,
		pipeline:   cfg.Pipeline,
		mqClient:   cfg.MQClient,
		onProgress: cfg.OnProgress,
		done:       make(chan struct{}),
	}, nil
}

// readyTimeout bounds the wait for the MQ connection at startup.
const readyTimeout = 10 * time.Second

// Start begins consuming stage events. The context governs the
// processing loop's lifetime; the connection wait is bounded
// separately so a down broker fails startup instead of hanging it.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting onboarding consumer")

	waitCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := c.mqClient.WaitReady(waitCtx); err != nil {
		return fmt.Errorf("mq client not ready: %w", err)
	}

	deliveries, err := c.mqClient.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	go c.processMessages(ctx, deliveries)
	return nil
}

// processMessages processes incoming stage events from the deliveries
// channel.
func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping stage event processing")
			close(c.done)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				close(c.done)
				return
			}

			c.handleDelivery(delivery)
		}
	}
}

// handleDelivery processes a single stage event.
func (c *Consumer) handleDelivery(delivery amqp.Delivery) {
	var event StageEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		c.logger.Error("failed to unmarshal stage event", "error", err)
		// Ack malformed events; they will never parse on redelivery.
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}
		return
	}

	if err := c.applyEvent(event); err != nil {
		c.logger.Error("failed to apply stage event",
			"device_id", event.DeviceID,
			"stage", string(event.Stage),
			"error", err,
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
		return
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
	}
}

// applyEvent routes one stage event into the right job, creating the
// job on the device's first event.
func (c *Consumer) applyEvent(event StageEvent) error {
	if event.DeviceID == "" {
		return errors.New("stage event without device id")
	}

	job, err := c.pipeline.Job(event.DeviceID)
	if errors.Is(err, ErrJobNotFound) {
		job, err = c.pipeline.Start(event.DeviceID)
		if err != nil {
			return err
		}
		if c.onProgress != nil {
			job.Subscribe(c.onProgress)
		}
	} else if err != nil {
		return err
	}

	if event.Error != "" {
		return job.Fail(event.Stage, errors.New(event.Error), event.Retryable)
	}
	err = job.Advance(event.Stage, event.Percent, event.Message, event.SubMessage)
	if errors.Is(err, ErrJobTerminal) {
		// Late events after completion or failure are dropped, not
		// requeued.
		c.logger.Debug("dropping stage event for terminal job", "device_id", event.DeviceID)
		return nil
	}
	return err
}

// Stop stops the consumer and closes the MQ client.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping onboarding consumer")

	if err := c.mqClient.Close(); err != nil {
		return fmt.Errorf("failed to close mq client: %w", err)
	}

	<-c.done

	c.logger.Info("onboarding consumer stopped")
	return nil
}
