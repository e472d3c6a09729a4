// Package mq provides end-to-end tests for the RabbitMQ client.
package mq

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	clientmq "iotsync.dev/sync-core/pkg/mq"
)

var _ = Describe("MQ Client E2E", func() {
	var (
		client    *clientmq.Client
		queueName string
	)

	BeforeEach(func() {
		// Generate unique queue name for this test
		queueName = "test-queue-" + time.Now().Format("20060102-150405.000")
	})

	AfterEach(func() {
		if client != nil {
			_ = client.Close()
			client = nil
		}
	})

	Describe("Connection", func() {
		It("should connect to RabbitMQ successfully", func() {
			client = clientmq.New(queueName, rabbitmqURL, testLogger)
			Expect(client).NotTo(BeNil())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			Expect(client.WaitReady(ctx)).To(Succeed())
			Expect(client.Ready()).To(BeTrue())
		})

		It("should handle invalid URL gracefully", func() {
			invalidClient := clientmq.New("test-queue", "amqp://invalid:5672", testLogger)
			Expect(invalidClient).NotTo(BeNil())

			// Should not crash, will keep retrying in background
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			Expect(invalidClient.WaitReady(ctx)).NotTo(Succeed())

			_ = invalidClient.Close()
		})
	})

	Describe("Publishing", func() {
		BeforeEach(func() {
			client = clientmq.New(queueName, rabbitmqURL, testLogger)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			Expect(client.WaitReady(ctx)).To(Succeed())
		})

		It("should publish a message successfully", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			err := client.Publish(ctx, []byte(`{"type":"telemetry"}`))
			Expect(err).NotTo(HaveOccurred())
		})

		It("should publish multiple messages successfully", func() {
			messages := []string{
				`{"type":"device_created"}`,
				`{"type":"telemetry"}`,
				`{"type":"device_status"}`,
			}

			for _, msg := range messages {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := client.Publish(ctx, []byte(msg))
				cancel()
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("should fail to publish when not connected", func() {
			disconnected := clientmq.New("disconnected-queue", "amqp://invalid:5672", testLogger)
			defer func() { _ = disconnected.Close() }()

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			err := disconnected.Publish(ctx, []byte("payload"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Consuming", func() {
		BeforeEach(func() {
			client = clientmq.New(queueName, rabbitmqURL, testLogger)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			Expect(client.WaitReady(ctx)).To(Succeed())
		})

		It("should receive a published message", func() {
			deliveries, err := client.Consume()
			Expect(err).NotTo(HaveOccurred())

			// Publish through a second client on the same queue.
			publisher := clientmq.New(queueName, rabbitmqURL, testLogger)
			defer func() { _ = publisher.Close() }()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			Expect(publisher.WaitReady(ctx)).To(Succeed())

			payload := []byte(`{"type":"telemetry","device_id":"dev-1"}`)
			Expect(publisher.Publish(ctx, payload)).To(Succeed())

			var delivery amqp.Delivery
			Eventually(deliveries, 10*time.Second).Should(Receive(&delivery))
			Expect(delivery.Body).To(Equal(payload))
			Expect(delivery.Ack(false)).To(Succeed())
		})

		It("should close the delivery channel when the client closes", func() {
			deliveries, err := client.Consume()
			Expect(err).NotTo(HaveOccurred())

			Expect(client.Close()).To(Succeed())
			client = nil

			Eventually(deliveries, 10*time.Second).Should(BeClosed())
		})
	})
})
