package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics contains Prometheus metrics for the AMQP client.
type MQMetrics struct {
	MessagesPublished *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	MessagesConsumed  *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	ConnectionStatus  prometheus.Gauge
}

// NewMQMetrics creates and registers AMQP client metrics.
func NewMQMetrics(namespace string) *MQMetrics {
	m := &MQMetrics{
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "messages_published_total",
				Help:      "Total number of messages published to RabbitMQ",
			},
			[]string{"queue"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "publish_failures_total",
				Help:      "Total number of failed publishes",
			},
			[]string{"queue", "reason"},
		),
		MessagesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "messages_consumed_total",
				Help:      "Total number of messages consumed from RabbitMQ",
			},
			[]string{"queue"},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of reconnection attempts",
			},
		),
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "connection_status",
				Help:      "Current connection status (1=connected, 0=disconnected)",
			},
		),
	}

	MustRegister(
		m.MessagesPublished,
		m.PublishFailures,
		m.MessagesConsumed,
		m.ReconnectAttempts,
		m.ConnectionStatus,
	)

	return m
}
