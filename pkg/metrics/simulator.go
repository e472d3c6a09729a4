package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the fleet simulator.
type SimulatorMetrics struct {
	EnvelopesPublished *prometheus.CounterVec
	PublishFailures    *prometheus.CounterVec
	ActiveDevices      prometheus.Gauge
	TickDuration       prometheus.Histogram
}

// NewSimulatorMetrics creates and registers simulator metrics.
func NewSimulatorMetrics(namespace string) *SimulatorMetrics {
	m := &SimulatorMetrics{
		EnvelopesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "envelopes_published_total",
				Help:      "Total number of event envelopes published",
			},
			[]string{"type"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "publish_failures_total",
				Help:      "Total number of envelope publish failures",
			},
			[]string{"type", "reason"},
		),
		ActiveDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "active_devices",
				Help:      "Number of devices in the simulated fleet",
			},
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "tick_duration_seconds",
				Help:      "Duration of one simulation tick",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	MustRegister(
		m.EnvelopesPublished,
		m.PublishFailures,
		m.ActiveDevices,
		m.TickDuration,
	)

	return m
}
