package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ChannelMetrics contains Prometheus metrics for the delivery channel.
type ChannelMetrics struct {
	EventsDelivered  *prometheus.CounterVec
	Failovers        prometheus.Counter
	PollCycles       prometheus.Counter
	PollFailures     prometheus.Counter
	PollDuration     prometheus.Histogram
	TransportState   *prometheus.GaugeVec
	ImmediateRefresh prometheus.Counter
}

// NewChannelMetrics creates and registers delivery channel metrics.
func NewChannelMetrics(namespace string) *ChannelMetrics {
	m := &ChannelMetrics{
		EventsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "events_delivered_total",
				Help:      "Total number of change events delivered to observers",
			},
			[]string{"kind", "transport"},
		),
		Failovers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "failovers_total",
				Help:      "Total number of push-to-poll failovers",
			},
		),
		PollCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "poll_cycles_total",
				Help:      "Total number of completed poll cycles",
			},
		),
		PollFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "poll_failures_total",
				Help:      "Total number of failed poll cycles",
			},
		),
		PollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "poll_duration_seconds",
				Help:      "Duration of poll cycles",
				Buckets:   prometheus.DefBuckets,
			},
		),
		TransportState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "transport_state",
				Help:      "Current transport state (1 for the active state, 0 otherwise)",
			},
			[]string{"state"},
		),
		ImmediateRefresh: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "immediate_refresh_total",
				Help:      "Total number of caller-triggered immediate refreshes",
			},
		),
	}

	MustRegister(
		m.EventsDelivered,
		m.Failovers,
		m.PollCycles,
		m.PollFailures,
		m.PollDuration,
		m.TransportState,
		m.ImmediateRefresh,
	)

	return m
}

// NotifyMetrics contains Prometheus metrics for the notification store.
type NotifyMetrics struct {
	Upserts        *prometheus.CounterVec
	Duplicates     prometheus.Counter
	FanOuts        prometheus.Counter
	PersistErrors  *prometheus.CounterVec
	CacheFallbacks prometheus.Counter
	Unread         *prometheus.GaugeVec
}

// NewNotifyMetrics creates and registers notification store metrics.
func NewNotifyMetrics(namespace string) *NotifyMetrics {
	m := &NotifyMetrics{
		Upserts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "upserts_total",
				Help:      "Total number of notification upserts",
			},
			[]string{"category"},
		),
		Duplicates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "duplicates_total",
				Help:      "Total number of upserts deduplicated by identity",
			},
		),
		FanOuts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "fanouts_total",
				Help:      "Total number of subscriber fan-out rounds",
			},
		),
		PersistErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "persist_errors_total",
				Help:      "Total number of persistence failures",
			},
			[]string{"operation"},
		),
		CacheFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "cache_fallbacks_total",
				Help:      "Total number of reads served from cache after a fetch failure",
			},
		),
		Unread: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "unread",
				Help:      "Current unread notification count per organization",
			},
			[]string{"organization"},
		),
	}

	MustRegister(
		m.Upserts,
		m.Duplicates,
		m.FanOuts,
		m.PersistErrors,
		m.CacheFallbacks,
		m.Unread,
	)

	return m
}

// PipelineMetrics contains Prometheus metrics for the onboarding
// progress pipeline.
type PipelineMetrics struct {
	JobsStarted   prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
}

// NewPipelineMetrics creates and registers onboarding pipeline metrics.
func NewPipelineMetrics(namespace string) *PipelineMetrics {
	m := &PipelineMetrics{
		JobsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "onboarding",
				Name:      "jobs_started_total",
				Help:      "Total number of onboarding jobs started",
			},
		),
		JobsCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "onboarding",
				Name:      "jobs_completed_total",
				Help:      "Total number of onboarding jobs that reached the complete stage",
			},
		),
		JobsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "onboarding",
				Name:      "jobs_failed_total",
				Help:      "Total number of onboarding jobs failed, by stage",
			},
			[]string{"stage"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "onboarding",
				Name:      "stage_duration_seconds",
				Help:      "Duration of onboarding stages",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
	}

	MustRegister(
		m.JobsStarted,
		m.JobsCompleted,
		m.JobsFailed,
		m.StageDuration,
	)

	return m
}
