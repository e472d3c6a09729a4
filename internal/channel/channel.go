// Package channel implements the delivery channel: the single active
// transport that feeds device-state and notification events to the rest
// of the core. It prefers the push transport and falls back to a
// fixed-interval poll loop when push cannot be established or drops,
// funneling both paths into one transport-agnostic callback set.
package channel

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"iotsync.dev/sync-core/internal/directory"
	"iotsync.dev/sync-core/internal/model"
	"iotsync.dev/sync-core/internal/sync"
	"iotsync.dev/sync-core/pkg/metrics"
)

const (
	// DefaultPollInterval is the fixed poll cadence in fallback mode.
	DefaultPollInterval = 10 * time.Second

	// DefaultConnectTimeout bounds the push-connect attempt.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultStopTimeout bounds how long Stop waits for the event loop.
	DefaultStopTimeout = 5 * time.Second

	// pollRequestTimeout bounds one device-directory round trip.
	pollRequestTimeout = 10 * time.Second

	// failedStateThreshold is how many consecutive poll failures are
	// reported as FAILED. The loop keeps retrying regardless; the state
	// only tells observers that no transport is currently viable.
	failedStateThreshold = 3
)

// Callbacks is the uniform consumer surface. Every transport path
// funnels into these; consumers never learn which transport delivered
// an event. Nil members are skipped.
type Callbacks struct {
	OnDeviceCreated          func(device model.Device)
	OnDeviceDeleted          func(device model.Device)
	OnDeviceStatusUpdate     func(device model.Device, oldStatus model.DeviceStatus)
	OnTelemetry              func(snapshot model.TelemetrySnapshot)
	OnNotification           func(n model.Notification)
	OnConnectionStatusChange func(state model.ConnectionState)
}

// DeliveryChannel is the 5-state push/poll failover machine. At most
// one transport is active at a time; the current state is the single
// authoritative transport variable.
type DeliveryChannel struct {
	logger    *slog.Logger
	transport PushTransport
	devices   directory.DeviceDirectory
	cache     *sync.DeviceCache
	callbacks Callbacks
	orgID     string

	pollInterval   time.Duration
	connectTimeout time.Duration
	stopTimeout    time.Duration

	mu    gosync.Mutex
	state model.ConnectionState

	refreshCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  gosync.Once
	started   bool

	metrics *metrics.ChannelMetrics // optional
}

// Config holds the configuration for the DeliveryChannel.
type Config struct {
	Logger *slog.Logger
	// Transport is the push transport. Nil starts the channel in
	// poll-only mode.
	Transport PushTransport
	// Devices is the poll-mode snapshot source.
	Devices directory.DeviceDirectory
	// Cache is the shared device cache; the channel keeps it current
	// and uses it as the diff baseline across transports.
	Cache *sync.DeviceCache
	// OrgID scopes poll fetches.
	OrgID          string
	Callbacks      Callbacks
	PollInterval   time.Duration
	ConnectTimeout time.Duration
	StopTimeout    time.Duration
	Metrics        *metrics.ChannelMetrics
}

// New creates a new DeliveryChannel instance.
func New(cfg *Config) (*DeliveryChannel, error) {
	if cfg == nil {
		return nil, errors.New("channel config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Devices == nil {
		return nil, errors.New("device directory cannot be nil")
	}
	if cfg.Cache == nil {
		return nil, errors.New("device cache cannot be nil")
	}
	if cfg.OrgID == "" {
		return nil, errors.New("organization id cannot be empty")
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	return &DeliveryChannel{
		logger:         cfg.Logger,
		transport:      cfg.Transport,
		devices:        cfg.Devices,
		cache:          cfg.Cache,
		callbacks:      cfg.Callbacks,
		orgID:          cfg.OrgID,
		pollInterval:   pollInterval,
		connectTimeout: connectTimeout,
		stopTimeout:    stopTimeout,
		state:          model.StateDisconnected,
		refreshCh:      make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		metrics:        cfg.Metrics,
	}, nil
}

// State returns the current transport state.
func (c *DeliveryChannel) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start launches the event loop. It returns immediately; connection
// progress is reported through OnConnectionStatusChange.
func (c *DeliveryChannel) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("delivery channel already started")
	}
	c.started = true
	c.mu.Unlock()

	go c.run()
	return nil
}

// Stop halts the active transport and waits, bounded, for the event
// loop to exit. It is idempotent and safe to call from an observer
// callback: the bounded wait cannot deadlock the caller forever.
func (c *DeliveryChannel) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.transport != nil {
			if err := c.transport.Close(); err != nil {
				c.logger.Warn("push transport close failed", "error", err)
			}
		}
	})

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		c.setState(model.StateDisconnected)
		return
	}

	select {
	case <-c.doneCh:
	case <-time.After(c.stopTimeout):
		c.logger.Warn("timed out waiting for event loop to stop")
	}
}

// Refresh asks for an immediate poll cycle without waiting for the
// next interval. The UI calls this after any write action. The request
// coalesces: at most one refresh is pending at a time.
func (c *DeliveryChannel) Refresh() {
	if c.metrics != nil {
		c.metrics.ImmediateRefresh.Inc()
	}
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// run is the single event loop. It tries push first, then settles into
// the poll loop. Only this goroutine dispatches callbacks, so events
// reach observers in the order the active transport produced them.
func (c *DeliveryChannel) run() {
	defer close(c.doneCh)
	defer c.setState(model.StateDisconnected)

	if c.transport != nil {
		c.setState(model.StateConnecting)

		ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
		err := c.transport.Connect(ctx)
		cancel()

		if err == nil {
			c.setState(model.StateConnectedPush)
			// Establish the diff baseline with one full fetch so a
			// later failover diffs against observed state, not
			// transport state.
			c.pollOnce("push_baseline")
			if done := c.runPush(); done {
				return
			}
			// Push dropped; fall through to polling.
			if c.metrics != nil {
				c.metrics.Failovers.Inc()
			}
			c.logger.Warn("push transport dropped, failing over to poll")
		} else {
			if c.metrics != nil {
				c.metrics.Failovers.Inc()
			}
			c.logger.Warn("push transport unavailable, failing over to poll",
				"error", err,
				"connect_timeout", c.connectTimeout,
			)
		}
	}

	c.setState(model.StateConnectedPoll)
	c.runPoll()
}

// runPush consumes push events until the stream closes or the channel
// stops. It returns true when the channel is shutting down.
func (c *DeliveryChannel) runPush() bool {
	events := c.transport.Events()
	for {
		select {
		case <-c.stopCh:
			return true
		case <-c.refreshCh:
			// A write just happened; reconcile immediately instead of
			// trusting the push stream to echo it promptly.
			c.pollOnce("push")
		case envelope, ok := <-events:
			if !ok {
				return false
			}
			c.handleEnvelope(envelope)
		}
	}
}

// runPoll is the fixed-interval fallback loop. A poll failure is
// logged and retried on the same fixed interval; it never stops the
// loop.
func (c *DeliveryChannel) runPoll() {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	poll := func() {
		if err := c.pollCycle(); err != nil {
			consecutiveFailures++
			if c.metrics != nil {
				c.metrics.PollFailures.Inc()
			}
			c.logger.Error("poll cycle failed",
				"error", err,
				"consecutive_failures", consecutiveFailures,
			)
			if consecutiveFailures >= failedStateThreshold {
				c.setState(model.StateFailed)
			}
			return
		}
		consecutiveFailures = 0
		c.setState(model.StateConnectedPoll)
	}

	poll()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			poll()
		case <-c.refreshCh:
			poll()
		}
	}
}

// pollOnce runs one reconcile cycle and only logs on failure; used for
// baseline and refresh-in-push-mode fetches.
func (c *DeliveryChannel) pollOnce(transport string) {
	if err := c.pollCycle(); err != nil {
		c.logger.Warn("reconcile fetch failed", "transport", transport, "error", err)
	}
}

// pollCycle fetches the full device list, diffs it against the last
// successfully observed snapshot, applies the result to the cache, and
// emits the synthesized change events.
func (c *DeliveryChannel) pollCycle() error {
	var timer *prometheus.Timer
	if c.metrics != nil {
		timer = prometheus.NewTimer(c.metrics.PollDuration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pollRequestTimeout)
	defer cancel()

	devices, err := c.devices.ListDevices(ctx, c.orgID)
	if err != nil {
		return err
	}
	if timer != nil {
		timer.ObserveDuration()
	}
	if c.metrics != nil {
		c.metrics.PollCycles.Inc()
	}

	current := sync.SnapshotFromList(devices)
	previous := c.cache.Replace(current)

	for _, event := range sync.Diff(previous, current) {
		c.emit(event, "poll")
	}
	return nil
}

// handleEnvelope folds one push event into the cache and dispatches it.
func (c *DeliveryChannel) handleEnvelope(envelope model.Envelope) {
	switch envelope.Type {
	case model.EventDeviceCreated:
		if envelope.Device == nil {
			return
		}
		event := model.ChangeEvent{Kind: model.ChangeCreated, Device: *envelope.Device}
		c.cache.Apply(event)
		c.emit(event, "push")

	case model.EventDeviceDeleted:
		if envelope.Device == nil {
			return
		}
		event := model.ChangeEvent{Kind: model.ChangeDeleted, Device: *envelope.Device}
		c.cache.Apply(event)
		c.emit(event, "push")

	case model.EventDeviceStatus:
		if envelope.Device == nil {
			return
		}
		oldStatus := envelope.OldStatus
		if prev, ok := c.cache.Get(envelope.Device.ID); ok && oldStatus == "" {
			oldStatus = prev.Status
		}
		event := model.ChangeEvent{
			Kind:      model.ChangeStatusChanged,
			Device:    *envelope.Device,
			OldStatus: oldStatus,
			NewStatus: envelope.Device.Status,
		}
		c.cache.Apply(event)
		c.emit(event, "push")

	case model.EventTelemetry:
		if envelope.Telemetry == nil {
			return
		}
		c.cache.Record(*envelope.Telemetry)
		if c.callbacks.OnTelemetry != nil {
			c.callbacks.OnTelemetry(*envelope.Telemetry)
		}

	case model.EventNotification:
		if envelope.Notification == nil {
			return
		}
		if c.callbacks.OnNotification != nil {
			c.callbacks.OnNotification(*envelope.Notification)
		}

	default:
		c.logger.Warn("unknown event envelope type", "type", envelope.Type)
	}
}

// emit dispatches one change event to the matching callback.
func (c *DeliveryChannel) emit(event model.ChangeEvent, transport string) {
	if c.metrics != nil {
		c.metrics.EventsDelivered.WithLabelValues(string(event.Kind), transport).Inc()
	}

	switch event.Kind {
	case model.ChangeCreated:
		if c.callbacks.OnDeviceCreated != nil {
			c.callbacks.OnDeviceCreated(event.Device)
		}
	case model.ChangeDeleted:
		if c.callbacks.OnDeviceDeleted != nil {
			c.callbacks.OnDeviceDeleted(event.Device)
		}
	case model.ChangeStatusChanged:
		if c.callbacks.OnDeviceStatusUpdate != nil {
			c.callbacks.OnDeviceStatusUpdate(event.Device, event.OldStatus)
		}
	}
}

// setState records a state transition and notifies the observer. The
// transition is skipped when the state is unchanged.
func (c *DeliveryChannel) setState(state model.ConnectionState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	c.logger.Info("transport state changed", "state", string(state))

	if c.metrics != nil {
		for _, s := range []model.ConnectionState{
			model.StateDisconnected,
			model.StateConnecting,
			model.StateConnectedPush,
			model.StateConnectedPoll,
			model.StateFailed,
		} {
			value := 0.0
			if s == state {
				value = 1.0
			}
			c.metrics.TransportState.WithLabelValues(string(s)).Set(value)
		}
	}

	if c.callbacks.OnConnectionStatusChange != nil {
		c.callbacks.OnConnectionStatusChange(state)
	}
}
