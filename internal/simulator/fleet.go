// Package simulator drives a synthetic device fleet against the sync
// core: it publishes device-created, telemetry, and status-change
// envelopes to the event queue so the delivery channel and rule
// evaluator can be exercised without real hardware.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"iotsync.dev/sync-core/internal/model"
	"iotsync.dev/sync-core/pkg/generator"
	"iotsync.dev/sync-core/pkg/metrics"
	"iotsync.dev/sync-core/pkg/mq"
)

// publishTimeout bounds one envelope publish including the broker
// confirm. A simulator tick is cheaper to drop than to queue behind a
// dead connection.
const publishTimeout = 2 * time.Second

// Fleet owns a set of synthetic devices and their telemetry generators.
type Fleet struct {
	client     mq.ClientInterface
	orgID      string
	devices    []model.Device
	generators map[string]*generator.TelemetryGenerator
	metrics    *metrics.SimulatorMetrics // optional
}

// NewFleet creates deviceCount synthetic devices for the organization.
func NewFleet(client mq.ClientInterface, orgID string, deviceCount int) *Fleet {
	devices := make([]model.Device, 0, deviceCount)
	generators := make(map[string]*generator.TelemetryGenerator, deviceCount)
	for range deviceCount {
		device := generator.NewDevice(orgID)
		devices = append(devices, device)
		generators[device.ID] = generator.NewTelemetryGenerator(device.ID)
	}

	return &Fleet{
		client:     client,
		orgID:      orgID,
		devices:    devices,
		generators: generators,
	}
}

// SetMetrics sets the metrics collector for this fleet. Call before the
// fleet starts publishing.
func (f *Fleet) SetMetrics(m *metrics.SimulatorMetrics) {
	f.metrics = m
	if m != nil {
		m.ActiveDevices.Set(float64(len(f.devices)))
	}
}

// Announce publishes a device-created envelope for every device in the
// fleet. Failures are returned but leave the fleet usable; the poll
// fallback will still discover the devices from the directory.
func (f *Fleet) Announce(ctx context.Context) error {
	var firstErr error
	for i := range f.devices {
		device := f.devices[i]
		err := f.publish(ctx, model.Envelope{
			Type:      model.EventDeviceCreated,
			Timestamp: time.Now(),
			Device:    &device,
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to announce device %s: %w", device.ID, err)
		}
	}
	return firstErr
}

// Tick advances the simulation by one step: every device emits a
// telemetry envelope and rolls for a status flap.
func (f *Fleet) Tick(ctx context.Context, now time.Time) error {
	var timer *prometheus.Timer
	if f.metrics != nil {
		timer = prometheus.NewTimer(f.metrics.TickDuration)
		defer timer.ObserveDuration()
	}

	var firstErr error
	for i := range f.devices {
		device := &f.devices[i]

		snapshot := f.generators[device.ID].Generate(now)
		err := f.publish(ctx, model.Envelope{
			Type:      model.EventTelemetry,
			Timestamp: now,
			Telemetry: &snapshot,
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to publish telemetry for %s: %w", device.ID, err)
		}

		if next := generator.NextStatus(device.Status); next != device.Status {
			oldStatus := device.Status
			device.Status = next
			device.UpdatedAt = now

			flapped := *device
			err := f.publish(ctx, model.Envelope{
				Type:      model.EventDeviceStatus,
				Timestamp: now,
				Device:    &flapped,
				OldStatus: oldStatus,
			})
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to publish status change for %s: %w", device.ID, err)
			}
		}
	}
	return firstErr
}

// RandomDevice returns one device from the fleet.
func (f *Fleet) RandomDevice() model.Device {
	return f.devices[rand.Intn(len(f.devices))] // #nosec G404
}

// Devices returns the current fleet state.
func (f *Fleet) Devices() []model.Device {
	out := make([]model.Device, len(f.devices))
	copy(out, f.devices)
	return out
}

// publish marshals and sends one envelope with a bounded timeout.
func (f *Fleet) publish(ctx context.Context, envelope model.Envelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		if f.metrics != nil {
			f.metrics.PublishFailures.WithLabelValues(string(envelope.Type), "marshal_error").Inc()
		}
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := f.client.Publish(pubCtx, body); err != nil {
		if f.metrics != nil {
			f.metrics.PublishFailures.WithLabelValues(string(envelope.Type), "publish_error").Inc()
		}
		return err
	}

	if f.metrics != nil {
		f.metrics.EnvelopesPublished.WithLabelValues(string(envelope.Type)).Inc()
	}
	return nil
}
