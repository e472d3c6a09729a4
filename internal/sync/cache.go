package sync

import (
	"errors"
	"sync"

	"iotsync.dev/sync-core/internal/model"
)

// DefaultHistorySize is the telemetry ring-buffer depth per device.
const DefaultHistorySize = 50

var errUnknownDevice = errors.New("device not in cache")

// DeviceCache is the core's owned in-memory copy of device state plus a
// bounded ring of recent telemetry per device. Only the cache mutates
// its own maps; callers read through accessors that return copies, so a
// concurrent poll cycle can never hand out torn state.
type DeviceCache struct {
	mu          sync.RWMutex
	devices     map[string]model.Device
	history     map[string][]model.TelemetrySnapshot
	staged      map[string]model.DeviceStatus // pre-confirmation status by device id
	historySize int
}

// NewDeviceCache creates an empty cache. historySize <= 0 selects
// DefaultHistorySize.
func NewDeviceCache(historySize int) *DeviceCache {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &DeviceCache{
		devices:     make(map[string]model.Device),
		history:     make(map[string][]model.TelemetrySnapshot),
		staged:      make(map[string]model.DeviceStatus),
		historySize: historySize,
	}
}

// Replace swaps the full device snapshot, returning the previous one.
// The delivery channel uses the returned map as the diff baseline.
func (c *DeviceCache) Replace(devices map[string]model.Device) map[string]model.Device {
	c.mu.Lock()
	defer c.mu.Unlock()

	previous := c.devices
	next := make(map[string]model.Device, len(devices))
	for id, d := range devices {
		next[id] = d
	}
	c.devices = next

	for id := range c.history {
		if _, ok := next[id]; !ok {
			delete(c.history, id)
		}
	}
	return previous
}

// Apply folds one change event into the cache.
func (c *DeviceCache) Apply(event model.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch event.Kind {
	case model.ChangeCreated, model.ChangeStatusChanged:
		c.devices[event.Device.ID] = event.Device
	case model.ChangeDeleted:
		delete(c.devices, event.Device.ID)
		delete(c.history, event.Device.ID)
		delete(c.staged, event.Device.ID)
	}
}

// Record appends a telemetry snapshot to the device's ring buffer,
// evicting the oldest entry once the buffer is full.
func (c *DeviceCache) Record(snapshot model.TelemetrySnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ring := c.history[snapshot.DeviceID]
	ring = append(ring, snapshot.Clone())
	if len(ring) > c.historySize {
		ring = ring[len(ring)-c.historySize:]
	}
	c.history[snapshot.DeviceID] = ring
}

// Devices returns a copy of the current device list.
func (c *DeviceCache) Devices() []model.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	return out
}

// Snapshot returns a copy of the device map keyed by id.
func (c *DeviceCache) Snapshot() map[string]model.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]model.Device, len(c.devices))
	for id, d := range c.devices {
		out[id] = d
	}
	return out
}

// Get returns one device by id.
func (c *DeviceCache) Get(id string) (model.Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.devices[id]
	return d, ok
}

// History returns a copy of the telemetry ring for a device, oldest
// first.
func (c *DeviceCache) History(deviceID string) []model.TelemetrySnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ring := c.history[deviceID]
	out := make([]model.TelemetrySnapshot, 0, len(ring))
	for _, s := range ring {
		out = append(out, s.Clone())
	}
	return out
}

// Latest returns the most recent telemetry snapshot for a device.
func (c *DeviceCache) Latest(deviceID string) (model.TelemetrySnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ring := c.history[deviceID]
	if len(ring) == 0 {
		return model.TelemetrySnapshot{}, false
	}
	return ring[len(ring)-1].Clone(), true
}

// StageStatus applies a tentative status change ahead of server
// confirmation. The previous status is remembered so Revert can restore
// it if the write fails. A second stage for the same device keeps the
// original pre-stage status as the revert point.
func (c *DeviceCache) StageStatus(deviceID string, status model.DeviceStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	device, ok := c.devices[deviceID]
	if !ok {
		return errUnknownDevice
	}
	if _, already := c.staged[deviceID]; !already {
		c.staged[deviceID] = device.Status
	}
	device.Status = status
	c.devices[deviceID] = device
	return nil
}

// ConfirmStatus finalizes a staged status change with the
// server-confirmed device record.
func (c *DeviceCache) ConfirmStatus(device model.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.staged, device.ID)
	c.devices[device.ID] = device
}

// RevertStatus rolls a staged change back to the pre-stage status. It is
// a no-op when nothing is staged for the device.
func (c *DeviceCache) RevertStatus(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	original, ok := c.staged[deviceID]
	if !ok {
		return
	}
	delete(c.staged, deviceID)
	if device, exists := c.devices[deviceID]; exists {
		device.Status = original
		c.devices[deviceID] = device
	}
}
