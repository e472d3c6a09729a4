// Package sync owns the core's cached view of device state: the pure
// snapshot diff that turns two device maps into granular change events,
// and the in-memory device cache with its bounded telemetry history.
package sync

import (
	"sort"

	"iotsync.dev/sync-core/internal/model"
)

// Diff compares two device snapshots keyed by device id and returns the
// granular change events between them. It is a pure function: same
// inputs, same output, no side effects. Devices present in both maps
// with identical status and updated-at produce no event, which is what
// keeps poll cycles from turning into notification storms.
func Diff(previous, current map[string]model.Device) []model.ChangeEvent {
	var events []model.ChangeEvent

	ids := make([]string, 0, len(current))
	for id := range current {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		device := current[id]
		prev, existed := previous[id]
		if !existed {
			events = append(events, model.ChangeEvent{
				Kind:   model.ChangeCreated,
				Device: device,
			})
			continue
		}
		if prev.Status != device.Status || !prev.UpdatedAt.Equal(device.UpdatedAt) {
			events = append(events, model.ChangeEvent{
				Kind:      model.ChangeStatusChanged,
				Device:    device,
				OldStatus: prev.Status,
				NewStatus: device.Status,
			})
		}
	}

	removed := make([]string, 0)
	for id := range previous {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		events = append(events, model.ChangeEvent{
			Kind:   model.ChangeDeleted,
			Device: previous[id],
		})
	}

	return events
}

// SnapshotFromList converts a device list into the map form Diff
// expects.
func SnapshotFromList(devices []model.Device) map[string]model.Device {
	snapshot := make(map[string]model.Device, len(devices))
	for _, d := range devices {
		snapshot[d.ID] = d
	}
	return snapshot
}
