// Package directory defines the sync core's external collaborators —
// the device directory, rule directory, and notification persistence —
// and provides their PostgreSQL implementations. The core treats these
// as request/response services; it never owns their data.
package directory

import (
	"context"
	"time"

	"iotsync.dev/sync-core/internal/model"
)

// DeviceDirectory is the authoritative source of device records.
type DeviceDirectory interface {
	// ListDevices returns all devices owned by an organization.
	ListDevices(ctx context.Context, orgID string) ([]model.Device, error)
	// GetDevice returns a single device by id.
	GetDevice(ctx context.Context, id string) (model.Device, error)
	// UpdateStatus persists a status change and returns the updated
	// record.
	UpdateStatus(ctx context.Context, id string, status model.DeviceStatus) (model.Device, error)
}

// RuleDirectory serves the active monitoring rules evaluated by the
// core.
type RuleDirectory interface {
	// ListActiveRules returns active rules scoped to a device plus the
	// organization-wide rules of its owner.
	ListActiveRules(ctx context.Context, orgID, deviceID string) ([]model.Rule, error)
	// MarkTriggered records the last-triggered timestamp after a
	// confirmed firing.
	MarkTriggered(ctx context.Context, ruleID string, at time.Time) error
}

// NotificationPersistence is the remote backing store behind the
// in-memory notification cache.
type NotificationPersistence interface {
	// Fetch returns an organization's notifications visible to a user
	// (their own plus broadcasts), newest first.
	Fetch(ctx context.Context, orgID, userID string) ([]model.Notification, error)
	// Persist stores a new notification or updates the read flag of an
	// existing one.
	Persist(ctx context.Context, n model.Notification) error
	// MarkRead flags one notification as read.
	MarkRead(ctx context.Context, id string) error
}
