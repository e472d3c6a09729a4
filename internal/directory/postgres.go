package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"iotsync.dev/sync-core/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// PostgresDirectory implements the three collaborator interfaces on top
// of a shared GORM connection.
type PostgresDirectory struct {
	logger *slog.Logger
	db     *gorm.DB
}

// Interface checks.
var (
	_ DeviceDirectory         = (*PostgresDirectory)(nil)
	_ RuleDirectory           = (*PostgresDirectory)(nil)
	_ NotificationPersistence = (*PostgresDirectory)(nil)
)

// NewPostgresDirectory creates a directory backed by an open GORM
// connection.
func NewPostgresDirectory(db *gorm.DB, logger *slog.Logger) (*PostgresDirectory, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &PostgresDirectory{logger: logger, db: db}, nil
}

// ListDevices returns all devices owned by an organization.
func (d *PostgresDirectory) ListDevices(ctx context.Context, orgID string) ([]model.Device, error) {
	var devices []model.Device
	err := d.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("created_at").
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// GetDevice returns a single device by id.
func (d *PostgresDirectory) GetDevice(ctx context.Context, id string) (model.Device, error) {
	var device model.Device
	err := d.db.WithContext(ctx).First(&device, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Device{}, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Device{}, fmt.Errorf("failed to get device: %w", err)
	}
	return device, nil
}

// UpdateStatus persists a status change and returns the updated record.
func (d *PostgresDirectory) UpdateStatus(ctx context.Context, id string, status model.DeviceStatus) (model.Device, error) {
	if !status.Valid() {
		return model.Device{}, fmt.Errorf("invalid device status %q", status)
	}

	tx := d.db.WithContext(ctx).Model(&model.Device{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	if tx.Error != nil {
		return model.Device{}, fmt.Errorf("failed to update device status: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return model.Device{}, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}

	return d.GetDevice(ctx, id)
}

// ListActiveRules returns active rules scoped to a device plus the
// organization-wide rules of its owner.
func (d *PostgresDirectory) ListActiveRules(ctx context.Context, orgID, deviceID string) ([]model.Rule, error) {
	var rules []model.Rule
	err := d.db.WithContext(ctx).
		Preload("Conditions", func(db *gorm.DB) *gorm.DB {
			return db.Order("position")
		}).
		Preload("Actions").
		Where("organization_id = ? AND active = ? AND (device_id = ? OR device_id = '')", orgID, true, deviceID).
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}
	return rules, nil
}

// MarkTriggered records the last-triggered timestamp after a confirmed
// firing.
func (d *PostgresDirectory) MarkTriggered(ctx context.Context, ruleID string, at time.Time) error {
	tx := d.db.WithContext(ctx).Model(&model.Rule{}).
		Where("id = ?", ruleID).
		Update("last_triggered", at.UTC())
	if tx.Error != nil {
		return fmt.Errorf("failed to mark rule triggered: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	return nil
}

// Fetch returns an organization's notifications visible to a user,
// newest first. Broadcast notifications (empty user id) are included.
func (d *PostgresDirectory) Fetch(ctx context.Context, orgID, userID string) ([]model.Notification, error) {
	var notifications []model.Notification
	err := d.db.WithContext(ctx).
		Where("organization_id = ? AND (user_id = ? OR user_id = '')", orgID, userID).
		Order("created_at DESC").
		Find(&notifications).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notifications: %w", err)
	}
	return notifications, nil
}

// Persist stores a new notification, or merges the read flag when the
// identity already exists. Read never regresses from true to false.
func (d *PostgresDirectory) Persist(ctx context.Context, n model.Notification) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Notification
		err := tx.First(&existing, "id = ?", n.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if createErr := tx.Create(&n).Error; createErr != nil {
				return fmt.Errorf("failed to create notification: %w", createErr)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up notification: %w", err)
		}
		if n.Read && !existing.Read {
			if updErr := tx.Model(&model.Notification{}).Where("id = ?", n.ID).Update("read", true).Error; updErr != nil {
				return fmt.Errorf("failed to merge read flag: %w", updErr)
			}
		}
		return nil
	})
}

// MarkRead flags one notification as read.
func (d *PostgresDirectory) MarkRead(ctx context.Context, id string) error {
	tx := d.db.WithContext(ctx).Model(&model.Notification{}).
		Where("id = ?", id).
		Update("read", true)
	if tx.Error != nil {
		return fmt.Errorf("failed to mark notification read: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}
