package model

import (
	"encoding/json"
	"time"
)

// NotificationCategory classifies a notification for filtering and
// display. The set is closed; anything outside it is CUSTOM.
type NotificationCategory string

const (
	CategorySecurityAlert        NotificationCategory = "SECURITY_ALERT"
	CategorySafetyAlert          NotificationCategory = "SAFETY_ALERT"
	CategoryPerformanceAlert     NotificationCategory = "PERFORMANCE_ALERT"
	CategoryDeviceOffline        NotificationCategory = "DEVICE_OFFLINE"
	CategoryMaintenanceDue       NotificationCategory = "MAINTENANCE_DUE"
	CategoryMaintenanceOverdue   NotificationCategory = "MAINTENANCE_OVERDUE"
	CategoryDeviceCreated        NotificationCategory = "DEVICE_CREATED"
	CategoryDeviceUpdated        NotificationCategory = "DEVICE_UPDATED"
	CategoryDeviceDeleted        NotificationCategory = "DEVICE_DELETED"
	CategoryRuleCreated          NotificationCategory = "RULE_CREATED"
	CategoryRuleTriggered        NotificationCategory = "RULE_TRIGGERED"
	CategoryTemperatureAlert     NotificationCategory = "TEMPERATURE_ALERT"
	CategoryBatteryLow           NotificationCategory = "BATTERY_LOW"
	CategorySystemUpdate         NotificationCategory = "SYSTEM_UPDATE"
	CategoryCustom               NotificationCategory = "CUSTOM"
)

// Valid reports whether c is one of the known categories.
func (c NotificationCategory) Valid() bool {
	switch c {
	case CategorySecurityAlert, CategorySafetyAlert, CategoryPerformanceAlert,
		CategoryDeviceOffline, CategoryMaintenanceDue, CategoryMaintenanceOverdue,
		CategoryDeviceCreated, CategoryDeviceUpdated, CategoryDeviceDeleted,
		CategoryRuleCreated, CategoryRuleTriggered, CategoryTemperatureAlert,
		CategoryBatteryLow, CategorySystemUpdate, CategoryCustom:
		return true
	}
	return false
}

// Notification is a single delivery to an organization's users. Identity
// is globally unique; once created the record is immutable except for
// the Read flag. UserID is empty for an organization-wide broadcast.
type Notification struct {
	ID             string               `gorm:"primaryKey" json:"id"`
	OrganizationID string               `gorm:"index:idx_notifications_org;not null" json:"organization_id"`
	UserID         string               `gorm:"index:idx_notifications_user" json:"user_id,omitempty"`
	Category       NotificationCategory `gorm:"not null" json:"category"`
	Title          string               `gorm:"not null" json:"title"`
	Message        string               `gorm:"not null" json:"message"`
	Read           bool                 `gorm:"not null;default:false" json:"read"`
	DeviceID       string               `gorm:"index:idx_notifications_device" json:"device_id,omitempty"`
	RuleID         string               `json:"rule_id,omitempty"`
	Details        json.RawMessage      `gorm:"type:jsonb" json:"details,omitempty"`
	CreatedAt      time.Time            `gorm:"index:idx_notifications_created;autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for the Notification model.
func (Notification) TableName() string {
	return "notifications"
}
