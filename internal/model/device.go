// Package model holds the domain types shared across the sync core:
// devices, telemetry snapshots, rules, notifications, and the change
// events exchanged between the delivery channel and its observers.
package model

import (
	"time"
)

// DeviceStatus is the lifecycle status of a device as reported by the
// device directory or synthesized from telemetry.
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "ONLINE"
	StatusOffline DeviceStatus = "OFFLINE"
	StatusWarning DeviceStatus = "WARNING"
	StatusError   DeviceStatus = "ERROR"
)

// Valid reports whether s is one of the known status values.
func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusWarning, StatusError:
		return true
	}
	return false
}

// Device is the core's cached, non-authoritative copy of a device record.
// The device directory owns the authoritative row; the sync core only
// mirrors the fields it needs for diffing and display.
type Device struct {
	ID             string       `gorm:"primaryKey" json:"id"`
	Name           string       `gorm:"not null" json:"name"`
	Type           string       `json:"type"`
	Status         DeviceStatus `gorm:"index:idx_devices_status" json:"status"`
	Location       string       `json:"location"`
	Protocol       string       `json:"protocol"`
	OrganizationID string       `gorm:"index:idx_devices_org;not null" json:"organization_id"`
	UpdatedAt      time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
	CreatedAt      time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for the Device model.
func (Device) TableName() string {
	return "devices"
}

// TelemetrySnapshot is an immutable point-in-time reading for one device.
// The core never persists snapshots; they live in a bounded ring buffer
// per device and are discarded once displaced.
type TelemetrySnapshot struct {
	DeviceID  string             `json:"device_id"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

// Clone returns a deep copy of the snapshot so callers can hold it
// across cache mutations without torn reads.
func (t TelemetrySnapshot) Clone() TelemetrySnapshot {
	metrics := make(map[string]float64, len(t.Metrics))
	for k, v := range t.Metrics {
		metrics[k] = v
	}
	return TelemetrySnapshot{
		DeviceID:  t.DeviceID,
		Timestamp: t.Timestamp,
		Metrics:   metrics,
	}
}
