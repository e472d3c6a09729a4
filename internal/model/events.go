package model

import "time"

// ChangeKind discriminates the events produced by the snapshot diff.
type ChangeKind string

const (
	ChangeCreated       ChangeKind = "created"
	ChangeDeleted       ChangeKind = "deleted"
	ChangeStatusChanged ChangeKind = "status_changed"
)

// ChangeEvent is one granular device-state change, either received from
// the push transport or synthesized by diffing two poll snapshots.
type ChangeEvent struct {
	Kind      ChangeKind   `json:"kind"`
	Device    Device       `json:"device"`
	OldStatus DeviceStatus `json:"old_status,omitempty"`
	NewStatus DeviceStatus `json:"new_status,omitempty"`
}

// ConnectionState is the delivery channel's transport state.
type ConnectionState string

const (
	StateDisconnected  ConnectionState = "DISCONNECTED"
	StateConnecting    ConnectionState = "CONNECTING"
	StateConnectedPush ConnectionState = "CONNECTED_PUSH"
	StateConnectedPoll ConnectionState = "CONNECTED_POLL"
	StateFailed        ConnectionState = "FAILED"
)

// EventType tags the JSON envelope carried by the push transport.
type EventType string

const (
	EventDeviceCreated EventType = "device_created"
	EventDeviceDeleted EventType = "device_deleted"
	EventDeviceStatus  EventType = "device_status"
	EventTelemetry     EventType = "telemetry"
	EventNotification  EventType = "notification"
)

// Envelope is the wire format for push-transport messages. Exactly one
// payload field is set, selected by Type.
type Envelope struct {
	Type         EventType          `json:"type"`
	Timestamp    time.Time          `json:"timestamp"`
	Device       *Device            `json:"device,omitempty"`
	OldStatus    DeviceStatus       `json:"old_status,omitempty"`
	Telemetry    *TelemetrySnapshot `json:"telemetry,omitempty"`
	Notification *Notification      `json:"notification,omitempty"`
}
