package syncservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"iotsync.dev/sync-core/internal/channel"
	"iotsync.dev/sync-core/internal/directory"
	"iotsync.dev/sync-core/internal/model"
	"iotsync.dev/sync-core/internal/notify"
	"iotsync.dev/sync-core/internal/rules"
)

// eventHandleTimeout bounds the collaborator round trips made from an
// event callback. Callbacks run on the delivery channel's event loop,
// so a hung collaborator would otherwise stall all event delivery.
const eventHandleTimeout = 5 * time.Second

// callbacks builds the delivery channel callback set: every event is
// broadcast to connected dashboards, status drops raise notifications,
// and telemetry feeds the rule evaluator. The closures read s.gateway
// and s.evaluator lazily; both are set before the channel starts.
func (s *Server) callbacks() channel.Callbacks {
	return channel.Callbacks{
		OnDeviceCreated: func(device model.Device) {
			s.gateway.Hub().Broadcast("device_created", device)
		},
		OnDeviceDeleted: func(device model.Device) {
			s.gateway.Hub().Broadcast("device_deleted", device)
		},
		OnDeviceStatusUpdate: func(device model.Device, oldStatus model.DeviceStatus) {
			s.gateway.Hub().Broadcast("device_status", device)
			if device.Status == model.StatusOffline && oldStatus != model.StatusOffline {
				s.notifyDeviceOffline(device)
			}
		},
		OnTelemetry: func(snapshot model.TelemetrySnapshot) {
			s.gateway.Hub().Broadcast("telemetry", snapshot)
			s.evaluator.handleTelemetry(snapshot)
		},
		OnNotification: func(n model.Notification) {
			ctx, cancel := context.WithTimeout(context.Background(), eventHandleTimeout)
			defer cancel()
			if err := s.store.Upsert(ctx, n); err != nil {
				s.logger.Error("failed to store pushed notification",
					"notification_id", n.ID,
					"error", err,
				)
			}
		},
		OnConnectionStatusChange: func(state model.ConnectionState) {
			s.gateway.Hub().Broadcast("connection_state", map[string]string{"state": string(state)})
		},
	}
}

// notifyDeviceOffline raises an organization-wide notification for a
// device that just dropped offline.
func (s *Server) notifyDeviceOffline(device model.Device) {
	ctx, cancel := context.WithTimeout(context.Background(), eventHandleTimeout)
	defer cancel()

	err := s.store.Upsert(ctx, model.Notification{
		ID:             uuid.NewString(),
		OrganizationID: device.OrganizationID,
		Category:       model.CategoryDeviceOffline,
		Title:          "Device offline",
		Message:        fmt.Sprintf("Device %s went offline", device.Name),
		DeviceID:       device.ID,
	})
	if err != nil {
		s.logger.Error("failed to store offline notification",
			"device_id", device.ID,
			"error", err,
		)
	}
}

// evaluatorLoop runs rule evaluation for every telemetry snapshot and
// turns confirmed firings into notifications.
type evaluatorLoop struct {
	logger *slog.Logger
	orgID  string
	rules  directory.RuleDirectory
	store  *notify.Store
}

func newEvaluatorLoop(logger *slog.Logger, orgID string, ruleDir directory.RuleDirectory, store *notify.Store) *evaluatorLoop {
	return &evaluatorLoop{
		logger: logger,
		orgID:  orgID,
		rules:  ruleDir,
		store:  store,
	}
}

// handleTelemetry evaluates the snapshot against the device's active
// rules. Misconfigured rules are logged and skipped without blocking
// the healthy ones; each firing marks the rule triggered and raises a
// notification carrying the matched conditions.
func (e *evaluatorLoop) handleTelemetry(snapshot model.TelemetrySnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), eventHandleTimeout)
	defer cancel()

	activeRules, err := e.rules.ListActiveRules(ctx, e.orgID, snapshot.DeviceID)
	if err != nil {
		e.logger.Error("failed to list active rules",
			"device_id", snapshot.DeviceID,
			"error", err,
		)
		return
	}

	firings, evalErrs := rules.Evaluate(snapshot.DeviceID, snapshot, activeRules)
	for _, evalErr := range evalErrs {
		e.logger.Warn("rule misconfigured, skipped",
			"rule_id", evalErr.RuleID,
			"error", evalErr.Err,
		)
	}

	for _, firing := range firings {
		if err := e.rules.MarkTriggered(ctx, firing.RuleID, firing.Timestamp); err != nil {
			e.logger.Error("failed to record rule trigger",
				"rule_id", firing.RuleID,
				"error", err,
			)
		}

		details, err := json.Marshal(firing.Matched)
		if err != nil {
			details = nil
		}
		err = e.store.Upsert(ctx, model.Notification{
			ID:             uuid.NewString(),
			OrganizationID: e.orgID,
			Category:       model.CategoryRuleTriggered,
			Title:          firing.RuleName,
			Message:        fmt.Sprintf("Rule %q fired for device %s", firing.RuleName, firing.DeviceID),
			DeviceID:       firing.DeviceID,
			RuleID:         firing.RuleID,
			Details:        details,
		})
		if err != nil {
			e.logger.Error("failed to store rule notification",
				"rule_id", firing.RuleID,
				"error", err,
			)
		}
	}
}
