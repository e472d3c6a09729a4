package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"iotsync.dev/sync-core/internal/directory"
	"iotsync.dev/sync-core/internal/model"
)

// writeRequestTimeout bounds collaborator round trips issued from
// handlers; the caller-visible timeout required for store operations.
const writeRequestTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by the fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// statusUpdateRequest is the body of POST /api/devices/{id}/status.
type statusUpdateRequest struct {
	Status model.DeviceStatus `json:"status"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth serves the health check.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDevices returns the cached device list.
func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cache.Devices())
}

// handleDevice returns one cached device.
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	device, ok := s.cache.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, device)
}

// handleDeviceTelemetry returns the cached telemetry ring for one
// device, oldest first.
func (s *Server) handleDeviceTelemetry(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cache.History(r.PathValue("id")))
}

// handleConnectionState reports the delivery channel's transport state.
func (s *Server) handleConnectionState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"state": string(s.channel.State())})
}

// handleDeviceStatusUpdate applies an optimistic two-phase status
// update: the cache shows the new status immediately, then the device
// directory either confirms it or the tentative value is reverted.
func (s *Server) handleDeviceStatusUpdate(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid device status")
		return
	}

	if err := s.cache.StageStatus(deviceID, req.Status); err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}

	ctx, cancel := contextWithTimeout(r, writeRequestTimeout)
	defer cancel()

	device, err := s.devices.UpdateStatus(ctx, deviceID, req.Status)
	if err != nil {
		s.cache.RevertStatus(deviceID)
		s.logger.Error("device status update failed, reverted",
			"device_id", deviceID,
			"status", string(req.Status),
			"error", err,
		)
		if errors.Is(err, directory.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.writeError(w, http.StatusBadGateway, "status update failed")
		return
	}

	s.cache.ConfirmStatus(device)
	s.channel.Refresh()
	s.writeJSON(w, http.StatusOK, device)
}

// handleNotifications lists the user's notifications newest-first,
// degrading to the cache when persistence is unreachable.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, writeRequestTimeout)
	defer cancel()

	userID := r.URL.Query().Get("user")
	s.writeJSON(w, http.StatusOK, s.store.List(ctx, s.orgID, userID))
}

// handleUnreadCount serves the badge count.
func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	s.writeJSON(w, http.StatusOK, map[string]int{"unread": s.store.UnreadCount(s.orgID, userID)})
}

// handleMarkRead flags one notification as read. A persistence failure
// propagates so the client can retry.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, writeRequestTimeout)
	defer cancel()

	id := r.PathValue("id")
	if err := s.store.MarkRead(ctx, id); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		s.logger.Error("mark read failed", "notification_id", id, "error", err)
		s.writeError(w, http.StatusBadGateway, "mark read failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMarkAllRead flags all of a user's notifications as read.
func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, writeRequestTimeout)
	defer cancel()

	userID := r.URL.Query().Get("user")
	if err := s.store.MarkAllRead(ctx, s.orgID, userID); err != nil {
		s.logger.Error("mark all read failed", "user_id", userID, "error", err)
		s.writeError(w, http.StatusBadGateway, "mark all read failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRefresh triggers an immediate poll cycle so the UI does not
// wait out the poll interval after a write.
func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	s.channel.Refresh()
	w.WriteHeader(http.StatusAccepted)
}

// handleWebsocket upgrades the connection and attaches it to the hub.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	newClient(s.hub, conn, s.logger.With("component", "ws-client"))
}

// contextWithTimeout derives a bounded context from the request.
func contextWithTimeout(r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), timeout)
}
