package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"iotsync.dev/sync-core/internal/channel"
	"iotsync.dev/sync-core/internal/directory"
	"iotsync.dev/sync-core/internal/notify"
	"iotsync.dev/sync-core/internal/onboarding"
	"iotsync.dev/sync-core/internal/sync"
	"iotsync.dev/sync-core/pkg/metrics"
)

// Server is the UI-facing HTTP and websocket surface over the cached
// state. Writes go through the collaborators; reads come from the
// caches so the dashboard renders before the first push event arrives.
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	hub        *Hub
	cache      *sync.DeviceCache
	store      *notify.Store
	channel    *channel.DeliveryChannel
	devices    directory.DeviceDirectory
	pipeline   *onboarding.Pipeline
	orgID      string
	errCh      chan error
}

// ServerConfig holds the configuration for the gateway Server.
type ServerConfig struct {
	Logger   *slog.Logger
	HTTPPort int
	OrgID    string
	Cache    *sync.DeviceCache
	Store    *notify.Store
	Channel  *channel.DeliveryChannel
	Devices  directory.DeviceDirectory
	Pipeline *onboarding.Pipeline
}

// NewServer creates a new gateway Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}
	if cfg.OrgID == "" {
		return nil, errors.New("organization id cannot be empty")
	}
	if cfg.Cache == nil {
		return nil, errors.New("device cache cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("notification store cannot be nil")
	}
	if cfg.Channel == nil {
		return nil, errors.New("delivery channel cannot be nil")
	}
	if cfg.Devices == nil {
		return nil, errors.New("device directory cannot be nil")
	}

	return &Server{
		logger:   cfg.Logger,
		hub:      NewHub(cfg.Logger.With("component", "ws-hub")),
		cache:    cfg.Cache,
		store:    cfg.Store,
		channel:  cfg.Channel,
		devices:  cfg.Devices,
		pipeline: cfg.Pipeline,
		orgID:    cfg.OrgID,
		errCh:    make(chan error, 1),
	}, nil
}

// Hub returns the websocket hub so the composition layer can wire the
// delivery channel and store callbacks into broadcasts.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start launches the hub and the HTTP listener. It returns
// immediately; listener failures surface on Err.
func (s *Server) Start(port int) {
	go s.hub.Run()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(s.errCh)
	}()
}

// Err reports a fatal listener error.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// Shutdown gracefully stops the HTTP server and the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()

	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("stopping HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Health check and metrics
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	// Cached state queries
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/devices/{id}", s.handleDevice)
	mux.HandleFunc("GET /api/devices/{id}/telemetry", s.handleDeviceTelemetry)
	mux.HandleFunc("GET /api/connection", s.handleConnectionState)

	// Device writes
	mux.HandleFunc("POST /api/devices/{id}/status", s.handleDeviceStatusUpdate)

	// Notifications
	mux.HandleFunc("GET /api/notifications", s.handleNotifications)
	mux.HandleFunc("GET /api/notifications/unread-count", s.handleUnreadCount)
	mux.HandleFunc("POST /api/notifications/{id}/read", s.handleMarkRead)
	mux.HandleFunc("POST /api/notifications/read-all", s.handleMarkAllRead)

	// Immediate refresh after UI writes
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)

	// Event stream
	mux.HandleFunc("GET /ws", s.handleWebsocket)

	return mux
}
