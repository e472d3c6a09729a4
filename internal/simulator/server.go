package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"iotsync.dev/sync-core/internal/onboarding"
	"iotsync.dev/sync-core/pkg/metrics"
	"iotsync.dev/sync-core/pkg/mq"
)

// ServerConfig holds the configuration for the simulator server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// RabbitMQURL is the connection string for RabbitMQ
	RabbitMQURL string
	// EventQueueName is the queue for device and telemetry envelopes
	EventQueueName string
	// ProgressQueueName is the queue for onboarding stage events; empty
	// disables onboarding simulation
	ProgressQueueName string
	// OrgID is the organization owning the simulated fleet
	OrgID string
	// DeviceCount is the fleet size per worker
	DeviceCount int
	// WorkerCount is the number of concurrent fleet workers
	WorkerCount int
	// Interval is the time between simulation ticks
	Interval time.Duration
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.SimulatorMetrics
	// MQMetrics is the optional Prometheus metrics collector for MQ
	// operations
	MQMetrics *metrics.MQMetrics
}

// Server manages the fleet workers.
type Server struct {
	logger          *slog.Logger
	config          *ServerConfig
	fleets          []*Fleet
	clients         []*mq.Client
	progressClients []*mq.Client
	wg              sync.WaitGroup
}

var (
	errInvalidWorkerCount = errors.New("worker count must be greater than 0")
	errInvalidDeviceCount = errors.New("device count must be greater than 0")
	errInvalidInterval    = errors.New("interval must be greater than 0")
	errLoggerRequired     = errors.New("logger is required")
	errOrgRequired        = errors.New("organization id is required")
)

// NewServer creates a new simulator server with the given configuration.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}
	if cfg.OrgID == "" {
		return nil, errOrgRequired
	}
	if cfg.WorkerCount <= 0 {
		return nil, errInvalidWorkerCount
	}
	if cfg.DeviceCount <= 0 {
		return nil, errInvalidDeviceCount
	}
	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	s := &Server{
		logger:  cfg.Logger,
		config:  cfg,
		fleets:  make([]*Fleet, 0, cfg.WorkerCount),
		clients: make([]*mq.Client, 0, cfg.WorkerCount),
	}

	for i := 0; i < cfg.WorkerCount; i++ {
		client := mq.New(cfg.EventQueueName, cfg.RabbitMQURL, cfg.Logger.With(
			slog.String("component", "mq-client"),
			slog.Int("worker_id", i),
		))
		if cfg.MQMetrics != nil {
			client.SetMetrics(cfg.MQMetrics)
		}

		fleet := NewFleet(client, cfg.OrgID, cfg.DeviceCount)
		if cfg.Metrics != nil {
			fleet.SetMetrics(cfg.Metrics)
		}

		s.clients = append(s.clients, client)
		s.fleets = append(s.fleets, fleet)

		if cfg.ProgressQueueName != "" {
			progressClient := mq.New(cfg.ProgressQueueName, cfg.RabbitMQURL, cfg.Logger.With(
				slog.String("component", "progress-mq-client"),
				slog.Int("worker_id", i),
			))
			if cfg.MQMetrics != nil {
				progressClient.SetMetrics(cfg.MQMetrics)
			}
			s.progressClients = append(s.progressClients, progressClient)
		}

		s.logger.Info("created fleet worker",
			"worker_id", i,
			"event_queue", cfg.EventQueueName,
			"device_count", cfg.DeviceCount,
		)
	}

	return s, nil
}

// Run starts all workers and blocks until a shutdown signal is
// received.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	for i, fleet := range s.fleets {
		s.wg.Add(1)
		go s.runWorker(ctx, i, fleet)

		if i < len(s.progressClients) {
			s.wg.Add(1)
			go s.runOnboardingWalker(ctx, i, fleet, s.progressClients[i])
		}
	}

	s.logger.Info("simulator started",
		"worker_count", len(s.fleets),
		"interval", s.config.Interval,
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	s.logger.Info("waiting for workers to shut down...")
	s.wg.Wait()

	s.logger.Info("closing MQ clients...")
	s.closeClients()

	s.logger.Info("simulator stopped")
	return nil
}

// runWorker announces the fleet and then ticks it on the configured
// interval. A tick failure is logged and the worker keeps going; the
// MQ client reconnects in the background.
func (s *Server) runWorker(ctx context.Context, id int, fleet *Fleet) {
	defer s.wg.Done()

	workerLogger := s.logger.With(slog.Int("worker_id", id))
	workerLogger.Info("fleet worker started")

	if err := fleet.Announce(ctx); err != nil {
		workerLogger.Error("failed to announce fleet", "error", err)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			workerLogger.Info("fleet worker shutting down")
			return

		case now := <-ticker.C:
			if err := fleet.Tick(ctx, now); err != nil {
				workerLogger.Error("simulation tick failed", "error", err)
				continue
			}
			workerLogger.Debug("simulation tick published")
		}
	}
}

// runOnboardingWalker walks each fleet device through the onboarding
// stages on the progress queue, one stage event per interval, with a
// small chance of a retryable failure per stage.
func (s *Server) runOnboardingWalker(ctx context.Context, id int, fleet *Fleet, client *mq.Client) {
	defer s.wg.Done()

	walkerLogger := s.logger.With(slog.Int("worker_id", id), slog.String("component", "onboarding-walker"))
	walkerLogger.Info("onboarding walker started")

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	devices := fleet.Devices()
	deviceIdx := 0
	stageIdx := 0

	for {
		select {
		case <-ctx.Done():
			walkerLogger.Info("onboarding walker shutting down")
			return

		case <-ticker.C:
			if deviceIdx >= len(devices) {
				// Every device onboarded; nothing left to walk.
				continue
			}
			device := devices[deviceIdx]
			stage := onboarding.Stages[stageIdx]

			event := onboarding.StageEvent{
				DeviceID: device.ID,
				Stage:    stage,
				Percent:  100,
				Message:  string(stage) + " finished",
			}
			// 3% chance of a retryable failure per stage.
			if rand.Float64() < 0.03 { // #nosec G404
				event.Error = "transient processing error"
				event.Retryable = true
			}

			if err := s.publishStageEvent(ctx, client, event); err != nil {
				walkerLogger.Error("failed to publish stage event",
					"device_id", device.ID,
					"stage", string(stage),
					"error", err,
				)
				continue
			}

			if event.Error != "" {
				// A failed job halts; move to the next device.
				deviceIdx++
				stageIdx = 0
				continue
			}
			stageIdx++
			if stageIdx >= len(onboarding.Stages) {
				deviceIdx++
				stageIdx = 0
			}
		}
	}
}

// publishStageEvent marshals and sends one stage event.
func (s *Server) publishStageEvent(ctx context.Context, client *mq.Client, event onboarding.StageEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return client.Publish(pubCtx, body)
}

// closeClients closes all MQ clients gracefully.
func (s *Server) closeClients() {
	var wg sync.WaitGroup

	closeClient := func(id int, c *mq.Client, label string) {
		defer wg.Done()
		if err := c.Close(); err != nil {
			s.logger.Error("failed to close MQ client",
				"worker_id", id,
				"client", label,
				"error", err,
			)
			return
		}
		s.logger.Info("MQ client closed", "worker_id", id, "client", label)
	}

	for i, client := range s.clients {
		wg.Add(1)
		go closeClient(i, client, "events")
	}
	for i, client := range s.progressClients {
		wg.Add(1)
		go closeClient(i, client, "progress")
	}

	wg.Wait()
}
