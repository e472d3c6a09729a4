// Package syncservice composes the sync core: database-backed
// directories, the notification store, the push/poll delivery channel,
// the rule evaluation path, the onboarding pipeline, and the UI-facing
// gateway, with one lifecycle around all of them.
package syncservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"iotsync.dev/sync-core/internal/channel"
	"iotsync.dev/sync-core/internal/directory"
	"iotsync.dev/sync-core/internal/gateway"
	"iotsync.dev/sync-core/internal/model"
	"iotsync.dev/sync-core/internal/notify"
	"iotsync.dev/sync-core/internal/onboarding"
	devsync "iotsync.dev/sync-core/internal/sync"
	"iotsync.dev/sync-core/pkg/metrics"
	"iotsync.dev/sync-core/pkg/mq"
)

const shutdownTimeout = 10 * time.Second

// Server wires the sync core together and runs it.
type Server struct {
	logger    *slog.Logger
	config    *ServerConfig
	db        *gorm.DB
	directory *directory.PostgresDirectory
	cache     *devsync.DeviceCache
	store     *notify.Store
	channel   *channel.DeliveryChannel
	pipeline  *onboarding.Pipeline
	consumer  *onboarding.Consumer
	gateway   *gateway.Server
	evaluator *evaluatorLoop
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Organization served by this instance. Multi-tenant deployments
	// run one sync core per organization.
	OrgID string

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPort     int

	// RabbitMQ configuration. Empty RabbitMQURL disables push entirely
	// and the channel starts in poll mode.
	RabbitMQURL       string
	EventQueueName    string
	ProgressQueueName string

	// HTTP gateway configuration
	HTTPPort int

	// Delivery channel tuning
	PollInterval   time.Duration
	ConnectTimeout time.Duration

	// Telemetry ring depth per device
	HistorySize int
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.OrgID == "" {
		return nil, errors.New("organization id cannot be empty")
	}
	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}
	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}
	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}
	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}
	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}
	if cfg.RabbitMQURL != "" && cfg.EventQueueName == "" {
		return nil, errors.New("event queue name cannot be empty when rabbitmq is configured")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts the sync core and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting sync service", "organization_id", s.config.OrgID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Database and directories
	db, err := directory.NewDB(&directory.DBConfig{
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
		Logger:   s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	dir, err := directory.NewPostgresDirectory(db, s.logger.With("component", "directory"))
	if err != nil {
		return fmt.Errorf("failed to initialize directory: %w", err)
	}
	s.directory = dir

	// Caches and store
	s.cache = devsync.NewDeviceCache(s.config.HistorySize)

	store, err := notify.NewStore(&notify.StoreConfig{
		Logger:      s.logger.With("component", "notify"),
		Persistence: dir,
		Metrics:     metrics.NewNotifyMetrics("sync_core"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize notification store: %w", err)
	}
	s.store = store

	// Rule evaluation path
	s.evaluator = newEvaluatorLoop(s.logger.With("component", "evaluator"), s.config.OrgID, dir, store)

	// Onboarding pipeline
	pipeline, err := onboarding.NewPipeline(&onboarding.PipelineConfig{
		Logger:  s.logger.With("component", "onboarding"),
		Metrics: metrics.NewPipelineMetrics("sync_core"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize onboarding pipeline: %w", err)
	}
	s.pipeline = pipeline

	// Push transport, when configured
	var transport channel.PushTransport
	mqMetrics := metrics.NewMQMetrics("sync_core")
	if s.config.RabbitMQURL != "" {
		eventClient := mq.New(s.config.EventQueueName, s.config.RabbitMQURL, s.logger.With(
			"component", "mq-client",
			"queue", s.config.EventQueueName,
		))
		eventClient.SetMetrics(mqMetrics)

		transport, err = channel.NewAMQPTransport(eventClient, s.logger.With("component", "push-transport"))
		if err != nil {
			return fmt.Errorf("failed to initialize push transport: %w", err)
		}
	}

	// Delivery channel
	deliveryChannel, err := channel.New(&channel.Config{
		Logger:         s.logger.With("component", "channel"),
		Transport:      transport,
		Devices:        dir,
		Cache:          s.cache,
		OrgID:          s.config.OrgID,
		Callbacks:      s.callbacks(),
		PollInterval:   s.config.PollInterval,
		ConnectTimeout: s.config.ConnectTimeout,
		Metrics:        metrics.NewChannelMetrics("sync_core"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize delivery channel: %w", err)
	}
	s.channel = deliveryChannel

	// Gateway
	gw, err := gateway.NewServer(&gateway.ServerConfig{
		Logger:   s.logger.With("component", "gateway"),
		HTTPPort: s.config.HTTPPort,
		OrgID:    s.config.OrgID,
		Cache:    s.cache,
		Store:    store,
		Channel:  deliveryChannel,
		Devices:  dir,
		Pipeline: pipeline,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	s.gateway = gw

	// Every notification mutation pushes the full refreshed list to
	// connected dashboards.
	store.Subscribe(s.config.OrgID, "", func(list []model.Notification) {
		gw.Hub().Broadcast("notifications", list)
	})

	// Onboarding stage-event consumer, when configured
	if s.config.RabbitMQURL != "" && s.config.ProgressQueueName != "" {
		progressClient := mq.New(s.config.ProgressQueueName, s.config.RabbitMQURL, s.logger.With(
			"component", "mq-client",
			"queue", s.config.ProgressQueueName,
		))
		progressClient.SetMetrics(mqMetrics)

		consumer, consumerErr := onboarding.NewConsumer(&onboarding.ConsumerConfig{
			Logger:   s.logger.With("component", "onboarding-consumer"),
			Pipeline: pipeline,
			MQClient: progressClient,
			OnProgress: func(p onboarding.Progress) {
				gw.Hub().Broadcast("onboarding_progress", p)
			},
		})
		if consumerErr != nil {
			return fmt.Errorf("failed to initialize onboarding consumer: %w", consumerErr)
		}
		s.consumer = consumer

		if startErr := consumer.Start(ctx); startErr != nil {
			s.logger.Warn("onboarding consumer failed to start, progress events disabled", "error", startErr)
			s.consumer = nil
		}
	}

	// Start the moving parts.
	gw.Start(s.config.HTTPPort)
	if err := deliveryChannel.Start(); err != nil {
		return fmt.Errorf("failed to start delivery channel: %w", err)
	}

	s.logger.Info("sync service started")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-gw.Err():
		if err != nil {
			s.logger.Error("gateway error", "error", err)
			cancel()
			s.shutdown()
			return err
		}
	}

	return s.shutdown()
}

// shutdown tears components down in reverse start order.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down sync service")

	var shutdownErr error

	if s.channel != nil {
		s.channel.Stop()
	}

	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			s.logger.Error("failed to stop onboarding consumer", "error", err)
			shutdownErr = joinShutdownErr(shutdownErr, fmt.Errorf("onboarding consumer shutdown error: %w", err))
		}
	}

	if s.gateway != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.gateway.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown gateway", "error", err)
			shutdownErr = joinShutdownErr(shutdownErr, err)
		}
		cancel()
	}

	if s.db != nil {
		if err := directory.CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			shutdownErr = joinShutdownErr(shutdownErr, fmt.Errorf("database close error: %w", err))
		}
	}

	if shutdownErr != nil {
		s.logger.Error("sync service shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("sync service shutdown completed successfully")
	return nil
}

func joinShutdownErr(existing, next error) error {
	if existing == nil {
		return next
	}
	return fmt.Errorf("%w; %w", existing, next)
}
