package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"iotsync.dev/sync-core/internal/syncservice"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the sync core",
	Long: `Run the sync core that:
- Consumes device-state and telemetry events from RabbitMQ, falling back
  to directory polling when push is unavailable
- Evaluates monitoring rules against telemetry
- Maintains the notification cache over PostgreSQL
- Tracks onboarding pipeline progress
- Serves the HTTP API and websocket event stream`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)

	// Sync-specific flags
	syncCmd.Flags().String("org-id", "", "organization served by this instance")
	syncCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	syncCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	syncCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	syncCmd.Flags().String("db-password", "", "PostgreSQL password")
	syncCmd.Flags().String("db-name", "iot", "PostgreSQL database name")
	syncCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	syncCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL (empty disables push)")
	syncCmd.Flags().String("event-queue-name", "device-events", "RabbitMQ queue for device-state envelopes")
	syncCmd.Flags().String("progress-queue-name", "onboarding-progress", "RabbitMQ queue for onboarding stage events")
	syncCmd.Flags().Int("http-port", 8080, "HTTP server port")
	syncCmd.Flags().Duration("poll-interval", 10*time.Second, "poll interval in fallback mode")
	syncCmd.Flags().Duration("connect-timeout", 5*time.Second, "push transport connect timeout")
	syncCmd.Flags().Int("history-size", 50, "telemetry ring depth per device")

	// Bind flags to viper
	_ = viper.BindPFlag("sync.org_id", syncCmd.Flags().Lookup("org-id"))
	_ = viper.BindPFlag("sync.db.host", syncCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("sync.db.port", syncCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("sync.db.user", syncCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("sync.db.password", syncCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("sync.db.name", syncCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("sync.db.sslmode", syncCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("sync.rabbitmq.url", syncCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("sync.rabbitmq.event_queue_name", syncCmd.Flags().Lookup("event-queue-name"))
	_ = viper.BindPFlag("sync.rabbitmq.progress_queue_name", syncCmd.Flags().Lookup("progress-queue-name"))
	_ = viper.BindPFlag("sync.http.port", syncCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("sync.poll_interval", syncCmd.Flags().Lookup("poll-interval"))
	_ = viper.BindPFlag("sync.connect_timeout", syncCmd.Flags().Lookup("connect-timeout"))
	_ = viper.BindPFlag("sync.history_size", syncCmd.Flags().Lookup("history-size"))
}

func runSync(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting sync service")

	// Create sync configuration from viper
	config := &syncservice.ServerConfig{
		Logger:            logger,
		OrgID:             viper.GetString("sync.org_id"),
		DBHost:            viper.GetString("sync.db.host"),
		DBPort:            viper.GetInt("sync.db.port"),
		DBUser:            viper.GetString("sync.db.user"),
		DBPassword:        viper.GetString("sync.db.password"),
		DBName:            viper.GetString("sync.db.name"),
		DBSSLMode:         viper.GetString("sync.db.sslmode"),
		RabbitMQURL:       viper.GetString("sync.rabbitmq.url"),
		EventQueueName:    viper.GetString("sync.rabbitmq.event_queue_name"),
		ProgressQueueName: viper.GetString("sync.rabbitmq.progress_queue_name"),
		HTTPPort:          viper.GetInt("sync.http.port"),
		PollInterval:      viper.GetDuration("sync.poll_interval"),
		ConnectTimeout:    viper.GetDuration("sync.connect_timeout"),
		HistorySize:       viper.GetInt("sync.history_size"),
	}

	// Create and run server
	server, err := syncservice.NewServer(config)
	if err != nil {
		logger.Error("failed to create sync server", "error", err)
		return err
	}

	logger.Info("sync server configuration",
		"organization_id", config.OrgID,
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"rabbitmq_url", config.RabbitMQURL,
		"event_queue", config.EventQueueName,
		"progress_queue", config.ProgressQueueName,
		"http_port", config.HTTPPort,
		"poll_interval", config.PollInterval,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("sync server error", "error", err)
		return err
	}

	logger.Info("sync server stopped")
	return nil
}
