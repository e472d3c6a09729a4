package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"iotsync.dev/sync-core/internal/simulator"
	"iotsync.dev/sync-core/pkg/metrics"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the fleet simulator",
	Long: `Run the fleet simulator that:
- Creates a synthetic device fleet
- Publishes device, telemetry, and status-change envelopes to RabbitMQ
- Walks devices through the onboarding stages
- Supports multiple concurrent fleet workers`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	// Simulator-specific flags
	simulateCmd.Flags().String("org-id", "", "organization owning the simulated fleet")
	simulateCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	simulateCmd.Flags().String("event-queue-name", "device-events", "RabbitMQ queue for device-state envelopes")
	simulateCmd.Flags().String("progress-queue-name", "onboarding-progress", "RabbitMQ queue for onboarding stage events")
	simulateCmd.Flags().Int("device-count", 5, "devices per fleet worker")
	simulateCmd.Flags().Int("worker-count", 2, "number of concurrent fleet workers")
	simulateCmd.Flags().Duration("interval", 5*time.Second, "interval between simulation ticks")

	// Bind flags to viper
	_ = viper.BindPFlag("simulator.org_id", simulateCmd.Flags().Lookup("org-id"))
	_ = viper.BindPFlag("simulator.rabbitmq.url", simulateCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("simulator.rabbitmq.event_queue_name", simulateCmd.Flags().Lookup("event-queue-name"))
	_ = viper.BindPFlag("simulator.rabbitmq.progress_queue_name", simulateCmd.Flags().Lookup("progress-queue-name"))
	_ = viper.BindPFlag("simulator.device_count", simulateCmd.Flags().Lookup("device-count"))
	_ = viper.BindPFlag("simulator.worker_count", simulateCmd.Flags().Lookup("worker-count"))
	_ = viper.BindPFlag("simulator.interval", simulateCmd.Flags().Lookup("interval"))
}

func runSimulate(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting fleet simulator")

	// Create simulator configuration from viper
	config := &simulator.ServerConfig{
		Logger:            logger,
		OrgID:             viper.GetString("simulator.org_id"),
		RabbitMQURL:       viper.GetString("simulator.rabbitmq.url"),
		EventQueueName:    viper.GetString("simulator.rabbitmq.event_queue_name"),
		ProgressQueueName: viper.GetString("simulator.rabbitmq.progress_queue_name"),
		DeviceCount:       viper.GetInt("simulator.device_count"),
		WorkerCount:       viper.GetInt("simulator.worker_count"),
		Interval:          viper.GetDuration("simulator.interval"),
		Metrics:           metrics.NewSimulatorMetrics("sync_core"),
		MQMetrics:         metrics.NewMQMetrics("sync_core"),
	}

	// Create and run server
	server, err := simulator.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator", "error", err)
		return err
	}

	logger.Info("simulator configuration",
		"organization_id", config.OrgID,
		"rabbitmq_url", config.RabbitMQURL,
		"event_queue", config.EventQueueName,
		"progress_queue", config.ProgressQueueName,
		"device_count", config.DeviceCount,
		"worker_count", config.WorkerCount,
		"interval", config.Interval,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("simulator error", "error", err)
		return err
	}

	logger.Info("simulator stopped")
	return nil
}
