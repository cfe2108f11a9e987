package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/nemanja-m/jobtracker/internal/coordinator/api/grpc"
	"github.com/nemanja-m/jobtracker/internal/coordinator/api/rest"
	"github.com/nemanja-m/jobtracker/internal/coordinator/service"
	"github.com/nemanja-m/jobtracker/internal/coordinator/storage"
	"github.com/nemanja-m/jobtracker/internal/shared/config"
	"github.com/nemanja-m/jobtracker/internal/shared/logging"
	"github.com/nemanja-m/jobtracker/internal/shared/metrics"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("Coordinator failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "coordinator",
		Short:         "Run the job tracker coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadCoordinator(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func run(ctx context.Context, cfg *config.CoordinatorConfig) error {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}

	topology := storage.Topology{}
	if cfg.Storage.TopologyFile != "" {
		topology, err = storage.LoadTopology(cfg.Storage.TopologyFile)
		if err != nil {
			return err
		}
		logger.Info("Loaded topology", "file", cfg.Storage.TopologyFile, "racks", len(topology.Racks))
	}

	var (
		opts           []service.Option
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, service.WithMetrics(metrics.NewCollector(reg)))
		metricsHandler = metrics.Handler(reg)
	}

	coordinator := service.NewCoordinator(
		serviceConfig(cfg),
		storage.NewLocalStorage(topology),
		storage.NewInMemoryJobArchive(),
		logger,
		opts...,
	)
	coordinator.Start(ctx)

	grpcServer := grpc.NewServer(cfg.GRPC, coordinator, coordinator, logger)
	restServer := rest.NewServer(cfg.REST, rest.NewAPI(coordinator, coordinator, metricsHandler, logger), logger)

	errCh := make(chan error, 2)
	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()
	go func() {
		logger.Info("REST server listening", "addr", cfg.REST.Addr)
		if err := restServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("REST server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down coordinator")
	case err = <-errCh:
		logger.Error("Server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if shutdownErr := restServer.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("REST server forced to shutdown", "error", shutdownErr)
	}
	grpcServer.Stop()
	coordinator.Stop()

	logger.Info("Coordinator stopped")
	return err
}

func serviceConfig(cfg *config.CoordinatorConfig) service.Config {
	return service.Config{
		Heartbeat: service.HeartbeatConfig{
			Interval: cfg.GRPC.HeartbeatInterval,
			Timeout:  cfg.Health.HeartbeatTimeout,
		},
		CheckInterval: cfg.Health.CheckInterval,
		Scheduler: service.SchedulerConfig{
			ReduceSlowstart: cfg.Scheduler.ReduceSlowstart,
		},
		Recovery: service.RecoveryConfig{
			WorkerFailureLimit: cfg.Recovery.WorkerFailureLimit,
		},
		Speculative: service.SpeculativeConfig{
			Enabled:      cfg.Speculative.Enabled,
			MinAge:       cfg.Speculative.MinAge,
			SlowFraction: cfg.Speculative.SlowFraction,
		},
		Jobs: service.JobConfig{
			MaxTaskAttempts: cfg.Recovery.MaxTaskAttempts,
			MaxFailedTasks:  cfg.Recovery.MaxFailedTasks,
			Retention:       cfg.Jobs.Retention,
		},
	}
}
