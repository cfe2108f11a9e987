package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nemanja-m/jobtracker/internal/shared/config"
	"github.com/nemanja-m/jobtracker/internal/shared/logging"
	"github.com/nemanja-m/jobtracker/internal/shared/rpc"
	"github.com/nemanja-m/jobtracker/internal/worker/api/grpc"
	"github.com/nemanja-m/jobtracker/internal/worker/programs"
	"github.com/nemanja-m/jobtracker/internal/worker/service"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Run a job tracker worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWorker(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.AddCommand(newStatusCommand(&configPath), newProgramsCommand())
	return cmd
}

// newProgramsCommand lists the programs the builtin executor can run.
func newProgramsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "programs",
		Short: "List programs available to the builtin executor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range programs.List() {
				description, err := programs.Describe(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", name, description)
			}
			return nil
		},
	}
}

// newStatusCommand prints the coordinator's cluster status as JSON.
func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the cluster status reported by the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWorker(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			client, err := grpc.NewCoordinatorClient(cfg.Coordinator)
			if err != nil {
				return err
			}
			defer client.Close()

			status, err := client.ClusterStatus(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	}
}

func run(ctx context.Context, cfg *config.WorkerConfig) error {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}

	client, err := grpc.NewCoordinatorClient(cfg.Coordinator)
	if err != nil {
		return err
	}
	defer client.Close()

	executor, err := service.NewExecutor(cfg.Executor.Type, cfg.Executor.WorkDir, cfg.Executor.Delay, logger)
	if err != nil {
		return err
	}

	worker := service.NewWorkerService(
		service.Config{
			Host:              cfg.Server.Host,
			Port:              cfg.Server.Port,
			Slots:             rpc.Slots{Map: cfg.Slots.Map, Reduce: cfg.Slots.Reduce},
			HeartbeatInterval: cfg.Coordinator.HeartbeatInterval,
		},
		client,
		executor,
		logger,
	)

	logger.Info("Connecting to coordinator", "addr", cfg.Coordinator.Addr, "executor", cfg.Executor.Type)
	if err := worker.Run(ctx); err != nil {
		return err
	}
	logger.Info("Worker stopped")
	return nil
}
