package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/artemis/taskmesh/internal/config"
	"github.com/artemis/taskmesh/internal/coordinator"
	"github.com/artemis/taskmesh/internal/observability"
	"github.com/artemis/taskmesh/internal/worker"
)

var (
	logger *observability.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskmesh",
	Short: "Distributed task-execution platform with weak and strong code migration",
	Long: `taskmesh runs a coordinator/worker mesh that migrates running tasks between
nodes, either restarting them from scratch (weak migration) or resuming them
from a checkpoint (strong migration).`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		logger, err = observability.NewLogger("info")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
			os.Exit(1)
		}
	},
}

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the coordinator: node registry, migration orchestration, recovery",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runCoordinator(cmd); err != nil {
			logger.Error("coordinator exited with error", zap.Error(err))
			os.Exit(1)
		}
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker: connects to the coordinator and executes assigned tasks",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runWorker(cmd); err != nil {
			logger.Error("worker exited with error", zap.Error(err))
			os.Exit(1)
		}
	},
}

func runCoordinator(cmd *cobra.Command) error {
	cfg, err := config.Load(config.RoleCoordinator)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
		logger, err = observability.NewLogger(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.CoordinatorPort = port
	}

	logger.Info("starting coordinator", zap.Any("config", cfg.Redact()))

	tracingEnabled, _ := cmd.Flags().GetBool("tracing")
	tracingCfg := observability.DefaultTracingConfig()
	tracingCfg.Enabled = tracingEnabled
	tracingCfg.Exporter = "stdout"
	tracer, err := observability.NewTraceProvider(tracingCfg)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}

	c := coordinator.New(cfg, logger, tracer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := c.Stop(shutdownCtx); err != nil {
			logger.Error("error during coordinator shutdown", zap.Error(err))
		}
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down tracer", zap.Error(err))
		}
		cancel()
	}()

	err = c.Start()
	<-ctx.Done()
	return err
}

func runWorker(cmd *cobra.Command) error {
	cfg, err := config.Load(config.RoleWorker)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
		logger, err = observability.NewLogger(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
	}
	if coordURL, _ := cmd.Flags().GetString("coordinator-url"); coordURL != "" {
		cfg.CoordinatorURL = coordURL
	}
	if name, _ := cmd.Flags().GetString("name"); name != "" {
		cfg.WorkerName = name
	}
	if id, _ := cmd.Flags().GetString("id"); id != "" {
		cfg.WorkerID = id
	}
	if cfg.WorkerName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "worker"
		}
		cfg.WorkerName = hostname
	}

	logger.Info("starting worker", zap.Any("config", cfg.Redact()))

	metrics := observability.NewMetrics()
	w := worker.New(cfg, logger, metrics, worker.SampleResourceUsage)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		w.Stop()
	}()

	return w.Start()
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)
	rootCmd.AddCommand(workerCmd)

	coordinatorCmd.Flags().Int("port", 0, "HTTP/websocket listen port (defaults to COORDINATOR_PORT or 3001)")
	coordinatorCmd.Flags().String("log-level", "", "log level override (debug, info, warn, error)")
	coordinatorCmd.Flags().Bool("tracing", false, "enable stdout OpenTelemetry trace export")

	workerCmd.Flags().String("coordinator-url", "", "coordinator websocket URL (defaults to COORDINATOR_URL)")
	workerCmd.Flags().String("name", "", "worker display name (defaults to WORKER_NAME or hostname)")
	workerCmd.Flags().String("id", "", "worker node id (defaults to WORKER_ID or a generated id)")
	workerCmd.Flags().String("log-level", "", "log level override (debug, info, warn, error)")
}
