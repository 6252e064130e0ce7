package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentainer/flowplan/internal/api"
	"github.com/agentainer/flowplan/internal/config"
	"github.com/agentainer/flowplan/internal/dashboard"
	"github.com/agentainer/flowplan/internal/logging"
	"github.com/agentainer/flowplan/internal/transform"
	"github.com/agentainer/flowplan/internal/workflow"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flowplan",
	Short: "Flowplan - workflow execution planner and coordinator",
	Long: `Flowplan plans workflow graphs into dependency-ordered execution groups,
coordinates parallel node execution and runs data transformation pipelines.

Quick Start:
  1. Inspect a plan:        flowplan plan -f workflow.yaml
  2. Run it locally:        flowplan run -f workflow.yaml
  3. Try a pipeline:        flowplan transform -f pipeline.yaml -d data.json
  4. Serve the HTTP API:    flowplan server`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the coordinator API, dashboard stream and reaper",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or $HOME/.flowplan/config.yaml)")

	planCmd.Flags().StringP("file", "f", "", "Workflow definition file (required)")
	planCmd.Flags().StringP("output", "o", "table", "Output format: table or json")
	planCmd.MarkFlagRequired("file")

	transformCmd.Flags().StringP("file", "f", "", "Pipeline definition file (required)")
	transformCmd.Flags().StringP("data", "d", "", "Input data file, JSON or YAML (required)")
	transformCmd.MarkFlagRequired("file")
	transformCmd.MarkFlagRequired("data")

	runCmd.Flags().StringP("file", "f", "", "Workflow definition file (required)")
	runCmd.Flags().String("execution-id", "", "Execution id (default: generated)")
	runCmd.Flags().StringP("output", "o", "table", "Output format: table or json")
	runCmd.MarkFlagRequired("file")

	statusCmd.Flags().StringP("server", "s", "", "API address (default: from config)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(transformCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
}

func runServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := setupServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	var dash *dashboard.Server
	coordinator := rt.newCoordinator(workflow.WithEventPublisher(workflow.EventPublisherFunc(func(event workflow.Event) {
		dash.Publish(event)
	})))
	dash = dashboard.NewServer(coordinator, rt.redis)
	dash.Start(ctx)

	reaper := workflow.NewReaper(coordinator, cfg.Planner.ReaperSchedule, cfg.Planner.ContextTTL)
	if err := reaper.Start(); err != nil {
		logging.Warn("server", "Reaper disabled", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		defer reaper.Stop()
	}

	opts := []api.Option{api.WithDashboard(dash)}
	if rt.redis != nil {
		opts = append(opts, api.WithLogger(rt.logger))
	}
	if rt.registry != nil {
		opts = append(opts, api.WithGatherer(rt.registry))
	}

	server := api.NewServer(
		cfg,
		workflow.NewPlanner(cfg.Planner.BaseNodeDuration, rt.metrics),
		coordinator,
		transform.NewTransformer(transform.WithObserver(rt.metrics)),
		opts...,
	)

	logging.Info("server", "Flowplan server starting", map[string]interface{}{
		"host":      cfg.Server.Host,
		"port":      cfg.Server.Port,
		"datastate": cfg.DataState.Backend,
	})

	if err := server.Start(ctx); err != nil {
		return err
	}
	logging.Info("server", "Flowplan server stopped", nil)
	return nil
}
