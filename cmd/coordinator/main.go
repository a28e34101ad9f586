package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/blockmesh/blockmesh/pkg/coordinator"
	"github.com/blockmesh/blockmesh/pkg/log"
	"github.com/blockmesh/blockmesh/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "blockmesh-coordinator",
	Short:   "blockmesh coordinator - node registry, block metadata, scheduler, and failure detector",
	Version: Version,
	RunE:    runCoordinator,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("blockmesh-coordinator version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().String("node-id", "coordinator-1", "Coordinator node ID")
	rootCmd.Flags().String("bind-addr", "127.0.0.1:9000", "Address workers and blockctl dial")
	rootCmd.Flags().String("data-dir", "./coordinator-data", "Data directory for cluster state")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics bind address")
	rootCmd.Flags().Duration("heartbeat-interval", coordinator.DefaultHeartbeatInterval, "Expected worker heartbeat interval")
	rootCmd.Flags().Duration("heartbeat-timeout", 0, "Failure detector dead-worker timeout (default: detector.DefaultHeartbeatTimeout)")
	rootCmd.Flags().Duration("monitor-interval", 0, "Failure detector sweep interval (default: detector.DefaultMonitorInterval)")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	heartbeatInterval, _ := cmd.Flags().GetDuration("heartbeat-interval")
	heartbeatTimeout, _ := cmd.Flags().GetDuration("heartbeat-timeout")
	monitorInterval, _ := cmd.Flags().GetDuration("monitor-interval")

	co, err := coordinator.New(coordinator.Config{
		NodeID:            nodeID,
		BindAddr:          bindAddr,
		DataDir:           dataDir,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		MonitorInterval:   monitorInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("registry", true, "")
	metrics.RegisterComponent("blockstore", true, "")
	metrics.RegisterComponent("server", false, "starting")

	go func() {
		http.Handle("/metrics", metrics.Handler())
		http.Handle("/health", metrics.HealthHandler())
		http.Handle("/ready", metrics.ReadyHandler())
		http.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			log.Logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	fmt.Printf("Metrics endpoint: http://%s/metrics\n", metricsAddr)
	fmt.Printf("Health endpoints: http://%s/health, /ready, /live\n", metricsAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := co.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()
	metrics.RegisterComponent("server", true, "ready")

	fmt.Printf("Coordinator %s listening on %s\n", nodeID, bindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nServer error: %v\n", err)
	}

	if err := co.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down cleanly: %w", err)
	}

	fmt.Println("Shutdown complete")
	return nil
}
