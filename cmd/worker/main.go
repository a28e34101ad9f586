package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/blockmesh/blockmesh/pkg/log"
	"github.com/blockmesh/blockmesh/pkg/metrics"
	"github.com/blockmesh/blockmesh/pkg/worker"
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
	Use:     "blockmesh-worker",
	Short:   "blockmesh worker - registers, heartbeats, and processes blocks",
	Version: Version,
	RunE:    runWorker,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("blockmesh-worker version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().String("bind-addr", "127.0.0.1:0", "Address this worker's task listener binds to and registers as its node_id")
	rootCmd.Flags().String("coordinator", "127.0.0.1:9000", "Coordinator address")
	rootCmd.Flags().String("artifact", "http://127.0.0.1:5000", "Artifact service base URL")
	rootCmd.Flags().String("data-dir", "./worker-data", "Data directory for task/ and storage/ replicas")
	rootCmd.Flags().Duration("heartbeat-interval", worker.DefaultHeartbeatInterval, "Heartbeat interval")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9091", "Prometheus metrics bind address")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func runWorker(cmd *cobra.Command, args []string) error {
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	coordinatorAddr, _ := cmd.Flags().GetString("coordinator")
	artifactAddr, _ := cmd.Flags().GetString("artifact")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	heartbeatInterval, _ := cmd.Flags().GetDuration("heartbeat-interval")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	w := worker.New(worker.Config{
		NodeID:            bindAddr,
		CoordinatorAddr:   coordinatorAddr,
		ArtifactAddr:      artifactAddr,
		DataDir:           dataDir,
		HeartbeatInterval: heartbeatInterval,
	})

	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	go func() {
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			log.Logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	fmt.Printf("Worker listening on %s, coordinator %s, artifact %s\n", bindAddr, coordinatorAddr, artifactAddr)
	fmt.Println("Worker is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	w.Stop()
	fmt.Println("Shutdown complete")
	return nil
}
