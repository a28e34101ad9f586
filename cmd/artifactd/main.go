package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/blockmesh/blockmesh/pkg/artifact"
	"github.com/blockmesh/blockmesh/pkg/log"
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
	Use:     "blockmesh-artifactd",
	Short:   "blockmesh artifact service - serves block downloads and accepts result uploads",
	Version: Version,
	RunE:    runArtifactd,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("blockmesh-artifactd version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().String("bind-addr", "127.0.0.1:5000", "HTTP bind address")
	rootCmd.Flags().String("data-dir", "./artifact-data", "Data directory for blocks/ and results/")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func runArtifactd(cmd *cobra.Command, args []string) error {
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	srv, err := artifact.NewServer(dataDir)
	if err != nil {
		return fmt.Errorf("failed to create artifact server: %w", err)
	}

	httpSrv := &http.Server{Addr: bindAddr, Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	fmt.Printf("Artifact service listening on %s, data dir %s\n", bindAddr, dataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nServer error: %v\n", err)
	}

	if err := httpSrv.Close(); err != nil {
		return fmt.Errorf("failed to close server: %w", err)
	}
	fmt.Println("Shutdown complete")
	return nil
}
