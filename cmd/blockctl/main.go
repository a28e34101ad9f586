package main

import (
	"fmt"
	"os"

	"github.com/blockmesh/blockmesh/pkg/client"
	"github.com/blockmesh/blockmesh/pkg/log"
	"github.com/blockmesh/blockmesh/pkg/types"
	"github.com/blockmesh/blockmesh/pkg/wire"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
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
	Use:     "blockctl",
	Short:   "blockctl - operator CLI for a blockmesh coordinator",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("blockctl version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("coordinator", "127.0.0.1:9000", "Coordinator address")
	cobra.OnInitialize(func() {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		log.Init(log.Config{Level: log.Level(level)})
	})

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(computeCmd)
	rootCmd.AddCommand(statusCmd)
}

// datasetManifest is the YAML shape blockctl apply reads: a named dataset
// and the ordered list of block IDs a splitter would have produced for it.
type datasetManifest struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Metadata   struct {
		Name string `yaml:"name"`
	} `yaml:"metadata"`
	Spec struct {
		Blocks []string `yaml:"blocks"`
	} `yaml:"spec"`
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Seed a dataset's block list on the coordinator",
	Long: `Apply a dataset manifest from a YAML file.

Example:
  blockctl apply -f dataset.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	coordinatorAddr, _ := cmd.Flags().GetString("coordinator")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filename, err)
	}

	var manifest datasetManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	if manifest.Metadata.Name == "" {
		return fmt.Errorf("manifest is missing metadata.name")
	}
	if len(manifest.Spec.Blocks) == 0 {
		return fmt.Errorf("manifest %s declares no blocks", manifest.Metadata.Name)
	}

	blocks := make([]types.Block, 0, len(manifest.Spec.Blocks))
	for _, blockID := range manifest.Spec.Blocks {
		blocks = append(blocks, types.Block{
			BlockID: blockID,
			Dataset: manifest.Metadata.Name,
			Status:  types.BlockPending,
		})
	}

	c := client.NewClient(coordinatorAddr)
	reply, err := c.Apply(manifest.Metadata.Name, blocks)
	if err != nil {
		return fmt.Errorf("apply failed: %w", err)
	}
	if reply.Status != wire.StatusApplied {
		return fmt.Errorf("apply rejected: %s", reply.Error)
	}

	fmt.Printf("Dataset applied: %s\n", manifest.Metadata.Name)
	fmt.Printf("  Blocks: %d\n", len(blocks))
	return nil
}

var computeCmd = &cobra.Command{
	Use:   "compute DATASET",
	Short: "Ask the coordinator to assign every pending block of a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		coordinatorAddr, _ := cmd.Flags().GetString("coordinator")
		c := client.NewClient(coordinatorAddr)

		reply, err := c.Compute(args[0])
		if err != nil {
			return fmt.Errorf("compute failed: %w", err)
		}
		if reply.Status != wire.StatusOK {
			return fmt.Errorf("compute rejected: %s", reply.Error)
		}
		fmt.Printf("Scheduling started for dataset: %s\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status DATASET",
	Short: "Show a dataset's current block placements",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		coordinatorAddr, _ := cmd.Flags().GetString("coordinator")
		c := client.NewClient(coordinatorAddr)

		reply, err := c.Status(args[0])
		if err != nil {
			return fmt.Errorf("status failed: %w", err)
		}
		if reply.Status != wire.StatusOK {
			return fmt.Errorf("status rejected: %s", reply.Error)
		}

		if len(reply.Blocks) == 0 {
			fmt.Printf("No blocks found for dataset: %s\n", args[0])
			return nil
		}

		fmt.Printf("%-30s %-12s %-15s %s\n", "BLOCK_ID", "STATUS", "LEADER", "FOLLOWERS")
		for _, b := range reply.Blocks {
			fmt.Printf("%-30s %-12s %-15s %v\n", b.BlockID, b.Status, b.Leader, b.Followers)
		}
		return nil
	},
}
