package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "froyo-ipam",
		Short: "Froyo IPAM - IPv4 address management on durable tasks",
		Long: `froyo-ipam hands out IPv4 addresses from subnet ranges to resources.

Every request runs as a durable task persisted in the document store:
  - Bulk allocation of N addresses per resource
  - Claiming one specific address
  - Releasing addresses
  - Network assignments fanning out over several subnets

Concurrent processes sharing one store coordinate through versioned
writes only.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./froyo-ipam.yaml when present)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newSeedCommand())
	rootCmd.AddCommand(newAllocateCommand())
	rootCmd.AddCommand(newAllocateIPCommand())
	rootCmd.AddCommand(newReleaseCommand())
	rootCmd.AddCommand(newAssignCommand())
	rootCmd.AddCommand(newReclaimCommand())
	rootCmd.AddCommand(newUsageCommand())
	rootCmd.AddCommand(newTasksCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}
