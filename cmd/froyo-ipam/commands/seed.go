package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-ipam/pkg/config"
)

func newSeedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed [inventory...]",
		Short: "Write subnets and ranges from a CUE inventory",
		Long: `Parse the CUE inventory and create the subnet and range documents that do
not exist yet. Existing documents are left untouched.

Without arguments the inventory paths of the config file are used.`,
		Example: `  # Seed from the configured inventory
  froyo-ipam seed

  # Seed from explicit files or directories
  froyo-ipam seed inventory/ extra.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), "seed", func(ctx context.Context, a *app) error {
				sources := args
				if len(sources) == 0 {
					sources = a.cfg.Inventory
				}
				if len(sources) == 0 {
					return fmt.Errorf("no inventory given and none configured")
				}

				log.Info().Strs("sources", sources).Msg("Seeding inventory")

				inv, err := config.LoadInventory(ctx, sources)
				if err != nil {
					return err
				}

				result, err := a.service.Seed(ctx, inv)
				if err != nil {
					return err
				}

				if jsonOutput {
					return printJSON(result)
				}
				fmt.Printf("Subnets created: %d\n", result.SubnetsCreated)
				fmt.Printf("Ranges created:  %d\n", result.RangesCreated)
				fmt.Printf("Unchanged:       %d\n", result.Unchanged)
				for _, link := range result.SubnetLinks {
					fmt.Printf("  %s\n", link)
				}
				return nil
			})
		},
	}

	return cmd
}
