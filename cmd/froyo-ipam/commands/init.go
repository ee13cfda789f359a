package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-ipam/pkg/config"
)

const sampleInventory = `// Subnets and the ranges addresses are allocated from.
subnets: lab: {
	name:    "Lab"
	cidr:    "10.0.0.0/24"
	gateway: "10.0.0.1"
	ranges: [
		{id: "main", start: "10.0.0.10", end: "10.0.0.250"},
	]
}
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a froyo-ipam workspace",
		Long: `Write a default configuration, a sample CUE inventory and create the
SQLite database with its schema.`,
		Example: `  # Initialize in the current directory
  froyo-ipam init

  # Initialize with a custom config path
  froyo-ipam init --config /etc/froyo-ipam/froyo-ipam.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = defaultConfigPath
			}
			dir := filepath.Dir(path)

			log.Info().Str("config", path).Bool("force", force).Msg("Initializing workspace")

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config %s already exists, use --force to overwrite", path)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}

			cfg := config.Default()
			cfg.Inventory = []string{"inventory.cue"}
			if err := cfg.Write(path); err != nil {
				return err
			}
			fmt.Printf("✓ Created config file: %s\n", path)

			inventoryPath := filepath.Join(dir, "inventory.cue")
			if _, err := os.Stat(inventoryPath); os.IsNotExist(err) {
				if err := os.WriteFile(inventoryPath, []byte(sampleInventory), 0o644); err != nil {
					return fmt.Errorf("failed to write inventory: %w", err)
				}
				fmt.Printf("✓ Created inventory: %s\n", inventoryPath)
			} else {
				fmt.Printf("✓ Inventory already exists: %s\n", inventoryPath)
			}

			cfg.Store.Path = filepath.Join(dir, cfg.Store.Path)
			store, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Printf("✓ Initialized SQLite database: %s\n", cfg.Store.Path)

			fmt.Printf("\nNext steps:\n")
			fmt.Printf("  1. Describe your subnets in %s\n", inventoryPath)
			fmt.Printf("  2. Seed the store:\n")
			fmt.Printf("     froyo-ipam seed\n")
			fmt.Printf("  3. Allocate addresses:\n")
			fmt.Printf("     froyo-ipam allocate --subnet /resources/subnets/lab --resource /resources/vms/web=2\n")

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
