package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newUsageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage <subnet-link>",
		Short: "Show address usage of a subnet",
		Long: `Count the address records of every range by status. Addresses never
written to the store are reported as untouched.`,
		Example: `  froyo-ipam usage /resources/subnets/lab`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), "usage", func(ctx context.Context, a *app) error {
				report, err := a.service.Usage(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(report)
				}

				fmt.Printf("Subnet: %s (%s)\n\n", report.SubnetLink, report.CIDR)

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "RANGE\tSTART\tEND\tTOTAL\tALLOCATED\tRELEASED\tFREE")
				for _, r := range report.Ranges {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						r.SubnetRangeLink, r.StartAddress, r.EndAddress,
						humanize.Comma(r.Total),
						humanize.Comma(r.Allocated),
						humanize.Comma(r.Released),
						humanize.Comma(r.Free()),
					)
				}
				fmt.Fprintf(w, "TOTAL\t\t\t%s\t%s\t%s\t%s\n",
					humanize.Comma(report.Total),
					humanize.Comma(report.Allocated),
					humanize.Comma(report.Released),
					humanize.Comma(report.Available+report.Untouched),
				)
				return w.Flush()
			})
		},
	}

	return cmd
}

func newReclaimCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Return released addresses to the pool",
		Long: `Make RELEASED addresses whose retention has elapsed AVAILABLE again.
The retention is allocator.release_retention in the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), "reclaim", func(ctx context.Context, a *app) error {
				log.Info().Dur("retention", a.cfg.Allocator.ReleaseRetention).Msg("Reclaiming released addresses")

				n, err := a.service.Reclaim(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]int{"reclaimed": n})
				}
				fmt.Printf("Reclaimed %d address(es)\n", n)
				return nil
			})
		},
	}

	return cmd
}
