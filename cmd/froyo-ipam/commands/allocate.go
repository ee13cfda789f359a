package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/openfroyo/froyo-ipam/pkg/engine"
	"github.com/openfroyo/froyo-ipam/pkg/ipam"
	"github.com/openfroyo/froyo-ipam/pkg/telemetry"
)

// runTask creates a task with create, waits up to timeout for it and
// prints the outcome. Task events are logged at debug level while waiting.
func runTask(ctx context.Context, operation string, timeout time.Duration, create func(ctx context.Context, a *app) (*engine.Task, error)) error {
	return withApp(ctx, operation, func(ctx context.Context, a *app) error {
		task, err := create(ctx, a)
		if err != nil {
			return err
		}
		logger := telemetry.FromContext(ctx).WithTask(task.Link, task.Kind)
		logger.Info("Task created")

		a.tel.Events.Subscribe(func(e telemetry.Event) {
			log.Debug().Str("type", e.Type).Str("task_link", e.TaskLink).Msg(e.Message)
		}, telemetry.FilterByTaskLink(task.Link))

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return a.awaitAndPrint(ctx, task)
	})
}

func newAllocateCommand() *cobra.Command {
	var (
		subnet    string
		resources map[string]int
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Allocate addresses for resources from a subnet",
		Long: `Allocate a number of IPv4 addresses per resource from the ranges of one
subnet. Either every resource gets all of its addresses or none are kept.`,
		Example: `  # Two addresses for one VM, one for another
  froyo-ipam allocate --subnet /resources/subnets/lab \
    --resource /resources/vms/web=2 --resource /resources/vms/db=1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("subnet", subnet).Interface("resources", resources).Msg("Allocating addresses")

			return runTask(cmd.Context(), "allocate", timeout, func(ctx context.Context, a *app) (*engine.Task, error) {
				return a.service.Allocate(ctx, subnet, resources, nil)
			})
		},
	}

	cmd.Flags().StringVarP(&subnet, "subnet", "s", "", "subnet link")
	cmd.Flags().StringToIntVarP(&resources, "resource", "r", nil, "resource link and address count (link=count)")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long to wait for the task")
	cmd.MarkFlagRequired("subnet")
	cmd.MarkFlagRequired("resource")

	return cmd
}

func newAllocateIPCommand() *cobra.Command {
	var (
		subnet   string
		resource string
		address  string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "allocate-ip",
		Short: "Claim one specific address for a resource",
		Long: `Claim a given IPv4 address from one of the subnet's ranges. Claiming an
address the resource already holds succeeds without a write.`,
		Example: `  froyo-ipam allocate-ip --subnet /resources/subnets/lab \
    --resource /resources/vms/web --address 10.0.0.42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("subnet", subnet).Str("resource", resource).Str("address", address).Msg("Claiming address")

			return runTask(cmd.Context(), "allocate-ip", timeout, func(ctx context.Context, a *app) (*engine.Task, error) {
				telemetry.FromContext(ctx).WithResource(resource).Debug("claiming " + address)
				return a.service.AllocateSpecific(ctx, subnet, resource, address, nil)
			})
		},
	}

	cmd.Flags().StringVarP(&subnet, "subnet", "s", "", "subnet link")
	cmd.Flags().StringVarP(&resource, "resource", "r", "", "connected resource link")
	cmd.Flags().StringVarP(&address, "address", "a", "", "IPv4 address to claim")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long to wait for the task")
	cmd.MarkFlagRequired("subnet")
	cmd.MarkFlagRequired("resource")
	cmd.MarkFlagRequired("address")

	return cmd
}

func newReleaseCommand() *cobra.Command {
	var (
		resource string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "release <ip-address-link>...",
		Short: "Release addresses held by a resource",
		Long: `Mark address records RELEASED. Released addresses are not handed out
again until the reclaimer returns them to the pool.`,
		Example: `  froyo-ipam release --resource /resources/vms/web \
    /resources/ip-addresses/4f0c...`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("resource", resource).Strs("links", args).Msg("Releasing addresses")

			return runTask(cmd.Context(), "release", timeout, func(ctx context.Context, a *app) (*engine.Task, error) {
				return a.service.Deallocate(ctx, resource, args, nil)
			})
		},
	}

	cmd.Flags().StringVarP(&resource, "resource", "r", "", "connected resource link")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long to wait for the task")
	cmd.MarkFlagRequired("resource")

	return cmd
}

func newAssignCommand() *cobra.Command {
	var (
		file      string
		threshold float64
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Allocate from several subnets as one network assignment",
		Long: `Run one allocation task per subnet under a shared sub-task and collect
their results. The request file is YAML or JSON:

  allocations:
    - subnet_link: /resources/subnets/lab
      resource_to_ip_count: {/resources/vms/web: 2}
    - subnet_link: /resources/subnets/prod
      resource_to_ip_count: {/resources/vms/web: 1}
  error_threshold: 0.5`,
		Example: `  froyo-ipam assign --file assignment.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read request: %w", err)
			}

			var req ipam.AssignmentRequest
			if err := yaml.UnmarshalStrict(data, &req); err != nil {
				return fmt.Errorf("failed to parse request %s: %w", file, err)
			}
			if cmd.Flags().Changed("error-threshold") {
				req.ErrorThreshold = threshold
			}

			log.Info().Str("file", file).Int("subnets", len(req.Allocations)).Msg("Assigning addresses")

			return runTask(cmd.Context(), "assign", timeout, func(ctx context.Context, a *app) (*engine.Task, error) {
				return a.service.Assign(ctx, &req, nil)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "assignment request file")
	cmd.Flags().Float64Var(&threshold, "error-threshold", 0, "fraction of subnet allocations allowed to fail")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the task")
	cmd.MarkFlagRequired("file")

	return cmd
}
