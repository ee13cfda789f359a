package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newTasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect tasks",
	}

	cmd.AddCommand(newTasksGetCommand())
	cmd.AddCommand(newTasksEventsCommand())

	return cmd
}

func newTasksGetCommand() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "get <task-link>",
		Short: "Show a task",
		Example: `  froyo-ipam tasks get /tasks/ip-address-allocation/4f0c...

  # Block until the task is finished
  froyo-ipam tasks get --wait /tasks/network-assignment/91aa...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), "tasks.get", func(ctx context.Context, a *app) error {
				if wait {
					task, err := a.runtime.Await(ctx, args[0])
					if err != nil {
						return err
					}
					return printTask(task)
				}

				task, err := a.runtime.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printTask(task)
			})
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the task to finish")

	return cmd
}

func newTasksEventsCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "events <task-link>",
		Short: "Show the transition journal of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), "tasks.events", func(ctx context.Context, a *app) error {
				events, err := a.runtime.Events(ctx, args[0], limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(events)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tSTAGE\tSUBSTAGE\tMESSAGE")
				for _, e := range events {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						e.Timestamp.Local().Format(time.RFC3339), e.Stage, e.SubStage, e.Message)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events (0 for all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of events to skip")

	return cmd
}
