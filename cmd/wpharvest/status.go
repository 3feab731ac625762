package main

import (
	"fmt"

	"github.com/pevans/wpharvest/sources"
	"github.com/spf13/cobra"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status [site]",
		Short: "Show harvest state",
		Long: `Show the recorded state of every harvested site. With a site name, show
that site's most recent runs instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := loadDeps(opts)
			if err != nil {
				return err
			}
			defer deps.log.Sync()

			store, err := deps.openStateStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				runs, err := store.ListRuns(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Fprintf(out, "No runs recorded for %s.\n", args[0])
					return nil
				}
				renderRunsTable(out, runs)
				return nil
			}

			states, err := store.ListSites(ctx)
			if err != nil {
				return err
			}
			if len(states) == 0 {
				fmt.Fprintln(out, "No runs recorded yet.")
				return nil
			}
			renderStatusTable(out, states)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", sources.DefaultRunLimit, "number of runs to show for a site")

	return cmd
}
