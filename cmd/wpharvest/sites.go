package main

import (
	"github.com/pevans/wpharvest/dataset"
	"github.com/spf13/cobra"
)

func newSitesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "List configured sites",
		Long:  `List every configured site with its resolved API URLs and dataset file.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := loadDeps(opts)
			if err != nil {
				return err
			}
			defer deps.log.Sync()

			store := dataset.NewStore(deps.cfg.DataDir, deps.log)
			renderSitesTable(cmd.OutOrStdout(), deps.cfg.ResolvedSites(), store)
			return nil
		},
	}
}
