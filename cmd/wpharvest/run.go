package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pevans/wpharvest/config"
	"github.com/pevans/wpharvest/dataset"
	"github.com/pevans/wpharvest/discovery"
	"github.com/pevans/wpharvest/logger"
	"github.com/pevans/wpharvest/wpapi"
	"github.com/spf13/cobra"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run [site...]",
		Short: "Harvest new articles",
		Long: `Harvest new articles from every configured site, or only from the sites
named as arguments. Exits non-zero if any site failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := loadDeps(opts)
			if err != nil {
				return err
			}
			defer deps.log.Sync()

			sites := deps.cfg.ResolvedSites()
			if len(args) > 0 {
				if sites, err = deps.cfg.FindSites(args); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var recorder discovery.Recorder
			if deps.cfg.State.DSN != "" {
				stateStore, err := deps.openStateStore()
				if err != nil {
					return err
				}
				defer stateStore.Close()
				recorder = stateStore
			}

			harvester := newHarvester(deps.cfg, recorder, deps.log)
			summary := harvester.Run(ctx, sites)

			printSummary(cmd.OutOrStdout(), summary)

			if summary.Cancelled {
				return fmt.Errorf("harvest interrupted after %d of %d sites", len(summary.Reports), len(sites))
			}
			if summary.HasFailures() {
				failed := summary.FailedSites()
				return fmt.Errorf("%d of %d sites failed: %s", len(failed), len(sites), strings.Join(failed, ", "))
			}
			return nil
		},
	}
}

// newHarvester wires the fetcher, dataset store and processor together.
func newHarvester(cfg *config.Config, recorder discovery.Recorder, log logger.Logger) *discovery.Harvester {
	fetcher := wpapi.NewFetcher(wpapi.OptionsFromConfig(cfg), log)
	store := dataset.NewStore(cfg.DataDir, log)
	processor := discovery.NewProcessor(fetcher, store, discovery.OptionsFromConfig(cfg), log)
	return discovery.NewHarvester(processor, recorder, log)
}
