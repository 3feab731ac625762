package main

import (
	"fmt"

	"github.com/pevans/wpharvest/config"
	"github.com/spf13/cobra"
)

func newInitCommand(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ResolvePath(opts.configPath)

			written, err := config.WriteDefaultConfigFile(path, force)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !written {
				fmt.Fprintf(out, "Config file %s already exists (use --force to overwrite)\n", path)
				return nil
			}
			fmt.Fprintf(out, "✓ Wrote default configuration to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
