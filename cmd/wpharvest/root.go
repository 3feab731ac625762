package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/pevans/wpharvest/config"
	"github.com/pevans/wpharvest/logger"
	"github.com/pevans/wpharvest/sources"
	"github.com/spf13/cobra"
)

// errStateDisabled is returned by commands that need run history when
// state.dsn is empty.
var errStateDisabled = errors.New("run state store is disabled (state.dsn is empty)")

// rootOptions holds the global flags.
type rootOptions struct {
	configPath string
	debug      bool
}

// commandDeps are the dependencies shared by commands that need a loaded
// configuration.
type commandDeps struct {
	cfg *config.Config
	log logger.Logger
}

// Execute runs the root command.
func Execute() error {
	// Load .env file early so environment variables are available
	_ = godotenv.Load()

	return newRootCommand().ExecuteContext(context.Background())
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "wpharvest",
		Short: "Incremental article harvester for WordPress sites",
		Long: `wpharvest pages through the WordPress REST API of each configured site,
newest first, and appends articles it has not seen before to a per-site JSON
dataset. Pagination stops at the first page made up entirely of known articles.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVar(
		&opts.configPath,
		"config",
		"",
		fmt.Sprintf("config file (default is $%s or ./%s)", config.EnvConfigPath, config.DefaultConfigPath),
	)
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		newRunCommand(opts),
		newSitesCommand(opts),
		newStatusCommand(opts),
		newServeCommand(opts),
		newInitCommand(opts),
	)

	return cmd
}

// loadDeps loads the configuration and builds the logger.
func loadDeps(opts *rootOptions) (*commandDeps, error) {
	cfg, err := config.Load(config.ResolvePath(opts.configPath))
	if err != nil {
		return nil, err
	}
	if opts.debug {
		cfg.Logging.Level = "debug"
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return &commandDeps{cfg: cfg, log: log}, nil
}

// openStateStore opens the configured run state database.
func (d *commandDeps) openStateStore() (*sources.StateStore, error) {
	if d.cfg.State.DSN == "" {
		return nil, errStateDisabled
	}
	store, err := sources.NewStateStore(d.cfg.State.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return store, nil
}
