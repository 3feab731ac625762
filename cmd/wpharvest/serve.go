package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pevans/wpharvest/logger"
	"github.com/pevans/wpharvest/sources"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve harvest state over HTTP",
		Long:  `Start a read-only HTTP API exposing site state and run history.`,
		Args:  cobra.NoArgs,
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

			if !opts.debug {
				gin.SetMode(gin.ReleaseMode)
			}
			server := sources.NewStatusAPIServer(store, deps.cfg.ResolvedSites())

			srv := &http.Server{
				Addr:              addr,
				Handler:           server.SetupRouter(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				deps.log.Info("starting status API", logger.String("addr", addr))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}

			deps.log.Info("shutting down status API")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("failed to shut down server: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "address to listen on")

	return cmd
}
