package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/qarun/internal/httpapi"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the persistence API over HTTP",
		Long:  "Expose the configured local store (sqlite or memory) under /api/ so\nother qarun instances can use it with backend: http.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Backend == types.BackendHTTP {
				return userError(errors.New("serve needs a local backend (sqlite or memory)"))
			}
			s, err := a.store()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{
				Addr:              addr,
				Handler:           httpapi.NewServer(s, a.log).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			fmt.Fprintf(cmd.OutOrStdout(), "Serving %s backend on %s\n", a.cfg.Backend, addr)
			a.log.Info("api server started", zap.String("addr", addr), zap.String("backend", a.cfg.Backend))

			select {
			case err := <-errc:
				return systemError(fmt.Errorf("serve: %w", err))
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return systemError(fmt.Errorf("shutdown: %w", err))
			}
			a.log.Info("api server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8420", "listen address")
	return cmd
}
