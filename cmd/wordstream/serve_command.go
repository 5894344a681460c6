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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shavsss/wordstream/internal/localstore"
	"github.com/shavsss/wordstream/internal/remote"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var addr string
	var issueFor string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the development document server",
		Long: "Run a per-user document server speaking the remote sync protocol.\n" +
			"With --issue-token it prints a refresh token for a user and exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config.Server
			if addr == "" {
				addr = cfg.Addr
			}

			store, err := localstore.Open(cfg.StoreDSN)
			if err != nil {
				return fmt.Errorf("open server store %s: %w", cfg.StoreDSN, err)
			}
			ctx.closers = append(ctx.closers, store.Close)

			server := remote.NewServer(remote.NewStoreDocuments(store), remote.ServerConfig{
				JWTSecret:       cfg.JWTSecret,
				RateLimitMax:    cfg.RateLimitMax,
				RateLimitWindow: cfg.RateLimitWindow.Duration,
				Logger:          ctx.logger,
			})

			if issueFor != "" {
				token, err := server.IssueRefreshToken(issueFor)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			}

			mux := http.NewServeMux()
			mux.Handle("/", server)
			servers := []*http.Server{{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}}
			if cfg.MetricsAddr == "" || cfg.MetricsAddr == addr {
				mux.Handle("/metrics", promhttp.Handler())
			} else {
				metrics := http.NewServeMux()
				metrics.Handle("/metrics", promhttp.Handler())
				servers = append(servers, &http.Server{Addr: cfg.MetricsAddr, Handler: metrics, ReadHeaderTimeout: 10 * time.Second})
			}

			rootCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			group, groupCtx := errgroup.WithContext(rootCtx)
			for _, srv := range servers {
				srv := srv
				group.Go(func() error {
					ctx.logger.Info("document server listening", "addr", srv.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				group.Go(func() error {
					<-groupCtx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}
			return group.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().StringVar(&issueFor, "issue-token", "", "Print a refresh token for USER and exit")
	return cmd
}
