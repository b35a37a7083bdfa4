package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/metric-attribution/internal/api"
	"github.com/sells-group/metric-attribution/internal/monitoring"
)

const shutdownTimeout = 30 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the attribution API server and task workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Workers outlive ctx so queued tasks drain during shutdown.
		env, err := initApp(context.WithoutCancel(ctx), "serve", true)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			env.Close(sctx)
		}()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.NewRouter(env.Service, api.Options{Gatherer: env.Registry}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store, func() int { return env.Pool.Stats().Queued }),
			monitoring.NewAlerter(cfg.Monitoring),
			env.Metrics,
			cfg.Monitoring,
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
