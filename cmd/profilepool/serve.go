package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/copyleftdev/profilepool/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the pool sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}

			var history server.RunHistory
			if a.store != nil {
				history = a.store
			}
			api := server.NewAPIHandler(a.manager, a.pool, a.registry, history, logger)
			srv := server.NewServer(cfg, api, logger)

			go a.pool.Run(ctx)

			errc := make(chan error, 1)
			go func() { errc <- srv.Start() }()

			select {
			case <-ctx.Done():
				logger.Info("Shutdown signal received")
			case err = <-errc:
				if err != nil {
					logger.Error("Server stopped unexpectedly", zap.Error(err))
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.Warn("HTTP shutdown incomplete", zap.Error(shutdownErr))
			}
			a.shutdown(shutdownCtx)
			return err
		},
	}
}
