package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/copydesk/pkg/server"
)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if !cfg.APIConfigured() {
				a.logger.Warn("no provider API key configured; only cached results can be served")
			}

			go a.warmTokens(ctx)

			srv := server.New(a.svc, server.WithLogger(a.logger), server.WithMetrics(a.metrics))
			a.logger.Info("starting copydesk",
				zap.String("version", version),
				zap.String("cache_backend", a.cache.Stats(ctx).Backend),
				zap.Bool("quota_enforced", cfg.Quota.Enabled),
				zap.Bool("images", cfg.Generation.EnableImages),
			)
			return srv.ListenAndServe(ctx)
		},
	}
}
