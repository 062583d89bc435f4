package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/copydesk/pkg/mcp"
)

func newMCPCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start copydesk as an MCP server on stdio",
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

			return mcp.New(a.svc, version, a.logger).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
