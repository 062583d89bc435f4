package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the request cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			ctx := context.Background()
			c, err := openCache(ctx, cfg, nopLogger(), nil)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			stats := c.Stats(ctx)
			if !stats.Enabled {
				fmt.Println("Caching is disabled.")
				return nil
			}
			fmt.Printf("Backend: %s\nEntries: %d\nTTL:     %s\n", stats.Backend, stats.Entries, cfg.Cache.TTL)
			return nil
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			ctx := context.Background()
			c, err := openCache(ctx, cfg, nopLogger(), nil)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			n, err := c.Clear(ctx, expiredOnly)
			if err != nil {
				return err
			}
			if expiredOnly {
				fmt.Printf("Cleared %d expired cache entries.\n", n)
			} else {
				fmt.Printf("Cleared %d cache entries.\n", n)
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
