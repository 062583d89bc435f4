package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/copydesk/pkg/history"
	"github.com/pario-ai/copydesk/pkg/models"
)

func newHistoryCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query and manage the generation history",
	}

	cmd.AddCommand(
		newHistorySearchCmd(load),
		newHistoryStatsCmd(load),
		newHistoryCleanupCmd(load),
	)
	return cmd
}

func newHistorySearchCmd(load configLoader) *cobra.Command {
	var (
		model       string
		status      string
		since       string
		fingerprint string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search history entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, cleanup, err := openHistory(cmd, load)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.HistoryQueryOpts{
				Model:       model,
				Status:      status,
				Fingerprint: fingerprint,
				Limit:       limit,
			}
			if since != "" {
				t, err := time.Parse(time.DateOnly, since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := h.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatHistoryEntries(entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (ok, error, denied)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "filter by request fingerprint")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	return cmd
}

func newHistoryStatsCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show generation counts by model and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, cleanup, err := openHistory(cmd, load)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := h.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatHistoryStats(stats))
			return nil
		},
	}
}

func newHistoryCleanupCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete history entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, cleanup, err := openHistory(cmd, load)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := h.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d history entries.\n", deleted)
			return nil
		},
	}
}

func openHistory(cmd *cobra.Command, load configLoader) (*history.Store, func(), error) {
	cfg, err := load(cmd)
	if err != nil {
		return nil, nil, err
	}
	h, err := history.New(cfg.DBPath, cfg.History.RetentionDays, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open history db: %w", err)
	}
	return h, func() { _ = h.Close() }, nil
}

func formatHistoryEntries(entries []models.HistoryEntry) string {
	if len(entries) == 0 {
		return "No history entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-24s %-16s %-7s %-6s %8s %9s %-20s\n",
		"REQUEST ID", "PRODUCT", "MODEL", "STATUS", "CACHED", "TOKENS", "LATENCY", "TIME")
	b.WriteString(strings.Repeat("-", 134) + "\n")
	for _, e := range entries {
		product := e.ProductName
		if len(product) > 24 {
			product = product[:21] + "..."
		}
		cached := "no"
		if e.Cached {
			cached = "yes"
		}
		fmt.Fprintf(&b, "%-36s %-24s %-16s %-7s %-6s %8d %7dms %-20s\n",
			e.RequestID, product, e.Model, e.Status, cached,
			e.Tokens, e.LatencyMs, e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func formatHistoryStats(stats []models.HistoryStat) string {
	if len(stats) == 0 {
		return "No history stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-12s %8s %8s %10s\n", "MODEL", "DAY", "COUNT", "CACHED", "TOKENS")
	b.WriteString(strings.Repeat("-", 62) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-20s %-12s %8d %8d %10d\n", s.Model, s.Day, s.Count, s.Cached, s.Tokens)
	}
	return b.String()
}
