package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/copydesk/pkg/config"
	"github.com/pario-ai/copydesk/pkg/quota"
)

func newUsageCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show and manage daily usage counters",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show usage vs limits for the active window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			tr, store, err := openTracker(cfg, nopLogger(), nil)
			if err != nil {
				return err
			}
			if store != nil {
				defer func() { _ = store.Close() }()
			} else {
				fmt.Println("Usage is not persisted (quota.persist: false); showing an empty window.")
			}

			st := tr.Snapshot()
			if !st.Enforced {
				fmt.Println("Limits are not enforced.")
			}
			fmt.Printf("Window: %s (resets %s)\n\n", st.Counters.Day, st.WindowEnd.Format("2006-01-02 15:04 MST"))

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RESOURCE\tUSED\tLIMIT\tREMAINING")
			fmt.Fprintf(w, "requests\t%d\t%s\t%s\n", st.Counters.Requests, limitText(st.Limits.MaxRequestsPerDay), remainingText(st.Remaining.Requests))
			fmt.Fprintf(w, "tokens\t%d\t%s\t%s\n", st.Counters.Tokens, limitText(st.Limits.MaxTokensPerDay), remainingText(st.Remaining.Tokens))
			fmt.Fprintf(w, "images\t%d\t%s\t%s\n", st.Counters.Images, limitText(st.Limits.MaxImagesPerDay), remainingText(st.Remaining.Images))
			return w.Flush()
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Zero the persisted counters for the active window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			tr, store, err := persistedTracker(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			tr.Reset()
			fmt.Println("Usage counters reset.")
			return nil
		},
	}

	var limit int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List persisted counters for past windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			_, store, err := persistedTracker(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			rows, err := store.History(context.Background(), limit)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("No usage recorded.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DAY\tREQUESTS\tTOKENS\tIMAGES")
			for _, c := range rows {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", c.Day, c.Requests, c.Tokens, c.Images)
			}
			return w.Flush()
		},
	}
	historyCmd.Flags().IntVar(&limit, "limit", 30, "max windows to list")

	cmd.AddCommand(statusCmd, resetCmd, historyCmd)
	return cmd
}

func persistedTracker(cfg *config.Config) (*quota.Tracker, *quota.SQLiteStore, error) {
	if !cfg.Quota.Persist {
		return nil, nil, fmt.Errorf("usage is not persisted; set quota.persist: true")
	}
	return openTracker(cfg, nopLogger(), nil)
}

func limitText(limit int64) string {
	if limit <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", limit)
}

func remainingText(n int64) string {
	if n < 0 {
		return "-"
	}
	return fmt.Sprintf("%d", n)
}
