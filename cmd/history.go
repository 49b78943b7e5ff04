package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcoops/go-cve2attack/internal/ledger"
	"github.com/mcoops/go-cve2attack/internal/store"
)

func newHistoryCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			return a.history(cmd.Context(), limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show")
	return cmd
}

func (a *app) history(ctx context.Context, limit int, out io.Writer) error {
	if _, err := os.Stat(a.cfg.Store.LedgerFile); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	l, err := ledger.Open(a.cfg.Store.LedgerFile, Version, a.log)
	if err != nil {
		return err
	}
	defer l.Close()

	runs, err := l.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tWHEN\tSTATUS\tWINDOW END\tFETCHED\tSTORED\tDROPPED\tVERSION")
	for _, r := range runs {
		end := "-"
		if !r.WindowEnd.IsZero() {
			end = store.Format(r.WindowEnd)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.RunID, r.CreatedAt.UTC().Format(time.RFC3339), r.Status, end,
			r.Fetched, r.Stored, r.Dropped, r.ToolVersion)
	}
	return tw.Flush()
}
