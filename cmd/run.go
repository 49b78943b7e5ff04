package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcoops/go-cve2attack/internal/enrich"
	"github.com/mcoops/go-cve2attack/internal/ledger"
	"github.com/mcoops/go-cve2attack/internal/nvd"
	"github.com/mcoops/go-cve2attack/internal/pipeline"
	"github.com/mcoops/go-cve2attack/internal/reference"
	"github.com/mcoops/go-cve2attack/internal/store"
)

func newRunCmd(a *app) *cobra.Command {
	var input, since string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch, enrich and store one batch of CVE records",
		Long: `Fetches every CVE modified since the last checkpoint, expands its weaknesses
over the CWE hierarchy, joins them to CAPEC attack patterns and ATT&CK
techniques, and merges the result into the yearly store.

Only one run may use a store directory at a time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := pipeline.Options{Input: input}
			if since != "" {
				ts, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("invalid --since %q: %w", since, err)
				}
				opts.Since = ts
			}
			return a.runBatch(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "enrich a JSON Lines batch file instead of fetching from NVD")
	cmd.Flags().StringVar(&since, "since", "", "fetch changes since this RFC 3339 time instead of the checkpoint")
	cmd.MarkFlagsMutuallyExclusive("input", "since")
	return cmd
}

func (a *app) runBatch(ctx context.Context, opts pipeline.Options, out io.Writer) error {
	ref, err := reference.Load(a.cfg.Reference, a.log)
	if err != nil {
		return err
	}

	var fetcher pipeline.Fetcher
	if opts.Input == "" {
		fetcher = nvd.NewClient(a.cfg.NVD, a.log)
	}

	popts := []pipeline.Option{pipeline.WithLookback(a.cfg.NVD.InitialLookback)}
	if l, err := ledger.Open(a.cfg.Store.LedgerFile, Version, a.log); err != nil {
		a.log.Warn().Err(err).Msg("run ledger unavailable, run will not be recorded")
	} else {
		defer l.Close()
		popts = append(popts, pipeline.WithLedger(l))
	}

	p := pipeline.New(
		fetcher,
		enrich.NewPool(ref, a.cfg.Enrich.Workers, a.log),
		store.New(a.cfg.Store.Dir, a.cfg.Store.LatestFile, a.log),
		store.NewCheckpoint(a.cfg.Store.CheckpointFile),
		a.log,
		popts...,
	)

	sum, err := p.Run(ctx, opts)
	printSummary(out, sum)
	return err
}

func printSummary(w io.Writer, sum *pipeline.Summary) {
	if sum.Status == pipeline.StatusNoData {
		fmt.Fprintln(w, "No new data found.")
		return
	}
	fmt.Fprintf(w, "Status:   %s\n", sum.Status)
	fmt.Fprintf(w, "Source:   %s\n", sum.Source)
	if !sum.Window.End.IsZero() {
		fmt.Fprintf(w, "Window:   %s - %s\n", store.Format(sum.Window.Start), store.Format(sum.Window.End))
	}
	fmt.Fprintf(w, "Fetched:  %d\n", sum.Fetched)
	fmt.Fprintf(w, "Stored:   %d\n", sum.Stored)
	if len(sum.Years) > 0 {
		fmt.Fprintf(w, "Years:    %s\n", strings.Join(sum.Years, ", "))
	}
	if len(sum.Dropped) > 0 {
		fmt.Fprintf(w, "Dropped:  %s\n", strings.Join(sum.DroppedIDs(), ", "))
	}
	if sum.RunID != "" {
		fmt.Fprintf(w, "Run:      %s\n", sum.RunID)
	}
}
