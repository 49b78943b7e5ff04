// Package pipeline runs one enrichment batch end to end: fetch, enrich,
// persist, then advance the checkpoint.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mcoops/go-cve2attack/internal/enrich"
	"github.com/mcoops/go-cve2attack/internal/ledger"
	"github.com/mcoops/go-cve2attack/internal/nvd"
	"github.com/mcoops/go-cve2attack/internal/store"
	"github.com/mcoops/go-cve2attack/pkg/cve"
)

// Run outcomes, shared with the ledger.
const (
	StatusSuccess = ledger.StatusSuccess
	StatusPartial = ledger.StatusPartial
	StatusNoData  = ledger.StatusNoData
	StatusFailed  = ledger.StatusFailed
)

// SourceNVD is the Summary source for API fetches.
const SourceNVD = "nvd"

type Fetcher interface {
	Fetch(ctx context.Context, w nvd.Window) (*nvd.Batch, error)
}

type Enricher interface {
	Run(ctx context.Context, records []cve.Record) (enrich.Result, error)
}

type Store interface {
	ReadBatch(path string) ([]cve.Record, error)
	Merge(records []cve.Record) (store.MergeResult, error)
	WriteLatest(records []cve.Record) error
}

type Checkpointer interface {
	Read() (time.Time, error)
	Write(ts time.Time) error
}

type Ledger interface {
	Record(ctx context.Context, r *ledger.Run) error
}

// Options select the input of a single run.
type Options struct {
	// Input replaces the fetch with a JSON Lines batch file. The checkpoint is
	// left untouched in that mode.
	Input string
	// Since overrides the checkpoint as the window start.
	Since time.Time
}

// Summary describes a finished run.
type Summary struct {
	RunID    string
	Status   string
	Source   string
	Window   nvd.Window
	Fetched  int
	Enriched int
	Dropped  []enrich.Failure
	Years    []string
	Stored   int
	Err      error
}

// DroppedIDs lists the ids of the dropped records.
func (s *Summary) DroppedIDs() []string {
	ids := make([]string, 0, len(s.Dropped))
	for _, f := range s.Dropped {
		ids = append(ids, f.ID)
	}
	return ids
}

type Pipeline struct {
	fetcher    Fetcher
	enricher   Enricher
	store      Store
	checkpoint Checkpointer
	ledger     Ledger
	lookback   time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

type Option func(*Pipeline)

// WithLedger records every run in l.
func WithLedger(l Ledger) Option {
	return func(p *Pipeline) { p.ledger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLookback sets the window used when no checkpoint exists yet.
func WithLookback(d time.Duration) Option {
	return func(p *Pipeline) { p.lookback = d }
}

func New(f Fetcher, e Enricher, s Store, c Checkpointer, logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		fetcher:    f,
		enricher:   e,
		store:      s,
		checkpoint: c,
		lookback:   24 * time.Hour,
		now:        time.Now,
		log:        logger.With().Str("component", "pipeline").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one batch. The returned Summary is never nil; on error its
// Status is StatusFailed.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Summary, error) {
	sum := &Summary{Source: SourceNVD}
	err := p.run(ctx, opts, sum)
	if err != nil {
		sum.Status = StatusFailed
		sum.Err = err
	}
	p.record(ctx, sum)
	return sum, err
}

func (p *Pipeline) run(ctx context.Context, opts Options, sum *Summary) error {
	records, checkpoint, err := p.collect(ctx, opts, sum)
	if err != nil {
		return err
	}
	sum.Fetched = len(records)

	if len(records) == 0 {
		sum.Status = StatusNoData
		p.log.Info().Str("source", sum.Source).Msg("No new data found")
		return p.advance(checkpoint)
	}

	res, err := p.enricher.Run(ctx, records)
	if err != nil {
		return err
	}
	sum.Enriched = len(res.Records)
	sum.Dropped = res.Dropped

	merged, err := p.store.Merge(res.Records)
	if err != nil {
		return fmt.Errorf("merging batch: %w", err)
	}
	sum.Years = merged.Years
	for _, n := range merged.Merged {
		sum.Stored += n
	}
	if err := p.store.WriteLatest(res.Records); err != nil {
		return fmt.Errorf("writing latest run: %w", err)
	}

	if err := p.advance(checkpoint); err != nil {
		return err
	}

	sum.Status = StatusSuccess
	if len(sum.Dropped) > 0 {
		sum.Status = StatusPartial
	}
	p.log.Info().
		Str("status", sum.Status).
		Int("fetched", sum.Fetched).
		Int("stored", sum.Stored).
		Strs("dropped", sum.DroppedIDs()).
		Strs("years", sum.Years).
		Msg("Run complete")
	return nil
}

// collect returns the batch to enrich and the checkpoint to write once it is
// committed. A zero checkpoint means none is written.
func (p *Pipeline) collect(ctx context.Context, opts Options, sum *Summary) ([]cve.Record, time.Time, error) {
	if opts.Input != "" {
		sum.Source = opts.Input
		records, err := p.store.ReadBatch(opts.Input)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("reading input batch: %w", err)
		}
		p.log.Info().Str("input", opts.Input).Int("records", len(records)).Msg("Loaded input batch")
		return records, time.Time{}, nil
	}

	w, err := p.window(opts.Since)
	if err != nil {
		return nil, time.Time{}, err
	}
	sum.Window = w

	batch, err := p.fetcher.Fetch(ctx, w)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("fetching CVEs: %w", err)
	}
	return batch.Records, batch.Checkpoint, nil
}

func (p *Pipeline) window(since time.Time) (nvd.Window, error) {
	end := p.now().UTC().Truncate(time.Second)
	start := since.UTC()

	if since.IsZero() {
		ts, err := p.checkpoint.Read()
		switch {
		case errors.Is(err, store.ErrNoCheckpoint):
			start = end.Add(-p.lookback)
			p.log.Warn().
				Dur("lookback", p.lookback).
				Msg("No checkpoint found, starting from the initial lookback")
		case err != nil:
			return nvd.Window{}, err
		default:
			start = ts
		}
	}

	if !start.Before(end) {
		return nvd.Window{}, fmt.Errorf("window start %s is not before %s", store.Format(start), store.Format(end))
	}
	return nvd.Window{Start: start, End: end}, nil
}

func (p *Pipeline) advance(ts time.Time) error {
	if ts.IsZero() {
		return nil
	}
	if err := p.checkpoint.Write(ts); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	p.log.Info().Str("checkpoint", store.Format(ts)).Msg("Checkpoint advanced")
	return nil
}

func (p *Pipeline) record(ctx context.Context, sum *Summary) {
	if p.ledger == nil {
		return
	}
	run := &ledger.Run{
		Source:      sum.Source,
		WindowStart: sum.Window.Start,
		WindowEnd:   sum.Window.End,
		Status:      sum.Status,
		Fetched:     sum.Fetched,
		Enriched:    sum.Enriched,
		Dropped:     len(sum.Dropped),
		Stored:      sum.Stored,
		Years:       ledger.JoinYears(sum.Years),
	}
	if sum.Err != nil {
		run.Error = sum.Err.Error()
	}
	// A cancelled run is still worth recording.
	if err := p.ledger.Record(context.WithoutCancel(ctx), run); err != nil {
		p.log.Warn().Err(err).Msg("could not record run")
		return
	}
	sum.RunID = run.RunID
}
