package enrich

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mcoops/go-cve2attack/pkg/cve"
)

// Reference is the read-only lookup state shared by every worker.
type Reference interface {
	Graph
	PatternSource
	MappingSource
}

// Failure records a record dropped at the task boundary.
type Failure struct {
	ID  string
	Err error
}

// Result is the output of one pool run. Records keeps the input order minus
// the dropped ones.
type Result struct {
	Records []cve.Record
	Dropped []Failure
}

// Pool enriches records in parallel with a fixed number of workers.
type Pool struct {
	ref     Reference
	workers int
	log     zerolog.Logger
}

func NewPool(ref Reference, workers int, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		ref:     ref,
		workers: workers,
		log:     logger.With().Str("component", "enrich").Logger(),
	}
}

// Enrich runs closure, pattern join and technique join on a single record.
// The returned record's CWE set is the closure of the input leaves.
func Enrich(r cve.Record, ref Reference, logger zerolog.Logger) cve.Record {
	out := cve.Record{ID: r.ID, Year: r.Year}
	out.CWE = Closure(r.CWE, ref)
	out.CAPEC = Patterns(out.CWE, ref)
	out.Techniques = Techniques(out.CAPEC, ref, logger.With().Str("cve", r.ID).Logger())
	return out
}

type slot struct {
	record cve.Record
	err    error
	done   bool
}

// Run enriches every record. Workers pull indices from a queue and write only
// to their own slot, so no locking is needed. A panicking task drops its
// record; only context cancellation aborts the run.
func (p *Pool) Run(ctx context.Context, records []cve.Record) (Result, error) {
	slots := make([]slot, len(records))
	queue := make(chan int)

	g, gctx := errgroup.WithContext(ctx)

	workers := min(p.workers, len(records))
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := range queue {
				rec, err := p.process(records[i])
				slots[i] = slot{record: rec, err: err, done: true}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(queue)
		for i := range records {
			if err := gctx.Err(); err != nil {
				return err
			}
			select {
			case queue <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("enrichment interrupted: %w", err)
	}

	res := Result{Records: make([]cve.Record, 0, len(records))}
	for i, s := range slots {
		switch {
		case s.err != nil:
			p.log.Error().Str("cve", records[i].ID).Err(s.err).Msg("dropping record")
			res.Dropped = append(res.Dropped, Failure{ID: records[i].ID, Err: s.err})
		case s.done:
			res.Records = append(res.Records, s.record)
		}
	}

	p.log.Info().
		Int("enriched", len(res.Records)).
		Int("dropped", len(res.Dropped)).
		Msg("Enrichment complete")
	return res, nil
}

func (p *Pool) process(r cve.Record) (out cve.Record, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while enriching %s: %v", r.ID, rec)
		}
	}()
	return Enrich(r, p.ref, p.log), nil
}
