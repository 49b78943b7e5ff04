// Package nvd retrieves CVE records changed within a time window from the NVD
// CVE API 2.0.
package nvd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mcoops/go-cve2attack/internal/config"
	"github.com/mcoops/go-cve2attack/pkg/cve"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Published NVD limits per rolling 30 second window.
const (
	rateWindow         = 30 * time.Second
	requestsWithKey    = 50
	requestsWithoutKey = 5
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// ErrRetriesExhausted is returned when a page still fails after every retry.
var ErrRetriesExhausted = errors.New("nvd: retries exhausted")

// StatusError is an HTTP response the API answered with a non-2xx status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("nvd: unexpected status %d for %s", e.Code, e.URL)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 && e.Code < 600
}

// Window is the half-open lastModified range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Split cuts w into consecutive windows no longer than limit.
func (w Window) Split(limit time.Duration) []Window {
	if limit <= 0 || !w.End.After(w.Start) {
		return []Window{w}
	}
	var out []Window
	for start := w.Start; start.Before(w.End); start = start.Add(limit) {
		end := start.Add(limit)
		if end.After(w.End) {
			end = w.End
		}
		out = append(out, Window{Start: start, End: end})
	}
	return out
}

// Batch is the result of one fetch.
type Batch struct {
	Records []cve.Record
	// Checkpoint is the value to persist once Records are committed.
	Checkpoint time.Time
	Pages      int
}

type Client struct {
	http       *http.Client
	baseURL    string
	apiKey     string
	pageSize   int
	retries    int
	retryDelay time.Duration
	maxWindow  time.Duration
	limiter    *rate.Limiter
	log        zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLimiter replaces the rate limiter derived from the API key.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

func NewClient(cfg config.NVDConfig, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		http:       &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		pageSize:   cfg.PageSize,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		maxWindow:  cfg.MaxWindow,
		log:        logger.With().Str("component", "nvd").Logger(),
	}

	perWindow := requestsWithKey
	if c.apiKey == "" {
		c.log.Warn().Msg("NVD_API_KEY not set, using unauthenticated rate limit")
		perWindow = requestsWithoutKey
	}
	c.limiter = rate.NewLimiter(rate.Every(rateWindow/time.Duration(perWindow)), 1)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch retrieves every CVE modified within w. Any fatal page error aborts
// the whole fetch and no partial batch is returned.
func (c *Client) Fetch(ctx context.Context, w Window) (*Batch, error) {
	batch := &Batch{Checkpoint: w.End}
	index := map[string]int{}

	for _, sub := range w.Split(c.maxWindow) {
		pages, err := c.fetchWindow(ctx, sub, func(records []cve.Record) {
			for _, r := range records {
				if i, ok := index[r.ID]; ok {
					batch.Records[i] = r
					continue
				}
				index[r.ID] = len(batch.Records)
				batch.Records = append(batch.Records, r)
			}
		})
		batch.Pages += pages
		if err != nil {
			return nil, err
		}
	}

	c.log.Info().
		Str("start", w.Start.UTC().Format(time.RFC3339)).
		Str("end", w.End.UTC().Format(time.RFC3339)).
		Int("pages", batch.Pages).
		Int("records", len(batch.Records)).
		Msg("Fetch complete")
	return batch, nil
}

// fetchWindow pages through w. Each request starts after the records already
// returned, so a server serving fewer than pageSize records per page skips
// nothing.
func (c *Client) fetchWindow(ctx context.Context, w Window, emit func([]cve.Record)) (int, error) {
	first, err := c.fetchPage(ctx, w, 0)
	if err != nil {
		return 0, err
	}
	emit(loadRecords(first, c.log))

	pages := 1
	total := first.TotalResults
	for next := len(first.Vulnerabilities); next < total; pages++ {
		page, err := c.fetchPage(ctx, w, next)
		if err != nil {
			return pages, err
		}
		if len(page.Vulnerabilities) == 0 {
			return pages, fmt.Errorf("nvd: empty page at startIndex %d of %d results", next, total)
		}
		emit(loadRecords(page, c.log))
		next += len(page.Vulnerabilities)
	}
	return pages, nil
}

func (c *Client) pageURL(w Window, startIndex int) string {
	q := url.Values{}
	q.Set("lastModStartDate", w.Start.UTC().Format(timeLayout))
	q.Set("lastModEndDate", w.End.UTC().Format(timeLayout))
	q.Set("resultsPerPage", strconv.Itoa(c.pageSize))
	q.Set("startIndex", strconv.Itoa(startIndex))
	return c.baseURL + "?" + q.Encode()
}

func (c *Client) fetchPage(ctx context.Context, w Window, startIndex int) (*Response, error) {
	pageURL := c.pageURL(w, startIndex)
	var page Response

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("building request: %w", err))
		}
		if c.apiKey != "" {
			req.Header.Set("apiKey", c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("requesting page %d: %w", startIndex, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			io.Copy(io.Discard, resp.Body)
			serr := &StatusError{Code: resp.StatusCode, URL: pageURL}
			if serr.Temporary() {
				return serr
			}
			return backoff.Permanent(serr)
		}

		page = Response{}
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			return fmt.Errorf("decoding page %d: %w", startIndex, err)
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.log.Warn().
			Err(err).
			Int("start_index", startIndex).
			Dur("retry_in", wait).
			Msg("Failed to download CVE data, retrying")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{delay: c.retryDelay}, uint64(c.retries-1)), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		var serr *StatusError
		switch {
		case errors.As(err, &serr) && !serr.Temporary():
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.retries, err)
		}
	}

	c.log.Debug().
		Int("start_index", startIndex).
		Int("total", page.TotalResults).
		Int("count", len(page.Vulnerabilities)).
		Msg("Fetched page")
	return &page, nil
}

// linearBackOff waits delay*attempt before each retry.
type linearBackOff struct {
	delay   time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.delay * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }
