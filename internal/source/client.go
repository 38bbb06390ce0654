package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"chat-analytics-etl/internal/config"
	"chat-analytics-etl/internal/model"

	"golang.org/x/sync/errgroup"
)

// ErrCountMismatch marks an extraction whose distinct id count disagrees
// with the total the source reported on page 1. The activity fails; the
// set is never silently truncated or padded.
var ErrCountMismatch = errors.New("extracted count does not match source total")

// permanentError wraps a page failure that retrying cannot fix (4xx
// other than 429, undecodable envelope).
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Client fetches complete entity sets from the paginated read API.
type Client struct {
	baseURL     string
	http        *http.Client
	pageSize    int
	maxAttempts int
	retryDelay  time.Duration
	maxDelay    time.Duration
	concurrency int
}

// New builds a client from explicit configuration; no globals, no
// environment reads.
func New(cfg config.Config) *Client {
	return &Client{
		baseURL:     cfg.SourceBaseURL,
		http:        &http.Client{Timeout: cfg.RequestTimeout},
		pageSize:    cfg.PageSize,
		maxAttempts: cfg.MaxPageAttempts,
		retryDelay:  cfg.PageRetryDelay,
		maxDelay:    cfg.PageRetryMaxDelay,
		concurrency: cfg.ExtractConcurrency,
	}
}

// Health probes the source API once. A failure here is a fatal
// configuration error: the run fails immediately, no retry.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("source API unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("source API unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// FetchAll extracts one collection completely: page 1 to learn the page
// count and the authoritative total, then pages 2..N in parallel under a
// bounded group. Duplicate ids across pages collapse with the
// later-fetched page winning. The distinct id count must equal the
// page-1 total or the whole activity fails with ErrCountMismatch.
func (c *Client) FetchAll(ctx context.Context, kind model.EntityKind) (*model.EntitySet, error) {
	first, err := c.fetchPage(ctx, kind, 1)
	if err != nil {
		return nil, fmt.Errorf("extract %s: page 1: %w", kind, err)
	}

	set := model.NewEntitySet(kind, first.Total)
	var mu sync.Mutex
	addItems := func(page *model.Page) {
		mu.Lock()
		defer mu.Unlock()
		for _, raw := range page.Items {
			if err := set.Add(raw); err != nil {
				set.Malformed++
				if set.Malformed <= 3 {
					log.Printf("⚠️ extract %s: skipping malformed item: %v", kind, err)
				}
			}
		}
	}
	addItems(first)

	if first.TotalPages > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.concurrency)
		for p := 2; p <= first.TotalPages; p++ {
			page := p
			g.Go(func() error {
				pg, err := c.fetchPage(gctx, kind, page)
				if err != nil {
					return fmt.Errorf("extract %s: page %d: %w", kind, page, err)
				}
				addItems(pg)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	if got := set.Len(); got != set.Total {
		return nil, fmt.Errorf("extract %s: got %d distinct ids, source reported %d (%d malformed skipped): %w",
			kind, got, set.Total, set.Malformed, ErrCountMismatch)
	}

	log.Printf("📥 extract %s: %d entities over %d pages (%d malformed skipped)",
		kind, set.Len(), first.TotalPages, set.Malformed)
	return set, nil
}

// fetchPage requests a single page, retrying transient failures with
// exponential backoff up to the configured attempt ceiling.
func (c *Client) fetchPage(ctx context.Context, kind model.EntityKind, page int) (*model.Page, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, c.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}

		pg, err := c.getPage(ctx, kind, page)
		if err == nil {
			return pg, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) || ctx.Err() != nil {
			return nil, err
		}
		log.Printf("🔄 extract %s: page %d attempt %d/%d failed: %v", kind, page, attempt, c.maxAttempts, err)
	}
	return nil, fmt.Errorf("after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Client) getPage(ctx context.Context, kind model.EntityKind, page int) (*model.Page, error) {
	u, err := url.Parse(c.baseURL + kind.Endpoint())
	if err != nil {
		return nil, &permanentError{fmt.Errorf("bad endpoint: %w", err)}
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(c.pageSize))
	q.Set("include_total", "true")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &permanentError{err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err // transport errors are transient
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fallthrough to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, &permanentError{fmt.Errorf("status %d", resp.StatusCode)}
	}

	var pg model.Page
	if err := json.NewDecoder(resp.Body).Decode(&pg); err != nil {
		return nil, &permanentError{fmt.Errorf("decoding page envelope: %w", err)}
	}
	if pg.PageSize > config.MaxPageSize {
		return nil, &permanentError{fmt.Errorf("source page_size %d exceeds maximum %d", pg.PageSize, config.MaxPageSize)}
	}
	return &pg, nil
}

// backoff doubles the delay per prior attempt, capped at the configured
// maximum.
func (c *Client) backoff(prior int) time.Duration {
	d := time.Duration(float64(c.retryDelay) * math.Pow(2, float64(prior-1)))
	if d > c.maxDelay {
		d = c.maxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
