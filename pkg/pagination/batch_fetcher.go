package pagination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel page requests
	MaxConcurrency int
	// Timeout per page fetch
	Timeout time.Duration
	// MaxPages stops the fetch after this many pages (0 = all)
	MaxPages int
}

// DefaultConfig returns a conservative default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
	}
}

// PageFetcher fetches a single page of a listing.
type PageFetcher interface {
	// FetchPage fetches one page and returns its body and the total page count.
	FetchPage(ctx context.Context, endpoint string, opts Options) (data []byte, totalPages int, err error)
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc func(ctx context.Context, endpoint string, opts Options) ([]byte, int, error)

// FetchPage calls f.
func (f PageFetcherFunc) FetchPage(ctx context.Context, endpoint string, opts Options) ([]byte, int, error) {
	return f(ctx, endpoint, opts)
}

// BatchFetcher fetches every page of a listing with bounded concurrency
type BatchFetcher struct {
	fetcher PageFetcher
	config  Config
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher(fetcher PageFetcher, config Config) *BatchFetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	return &BatchFetcher{
		fetcher: fetcher,
		config:  config,
	}
}

// FetchAllPages fetches page 1 to learn the total, then the remaining pages
// in parallel. The options' Page field is ignored; sort, search, size and
// filters apply to every page. On error the pages fetched so far are
// returned together with the error.
func (bf *BatchFetcher) FetchAllPages(ctx context.Context, endpoint string, opts Options) (map[int][]byte, error) {
	start := time.Now()

	first := opts
	first.Page = 1
	firstPageData, totalPages, err := bf.fetchPage(ctx, endpoint, first)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch first page: %w", err)
	}
	if bf.config.MaxPages > 0 && totalPages > bf.config.MaxPages {
		totalPages = bf.config.MaxPages
	}

	results := map[int][]byte{1: firstPageData}
	if totalPages <= 1 {
		log.Debug().
			Str("endpoint", endpoint).
			Dur("duration", time.Since(start)).
			Msg("Fetch complete (single page)")
		return results, nil
	}

	log.Info().
		Str("endpoint", endpoint).
		Int("total_pages", totalPages).
		Msg("Starting parallel page fetch")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bf.config.MaxConcurrency)

	for page := 2; page <= totalPages; page++ {
		pageOpts := opts
		pageOpts.Page = page
		g.Go(func() error {
			data, _, err := bf.fetchPage(gctx, endpoint, pageOpts)
			if err != nil {
				log.Warn().
					Err(err).
					Str("endpoint", endpoint).
					Int("page", pageOpts.Page).
					Msg("Page fetch failed")
				return fmt.Errorf("page %d: %w", pageOpts.Page, err)
			}

			mu.Lock()
			results[pageOpts.Page] = data
			fetched := len(results)
			mu.Unlock()

			if fetched%50 == 0 {
				log.Info().
					Int("fetched", fetched).
					Int("total", totalPages).
					Float64("progress_pct", float64(fetched)/float64(totalPages)*100).
					Msg("Fetch progress")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		mu.Lock()
		defer mu.Unlock()
		return results, fmt.Errorf("partial data (%d/%d pages): %w", len(results), totalPages, err)
	}

	log.Info().
		Str("endpoint", endpoint).
		Int("pages", len(results)).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return results, nil
}

func (bf *BatchFetcher) fetchPage(ctx context.Context, endpoint string, opts Options) ([]byte, int, error) {
	pageCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
	defer cancel()
	return bf.fetcher.FetchPage(pageCtx, endpoint, opts)
}
