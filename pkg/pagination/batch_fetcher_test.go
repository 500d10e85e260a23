package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeListing struct {
	totalPages int
	failPage   int
	delay      time.Duration

	mu       sync.Mutex
	requests []Options
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeListing) FetchPage(ctx context.Context, endpoint string, opts Options) ([]byte, int, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, opts)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	if opts.Page == f.failPage {
		return nil, 0, errors.New("boom")
	}
	return []byte(fmt.Sprintf(`[%d]`, opts.Page)), f.totalPages, nil
}

func TestBatchFetcher_SinglePage(t *testing.T) {
	listing := &fakeListing{totalPages: 1}
	bf := NewBatchFetcher(listing, DefaultConfig())

	pages, err := bf.FetchAllPages(context.Background(), "/users", Options{})
	require.NoError(t, err)
	assert.Equal(t, map[int][]byte{1: []byte(`[1]`)}, pages)
	assert.Len(t, listing.requests, 1)
}

func TestBatchFetcher_AllPages(t *testing.T) {
	listing := &fakeListing{totalPages: 12, delay: 5 * time.Millisecond}
	bf := NewBatchFetcher(listing, Config{MaxConcurrency: 3})

	opts := Options{Page: 7, PageSize: 10, Sort: []string{"name"}}
	pages, err := bf.FetchAllPages(context.Background(), "/users", opts)
	require.NoError(t, err)
	require.Len(t, pages, 12)
	for page := 1; page <= 12; page++ {
		assert.Equal(t, []byte(fmt.Sprintf(`[%d]`, page)), pages[page])
	}

	assert.LessOrEqual(t, listing.peak.Load(), int32(3))
	for _, req := range listing.requests {
		assert.Equal(t, 10, req.PageSize)
		assert.Equal(t, []string{"name"}, req.Sort)
	}
}

func TestBatchFetcher_MaxPages(t *testing.T) {
	listing := &fakeListing{totalPages: 100}
	bf := NewBatchFetcher(listing, Config{MaxConcurrency: 2, MaxPages: 5})

	pages, err := bf.FetchAllPages(context.Background(), "/users", Options{})
	require.NoError(t, err)
	assert.Len(t, pages, 5)
}

func TestBatchFetcher_FirstPageError(t *testing.T) {
	listing := &fakeListing{totalPages: 3, failPage: 1}
	bf := NewBatchFetcher(listing, DefaultConfig())

	pages, err := bf.FetchAllPages(context.Background(), "/users", Options{})
	assert.Error(t, err)
	assert.Nil(t, pages)
}

func TestBatchFetcher_PartialResults(t *testing.T) {
	listing := &fakeListing{totalPages: 4, failPage: 3}
	bf := NewBatchFetcher(listing, Config{MaxConcurrency: 1})

	pages, err := bf.FetchAllPages(context.Background(), "/users", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page 3")
	assert.Contains(t, pages, 1)
	assert.Contains(t, pages, 2)
	assert.NotContains(t, pages, 3)
}

func TestPageFetcherFunc(t *testing.T) {
	var got Options
	f := PageFetcherFunc(func(ctx context.Context, endpoint string, opts Options) ([]byte, int, error) {
		got = opts
		return nil, 1, nil
	})

	_, total, err := f.FetchPage(context.Background(), "/x", Options{Page: 4})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 4, got.Page)
}
