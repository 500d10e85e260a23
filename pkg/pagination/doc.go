// Package pagination builds listing query strings and fetches every page of
// a paginated endpoint.
//
// The query convention is page, size, a repeatable sort, search and
// namespaced filters:
//
//	pagination.Build(pagination.Options{
//		Page:     1,
//		PageSize: 20,
//		Sort:     []string{"name", "-createdAt"},
//		Filter:   map[string]any{"status": "active", "tag": []string{"a", "b"}},
//	})
//	// filter[status]=active&filter[tag]=a&filter[tag]=b&page=1&size=20&sort=name&sort=-createdAt
//
// The batch fetcher fetches page 1 to learn the total page count, then the
// remaining pages with bounded concurrency:
//
//	fetcher := pagination.NewBatchFetcher(apiClient, pagination.DefaultConfig())
//	pages, err := fetcher.FetchAllPages(ctx, "/users", pagination.Options{PageSize: 100})
package pagination
