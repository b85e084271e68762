package catalog

import "context"

// Fetcher retrieves one URL and returns the raw HTML body. Implementations
// own politeness delays, retries, and URL validation; callers never bypass
// them.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Store is the persistence boundary. It exclusively owns transactions; all
// other components exchange value objects, never storage handles.
type Store interface {
	// ExistingURLs returns the product URLs already stored for a category.
	ExistingURLs(ctx context.Context, category string) (map[string]struct{}, error)
	// ProductIDByURL resolves a stored product's ID, reporting presence.
	ProductIDByURL(ctx context.Context, url string) (int64, bool, error)
	// SavePage upserts one page's worth of products and their dynamic specs
	// in a single transaction, so a crash never leaves spec rows pointing at
	// an uncommitted product.
	SavePage(ctx context.Context, products []*Product) error
	// AddProductCategory associates an already-stored product with a
	// category without duplicating its core row. Idempotent.
	AddProductCategory(ctx context.Context, productID int64, category string) error

	// ReplaceDiscoveredFields replaces the whole field schema for a
	// category; each discovery run fully supersedes the previous one.
	ReplaceDiscoveredFields(ctx context.Context, category string, fields []DiscoveredField) error
	// DiscoveredFields returns the persisted schema for a category.
	DiscoveredFields(ctx context.Context, category string) ([]DiscoveredField, error)

	// UpsertScrapeState records the pagination checkpoint after a fully
	// committed page.
	UpsertScrapeState(ctx context.Context, category string, currentPage int, totalPages *int) error
	// ScrapeState returns the checkpoint for a category, or nil if none.
	ScrapeState(ctx context.Context, category string) (*ScrapeState, error)
}

// Canceller exposes the cooperative shutdown flag polled at page boundaries.
type Canceller interface {
	Cancelled() bool
}
