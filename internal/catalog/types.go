// Package catalog defines core types shared across the acquisition pipeline.
package catalog

import "time"

// Mode selects how a category walk treats previously stored products.
type Mode string

// Crawl modes accepted by the orchestrator and walker.
const (
	// ModeIncremental resumes pagination from the last checkpoint and skips
	// product URLs already present in the store.
	ModeIncremental Mode = "incremental"
	// ModeFull starts at page 1 and re-fetches every product, relying on
	// upsert semantics to refresh existing rows.
	ModeFull Mode = "full"
)

// Valid reports whether m is a recognized crawl mode.
func (m Mode) Valid() bool {
	return m == ModeIncremental || m == ModeFull
}

// WalkStatus is the terminal state of a category walk.
type WalkStatus string

// Terminal walk states.
const (
	WalkDone      WalkStatus = "done"
	WalkCancelled WalkStatus = "cancelled"
	WalkFailed    WalkStatus = "failed"
)

// Product is one catalog item. URL is the sole natural key: re-scraping the
// same URL updates the existing row rather than creating a duplicate.
type Product struct {
	ID          int64             `db:"id" json:"id"`
	Category    string            `db:"category" json:"category"`
	Name        string            `db:"name" json:"name"`
	URL         string            `db:"url" json:"url"`
	ImageURL    *string           `db:"image_url" json:"image_url,omitempty"`
	Brand       *string           `db:"brand" json:"brand,omitempty"`
	PriceText   *string           `db:"price_text" json:"price_text,omitempty"`
	SKU         *string           `db:"sku" json:"sku,omitempty"`
	Breadcrumbs *string           `db:"breadcrumbs" json:"breadcrumbs,omitempty"`
	Description *string           `db:"description" json:"description,omitempty"`
	Specs       map[string]string `db:"-" json:"specs,omitempty"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at" json:"updated_at"`

	// DynamicSpecs holds the schema-normalized attribute values produced by
	// filtering Specs through the category's discovered field schema.
	DynamicSpecs map[string]*string `db:"-" json:"dynamic_specs,omitempty"`
}

// DynamicSpec is one normalized attribute value for one product under one
// category. FieldValue is nil when the label was present without a value,
// which is distinct from an empty string.
type DynamicSpec struct {
	ProductID  int64   `db:"product_id" json:"product_id"`
	Category   string  `db:"category" json:"category"`
	FieldName  string  `db:"field_name" json:"field_name"`
	FieldValue *string `db:"field_value" json:"field_value"`
}

// DiscoveredField is one schema entry produced by sampling a category.
type DiscoveredField struct {
	Category string `json:"category"`
	// FieldName is the normalized (snake_case) name shared by every label
	// variant in OriginalLabels.
	FieldName      string    `json:"field_name"`
	OriginalLabels []string  `json:"original_labels"`
	Frequency      float64   `json:"frequency"`
	DiscoveredAt   time.Time `json:"discovered_at"`
}

// ScrapeState is the pagination checkpoint for one category. CurrentPage is
// the last fully committed page; resuming continues at CurrentPage+1.
type ScrapeState struct {
	Category      string    `db:"category" json:"category"`
	CurrentPage   int       `db:"current_page" json:"current_page"`
	TotalPages    *int      `db:"total_pages" json:"total_pages"`
	LastScrapedAt time.Time `db:"last_scraped_at" json:"last_scraped_at"`
}

// CategoryNode is one node of the discovered category tree. It is transient:
// produced by sitemap discovery and consumed by the orchestrator, persisted
// only as an optional JSON snapshot.
type CategoryNode struct {
	Path       string `json:"path"`
	URL        string `json:"url"`
	ParentPath string `json:"parent_path"`
	IsLeaf     bool   `json:"is_leaf"`
}

// CategorySummary reports the outcome of walking one category.
type CategorySummary struct {
	Category        string     `json:"category"`
	Status          WalkStatus `json:"status"`
	PagesVisited    int        `json:"pages_visited"`
	ProductsStored  int        `json:"products_stored"`
	ProductsSkipped int        `json:"products_skipped"`
	Failures        int        `json:"failures"`
	TotalPages      *int       `json:"total_pages,omitempty"`
	// MorePages is set when the walk stopped at the max-pages cap with a
	// next page still available. This is a normal Done, not an error.
	MorePages bool `json:"more_pages,omitempty"`
}

// Summary aggregates a whole orchestrator run.
type Summary struct {
	RunID      string            `json:"run_id"`
	Root       string            `json:"root"`
	Mode       Mode              `json:"mode"`
	DryRun     bool              `json:"dry_run"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Categories []CategorySummary `json:"categories"`
}

// ProductsStored sums stored products across all categories in the run.
func (s Summary) ProductsStored() int {
	total := 0
	for _, c := range s.Categories {
		total += c.ProductsStored
	}
	return total
}

// RunOptions captures the invocation contract consumed from the CLI layer.
type RunOptions struct {
	Root            string
	Mode            Mode
	MaxPages        int
	Overnight       bool
	SkipDiscovery   bool
	FieldSampleSize int
	DryRun          bool
}
