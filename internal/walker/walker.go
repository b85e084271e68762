// Package walker drives pagination for one category: fetch a listing page,
// scrape its products, commit, checkpoint, advance. Strictly sequential.
package walker

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/daiy-de/catalog-crawler/internal/catalog"
	"github.com/daiy-de/catalog-crawler/internal/metrics"
	"github.com/daiy-de/catalog-crawler/internal/parser"
)

// Request describes one category walk.
type Request struct {
	// Category is the storage key for this leaf category.
	Category string
	// CategoryURL is the first listing page.
	CategoryURL string
	Mode        catalog.Mode
	// MaxPages caps pages visited this run. Reaching it is a normal Done
	// with MorePages set, not an error.
	MaxPages int
	// Schema filters raw spec labels into dynamic specs. May be empty.
	Schema []catalog.DiscoveredField
	// Canceller is polled at page boundaries only, so the checkpoint always
	// reflects a fully committed page.
	Canceller catalog.Canceller
}

// maxConsecutiveSkippedPages aborts a category whose pages all fail before
// anything is stored. Without it an unreachable category URL would keep
// synthesizing page URLs until MaxPages.
const maxConsecutiveSkippedPages = 3

// Walker walks one category at a time.
type Walker struct {
	fetcher catalog.Fetcher
	parser  *parser.Parser
	store   catalog.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New builds a Walker.
func New(fetcher catalog.Fetcher, p *parser.Parser, store catalog.Store, m *metrics.Metrics, logger *zap.Logger) *Walker {
	return &Walker{
		fetcher: fetcher,
		parser:  p,
		store:   store,
		metrics: m,
		logger:  logger,
	}
}

// Walk runs the pagination loop for one category. Product-level errors are
// counted and skipped; only storage failures fail the walk. The returned
// error is non-nil only when Status is WalkFailed.
func (w *Walker) Walk(ctx context.Context, req Request) (catalog.CategorySummary, error) {
	summary := catalog.CategorySummary{Category: req.Category, Status: catalog.WalkDone}
	logger := w.logger.With(zap.String("category", req.Category))

	skipSet := make(map[string]struct{})
	startPage := 1

	if req.Mode == catalog.ModeIncremental {
		existing, err := w.store.ExistingURLs(ctx, req.Category)
		if err != nil {
			summary.Status = catalog.WalkFailed
			return summary, fmt.Errorf("failed to load skip set: %w", err)
		}
		skipSet = existing

		state, err := w.store.ScrapeState(ctx, req.Category)
		if err != nil {
			summary.Status = catalog.WalkFailed
			return summary, fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if state != nil {
			// CurrentPage is the last fully committed page.
			startPage = state.CurrentPage + 1
			summary.TotalPages = state.TotalPages
		}
	}

	logger.Info("starting category walk",
		zap.String("mode", string(req.Mode)),
		zap.Int("start_page", startPage),
		zap.Int("max_pages", req.MaxPages),
		zap.Int("skip_set", len(skipSet)),
	)

	currentURL := pageURL(req.CategoryURL, startPage)
	page := startPage
	consecutiveSkips := 0

	for currentURL != "" {
		nextURL, pageSkipped, err := w.walkPage(ctx, req, &summary, skipSet, currentURL, page, logger)
		if err != nil {
			summary.Status = catalog.WalkFailed
			return summary, err
		}

		if req.Canceller != nil && req.Canceller.Cancelled() {
			logger.Info("cancellation requested, stopping at page boundary", zap.Int("page", page))
			summary.Status = catalog.WalkCancelled
			return summary, nil
		}
		if ctx.Err() != nil {
			summary.Status = catalog.WalkCancelled
			return summary, nil
		}

		if pageSkipped {
			consecutiveSkips++
			if summary.ProductsStored == 0 && consecutiveSkips >= maxConsecutiveSkippedPages {
				summary.Status = catalog.WalkFailed
				return summary, fmt.Errorf("category unreachable: %d consecutive pages skipped with nothing stored", consecutiveSkips)
			}
		} else {
			consecutiveSkips = 0
		}

		if nextURL == "" || nextURL == currentURL {
			break
		}
		if summary.PagesVisited >= req.MaxPages {
			summary.MorePages = true
			logger.Info("max pages reached with more pages remaining",
				zap.Int("max_pages", req.MaxPages))
			break
		}
		currentURL = nextURL
		page++
	}

	if summary.TotalPages == nil && !summary.MorePages {
		// Walked off the end of the pager: the last page seen is the total.
		summary.TotalPages = &page
		if err := w.store.UpsertScrapeState(ctx, req.Category, page, summary.TotalPages); err != nil {
			summary.Status = catalog.WalkFailed
			return summary, fmt.Errorf("failed to record total pages: %w", err)
		}
	}

	logger.Info("category walk finished",
		zap.String("status", string(summary.Status)),
		zap.Int("pages_visited", summary.PagesVisited),
		zap.Int("products_stored", summary.ProductsStored),
		zap.Int("products_skipped", summary.ProductsSkipped),
		zap.Int("failures", summary.Failures),
	)
	return summary, nil
}

// walkPage processes one listing page end to end and returns the next page
// URL plus whether the page was skipped. A listing page abandoned after
// retry exhaustion is skipped, not fatal; the next URL is synthesized from
// the page parameter and no checkpoint is written, so a later resume
// re-attempts the page.
func (w *Walker) walkPage(ctx context.Context, req Request, summary *catalog.CategorySummary, skipSet map[string]struct{}, currentURL string, page int, logger *zap.Logger) (string, bool, error) {
	logger.Info("fetching listing page", zap.Int("page", page), zap.String("url", currentURL))

	html, err := w.fetcher.Fetch(ctx, currentURL)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, nil
		}
		skipped := &catalog.SkippedPageError{URL: currentURL, Page: page, Err: err}
		logger.Warn("listing page skipped", zap.Error(skipped))
		summary.Failures++
		summary.PagesVisited++
		return pageURL(req.CategoryURL, page+1), true, nil
	}

	listing, err := w.parser.ParseListing(html, currentURL)
	if err != nil {
		w.metrics.ParseFailures.Inc()
		logger.Warn("listing page unparseable", zap.Int("page", page), zap.Error(err))
		summary.Failures++
		summary.PagesVisited++
		return pageURL(req.CategoryURL, page+1), true, nil
	}

	if summary.TotalPages == nil && listing.TotalPages != nil {
		summary.TotalPages = listing.TotalPages
		logger.Info("pager total observed", zap.Int("total_pages", *listing.TotalPages))
	}
	logger.Info("listing page parsed",
		zap.Int("page", page),
		zap.Int("products", len(listing.ProductURLs)),
	)

	var batch []*catalog.Product
	for _, productURL := range listing.ProductURLs {
		if _, seen := skipSet[productURL]; seen {
			if err := w.associateExisting(ctx, req.Category, productURL, logger); err != nil {
				return "", false, err
			}
			summary.ProductsSkipped++
			w.metrics.ProductsSkip.WithLabelValues(req.Category).Inc()
			continue
		}

		product, err := w.scrapeProduct(ctx, req, productURL)
		if err != nil {
			if ctx.Err() != nil {
				return "", false, nil
			}
			logger.Warn("product skipped", zap.String("url", productURL), zap.Error(err))
			w.metrics.ParseFailures.Inc()
			summary.Failures++
			continue
		}
		batch = append(batch, product)
	}

	// One transaction per page: a crash here leaves the previous checkpoint
	// authoritative and no orphaned spec rows.
	if err := w.store.SavePage(ctx, batch); err != nil {
		return "", false, fmt.Errorf("failed to save page %d: %w", page, err)
	}
	for _, product := range batch {
		skipSet[product.URL] = struct{}{}
	}
	summary.ProductsStored += len(batch)
	summary.PagesVisited++
	w.metrics.ProductsStored.WithLabelValues(req.Category).Add(float64(len(batch)))
	w.metrics.PagesCrawled.WithLabelValues(req.Category).Inc()

	if err := w.store.UpsertScrapeState(ctx, req.Category, page, summary.TotalPages); err != nil {
		return "", false, fmt.Errorf("failed to checkpoint page %d: %w", page, err)
	}

	return listing.NextPageURL, false, nil
}

func (w *Walker) scrapeProduct(ctx context.Context, req Request, productURL string) (*catalog.Product, error) {
	html, err := w.fetcher.Fetch(ctx, productURL)
	if err != nil {
		return nil, err
	}
	return w.parser.ParseProduct(html, productURL, req.Category, req.Schema)
}

// associateExisting attaches the category to a product stored under another
// category, without re-fetching it.
func (w *Walker) associateExisting(ctx context.Context, category, productURL string, logger *zap.Logger) error {
	id, ok, err := w.store.ProductIDByURL(ctx, productURL)
	if err != nil {
		return fmt.Errorf("failed to resolve existing product: %w", err)
	}
	if !ok {
		// In the skip set from this run's batch ordering; nothing to do.
		logger.Debug("skip-set url not yet stored", zap.String("url", productURL))
		return nil
	}
	if err := w.store.AddProductCategory(ctx, id, category); err != nil {
		return fmt.Errorf("failed to associate category: %w", err)
	}
	return nil
}

// pageURL renders the listing URL for a given page number. Page 1 is the
// bare category URL.
func pageURL(categoryURL string, page int) string {
	if page <= 1 {
		return categoryURL
	}
	u, err := url.Parse(categoryURL)
	if err != nil {
		return categoryURL
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}
