// Package workflow composes category discovery, field sampling, and
// per-category walks into one run over a category subtree.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/daiy-de/catalog-crawler/internal/catalog"
	"github.com/daiy-de/catalog-crawler/internal/sitemap"
	"github.com/daiy-de/catalog-crawler/internal/walker"
)

// TreeSource supplies the category tree, either live from the sitemap or
// from a snapshot.
type TreeSource interface {
	Discover(ctx context.Context) ([]catalog.CategoryNode, error)
}

// SchemaSource runs field discovery for one category.
type SchemaSource interface {
	DiscoverFields(ctx context.Context, category, categoryURL string) ([]catalog.DiscoveredField, error)
}

// CategoryWalker walks one category to completion.
type CategoryWalker interface {
	Walk(ctx context.Context, req walker.Request) (catalog.CategorySummary, error)
}

// Orchestrator runs a whole crawl: enumerate leaves under the requested
// root, ensure each has a field schema, then walk each leaf strictly
// sequentially. One site, one request at a time.
type Orchestrator struct {
	tree   TreeSource
	fields SchemaSource
	walker CategoryWalker
	store  catalog.Store
	logger *zap.Logger
}

// New builds an Orchestrator.
func New(tree TreeSource, fields SchemaSource, w CategoryWalker, store catalog.Store, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		tree:   tree,
		fields: fields,
		walker: w,
		store:  store,
		logger: logger,
	}
}

// Run executes one crawl over the subtree at opts.Root. Failures in one
// category are recorded and do not abort the remaining categories; only an
// empty subtree or an unreachable tree source fails the run outright.
func (o *Orchestrator) Run(ctx context.Context, opts catalog.RunOptions, canceller catalog.Canceller) (catalog.Summary, error) {
	summary := catalog.Summary{
		RunID:     uuid.NewString(),
		Root:      opts.Root,
		Mode:      opts.Mode,
		DryRun:    opts.DryRun,
		StartedAt: time.Now().UTC(),
	}
	logger := o.logger.With(zap.String("run_id", summary.RunID))

	if !opts.Mode.Valid() {
		return summary, fmt.Errorf("unknown mode %q", opts.Mode)
	}

	nodes, err := o.tree.Discover(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to discover category tree: %w", err)
	}
	leaves := sitemap.LeavesUnder(nodes, opts.Root)
	if len(leaves) == 0 {
		return summary, fmt.Errorf("no leaf categories under %q", opts.Root)
	}

	logger.Info("run starting",
		zap.String("root", opts.Root),
		zap.String("mode", string(opts.Mode)),
		zap.Int("leaves", len(leaves)),
		zap.Bool("dry_run", opts.DryRun),
	)

	for _, leaf := range leaves {
		if canceller != nil && canceller.Cancelled() {
			logger.Info("run cancelled before category", zap.String("category", sitemap.Key(leaf)))
			break
		}

		key := sitemap.Key(leaf)
		catSummary := o.runCategory(ctx, opts, canceller, key, leaf.URL, logger)
		summary.Categories = append(summary.Categories, catSummary)

		if catSummary.Status == catalog.WalkCancelled {
			break
		}
	}

	summary.FinishedAt = time.Now().UTC()
	logger.Info("run finished",
		zap.Int("categories", len(summary.Categories)),
		zap.Int("products_stored", summary.ProductsStored()),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
	)
	return summary, nil
}

func (o *Orchestrator) runCategory(ctx context.Context, opts catalog.RunOptions, canceller catalog.Canceller, key, url string, logger *zap.Logger) catalog.CategorySummary {
	logger = logger.With(zap.String("category", key))

	schema, err := o.store.DiscoveredFields(ctx, key)
	if err != nil {
		logger.Error("failed to load field schema", zap.Error(err))
		return catalog.CategorySummary{Category: key, Status: catalog.WalkFailed, Failures: 1}
	}

	if opts.DryRun {
		// Enumeration and schema lookup only; no product requests.
		logger.Info("dry run: would scrape category",
			zap.String("url", url),
			zap.Int("schema_fields", len(schema)),
		)
		return catalog.CategorySummary{Category: key, Status: catalog.WalkDone}
	}

	if len(schema) == 0 && !opts.SkipDiscovery {
		discovered, err := o.fields.DiscoverFields(ctx, key, url)
		if err != nil {
			// A category without a schema still gets its core product data.
			logger.Warn("field discovery failed, walking without schema", zap.Error(err))
		} else {
			schema = discovered
		}
	}

	catSummary, err := o.walker.Walk(ctx, walker.Request{
		Category:    key,
		CategoryURL: url,
		Mode:        opts.Mode,
		MaxPages:    opts.MaxPages,
		Schema:      schema,
		Canceller:   canceller,
	})
	if err != nil {
		logger.Error("category walk failed", zap.Error(err))
	}
	return catSummary
}
