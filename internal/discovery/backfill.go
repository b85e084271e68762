package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/daiy-de/catalog-crawler/internal/catalog"
	"github.com/daiy-de/catalog-crawler/internal/parser"
)

// BackfillStore is the storage surface backfill needs. Everything is read
// from and written back to the store; no network access is involved.
type BackfillStore interface {
	ProductsByCategory(ctx context.Context, category string, withSpecs bool) ([]*catalog.Product, error)
	DiscoveredFields(ctx context.Context, category string) ([]catalog.DiscoveredField, error)
	ReplaceDiscoveredFields(ctx context.Context, category string, fields []catalog.DiscoveredField) error
	UpsertDynamicSpecs(ctx context.Context, productID int64, category string, specs map[string]*string) error
}

// BackfillResult reports one category backfill.
type BackfillResult struct {
	Category        string `json:"category"`
	Products        int    `json:"products"`
	WithSpecs       int    `json:"with_specs"`
	SchemaRebuilt   bool   `json:"schema_rebuilt"`
	FieldsInSchema  int    `json:"fields_in_schema"`
	SpecsBackfilled int    `json:"specs_backfilled"`
}

// Backfill derives dynamic spec rows for a category from the raw specs
// already persisted by earlier crawls, without re-fetching anything. When
// the category has no stored schema, or rebuildSchema is set, a schema is
// first derived from the stored specs using the same frequency threshold as
// live discovery; the denominator is the number of products that carry raw
// specs at all.
func Backfill(ctx context.Context, store BackfillStore, category string, minFrequency float64, rebuildSchema bool, logger *zap.Logger) (*BackfillResult, error) {
	products, err := store.ProductsByCategory(ctx, category, false)
	if err != nil {
		return nil, fmt.Errorf("failed to load products for %q: %w", category, err)
	}
	res := &BackfillResult{Category: category, Products: len(products)}

	counter := newLabelCounter()
	for _, p := range products {
		if len(p.Specs) == 0 {
			continue
		}
		res.WithSpecs++
		counter.Observe(p.Specs)
	}
	if res.WithSpecs == 0 {
		return nil, fmt.Errorf("no stored specs to backfill for %q", category)
	}

	schema, err := store.DiscoveredFields(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema for %q: %w", category, err)
	}
	if len(schema) == 0 || rebuildSchema {
		schema = counter.Fields(category, minFrequency, time.Now().UTC())
		if err := store.ReplaceDiscoveredFields(ctx, category, schema); err != nil {
			return nil, fmt.Errorf("failed to persist schema for %q: %w", category, err)
		}
		res.SchemaRebuilt = true
	}
	res.FieldsInSchema = len(schema)

	for _, p := range products {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(p.Specs) == 0 {
			continue
		}
		specs := parser.MapDynamicSpecs(p.Specs, schema)
		if len(specs) == 0 {
			continue
		}
		if err := store.UpsertDynamicSpecs(ctx, p.ID, category, specs); err != nil {
			return nil, fmt.Errorf("failed to backfill specs for %q: %w", p.URL, err)
		}
		res.SpecsBackfilled++
	}

	logger.Info("dynamic specs backfilled",
		zap.String("category", category),
		zap.Int("products", res.Products),
		zap.Int("with_specs", res.WithSpecs),
		zap.Bool("schema_rebuilt", res.SchemaRebuilt),
		zap.Int("backfilled", res.SpecsBackfilled),
	)
	return res, nil
}
