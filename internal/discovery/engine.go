// Package discovery samples a category's product pages and scores the raw
// specification labels found there into a persisted field schema.
package discovery

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/daiy-de/catalog-crawler/internal/catalog"
	"github.com/daiy-de/catalog-crawler/internal/parser"
)

var (
	nonWordRe    = regexp.MustCompile(`[^\w\s]`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	underscoreRe = regexp.MustCompile(`_+`)
)

// ToSnakeCase normalizes a raw spec label into a field name: lower-case,
// punctuation stripped, whitespace collapsed to single underscores.
func ToSnakeCase(label string) string {
	cleaned := nonWordRe.ReplaceAllString(strings.ToLower(label), "")
	cleaned = whitespaceRe.ReplaceAllString(strings.TrimSpace(cleaned), "_")
	return underscoreRe.ReplaceAllString(cleaned, "_")
}

// Config bounds one discovery run.
type Config struct {
	// SampleSize is the number of product pages to fetch and inspect.
	SampleSize int
	// MinFrequency is the stability threshold: a field seen in fewer than
	// this fraction of samples is discarded.
	MinFrequency float64
	// MaxSamplePages caps how many listing pages are scanned for sample
	// URLs.
	MaxSamplePages int
}

// Engine drives field discovery for one category at a time. Every outbound
// request goes through the shared fetcher, so politeness delays and URL
// validation apply to sampling exactly as they do to the bulk crawl.
type Engine struct {
	cfg     Config
	fetcher catalog.Fetcher
	parser  *parser.Parser
	store   catalog.Store
	logger  *zap.Logger
}

// New builds an Engine.
func New(cfg Config, fetcher catalog.Fetcher, p *parser.Parser, store catalog.Store, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		fetcher: fetcher,
		parser:  p,
		store:   store,
		logger:  logger,
	}
}

// DiscoverFields samples up to cfg.SampleSize product pages under
// categoryURL, aggregates their raw spec labels, and persists the fields
// whose frequency clears cfg.MinFrequency. The stored schema for the
// category is fully replaced.
func (e *Engine) DiscoverFields(ctx context.Context, category, categoryURL string) ([]catalog.DiscoveredField, error) {
	sampleURLs, err := e.SampleProductURLs(ctx, categoryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to sample %q: %w", category, err)
	}
	if len(sampleURLs) == 0 {
		return nil, fmt.Errorf("no products found to sample under %q", categoryURL)
	}
	e.logger.Info("sampling products for field discovery",
		zap.String("category", category),
		zap.Int("samples", len(sampleURLs)),
	)

	counter := newLabelCounter()

	for _, url := range sampleURLs {
		html, err := e.fetcher.Fetch(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("skipping sample", zap.String("url", url), zap.Error(err))
			continue
		}
		specs, err := parser.ExtractSpecLabels(html)
		if err != nil {
			e.logger.Warn("skipping unparseable sample", zap.String("url", url), zap.Error(err))
			continue
		}
		counter.Observe(specs)
	}

	if counter.samples == 0 {
		return nil, fmt.Errorf("all %d samples for %q failed", len(sampleURLs), category)
	}

	fields := counter.Fields(category, e.cfg.MinFrequency, time.Now().UTC())

	if err := e.store.ReplaceDiscoveredFields(ctx, category, fields); err != nil {
		return nil, fmt.Errorf("failed to persist schema for %q: %w", category, err)
	}
	e.logger.Info("field schema discovered",
		zap.String("category", category),
		zap.Int("sampled", counter.samples),
		zap.Int("fields", len(fields)),
	)
	return fields, nil
}

// labelCounter aggregates raw spec labels across observations. One
// observation counts once per normalized field even when the page carries
// several label variants of it.
type labelCounter struct {
	candidates map[string]*fieldCandidate
	samples    int
}

type fieldCandidate struct {
	labels map[string]struct{}
	count  int
}

func newLabelCounter() *labelCounter {
	return &labelCounter{candidates: make(map[string]*fieldCandidate)}
}

func (lc *labelCounter) Observe(specs map[string]string) {
	lc.samples++
	seen := make(map[string]struct{})
	for label := range specs {
		name := ToSnakeCase(label)
		if name == "" {
			continue
		}
		c, ok := lc.candidates[name]
		if !ok {
			c = &fieldCandidate{labels: make(map[string]struct{})}
			lc.candidates[name] = c
		}
		c.labels[label] = struct{}{}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			c.count++
		}
	}
}

// Fields scores the aggregate. Frequency is the share of observations that
// carried the field; anything below minFrequency is discarded.
// Highest-frequency fields sort first, with name breaking ties so repeated
// runs over the same input produce identical output.
func (lc *labelCounter) Fields(category string, minFrequency float64, now time.Time) []catalog.DiscoveredField {
	var fields []catalog.DiscoveredField
	for name, c := range lc.candidates {
		freq := float64(c.count) / float64(lc.samples)
		if freq < minFrequency {
			continue
		}
		labels := make([]string, 0, len(c.labels))
		for label := range c.labels {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		fields = append(fields, catalog.DiscoveredField{
			Category:       category,
			FieldName:      name,
			OriginalLabels: labels,
			Frequency:      freq,
			DiscoveredAt:   now,
		})
	}
	sort.Slice(fields, func(i, j int) bool {
		if fields[i].Frequency != fields[j].Frequency {
			return fields[i].Frequency > fields[j].Frequency
		}
		return fields[i].FieldName < fields[j].FieldName
	})
	return fields
}

// SampleProductURLs walks up to cfg.MaxSamplePages listing pages and returns
// at most cfg.SampleSize product URLs, spread proportionally across the
// pages scanned.
func (e *Engine) SampleProductURLs(ctx context.Context, categoryURL string) ([]string, error) {
	var urls []string
	currentURL := categoryURL

	for page := 1; currentURL != "" && len(urls) < e.cfg.SampleSize && page <= e.cfg.MaxSamplePages; page++ {
		html, err := e.fetcher.Fetch(ctx, currentURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch sample page %d: %w", page, err)
		}
		listing, err := e.parser.ParseListing(html, currentURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse sample page %d: %w", page, err)
		}

		// Spread the sample across the pages still allowed, but take at
		// least a handful per page so small categories fill the sample from
		// page one. On the last page there is nothing left to spread over,
		// so take the whole remainder.
		remaining := e.cfg.SampleSize - len(urls)
		perPage := remaining / (e.cfg.MaxSamplePages - page + 1)
		if perPage < 5 {
			perPage = 5
		}
		if listing.NextPageURL == "" || page == e.cfg.MaxSamplePages {
			perPage = remaining
		}
		if perPage > len(listing.ProductURLs) {
			perPage = len(listing.ProductURLs)
		}
		urls = append(urls, listing.ProductURLs[:perPage]...)

		if listing.NextPageURL == currentURL {
			break
		}
		currentURL = listing.NextPageURL
	}

	if len(urls) > e.cfg.SampleSize {
		urls = urls[:e.cfg.SampleSize]
	}
	return urls, nil
}
