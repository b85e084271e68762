// Package metrics exposes Prometheus collectors for the acquisition pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the pipeline's Prometheus collectors. Collectors are bound
// to an injected registerer so tests can use private registries.
type Metrics struct {
	FetchAttempts  *prometheus.CounterVec
	FetchRetries   prometheus.Counter
	FetchFailures  prometheus.Counter
	PagesCrawled   *prometheus.CounterVec
	ProductsStored *prometheus.CounterVec
	ProductsSkip   *prometheus.CounterVec
	ParseFailures  prometheus.Counter
}

// New registers all collectors on reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_fetch_attempts_total",
				Help: "HTTP fetch attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		FetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_fetch_retries_total",
			Help: "Retries performed after transient fetch failures.",
		}),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_fetch_failures_total",
			Help: "Fetches abandoned after exhausting retries.",
		}),
		PagesCrawled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_pages_crawled_total",
				Help: "Listing pages fully committed, labeled by category.",
			},
			[]string{"category"},
		),
		ProductsStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_products_stored_total",
				Help: "Products upserted, labeled by category.",
			},
			[]string{"category"},
		),
		ProductsSkip: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_products_skipped_total",
				Help: "Products skipped by the incremental skip set, labeled by category.",
			},
			[]string{"category"},
		),
		ParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_parse_failures_total",
			Help: "Pages or products dropped due to missing structure.",
		}),
	}

	reg.MustRegister(
		m.FetchAttempts,
		m.FetchRetries,
		m.FetchFailures,
		m.PagesCrawled,
		m.ProductsStored,
		m.ProductsSkip,
		m.ParseFailures,
	)
	return m
}

// NewNop returns a bundle registered on a throwaway registry, for callers
// and tests that do not scrape metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
