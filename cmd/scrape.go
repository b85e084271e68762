package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/daiy-de/catalog-crawler/internal/app"
	"github.com/daiy-de/catalog-crawler/internal/catalog"
	"github.com/daiy-de/catalog-crawler/internal/discovery"
	"github.com/daiy-de/catalog-crawler/internal/shutdown"
	"github.com/daiy-de/catalog-crawler/internal/sitemap"
	"github.com/daiy-de/catalog-crawler/internal/walker"
	"github.com/daiy-de/catalog-crawler/internal/workflow"
)

type scrapeFlags struct {
	mode          string
	maxPages      int
	overnight     bool
	skipDiscovery bool
	sampleSize    int
	dryRun        bool
	categoriesIn  string
}

// newScrapeCmd creates the 'scrape' subcommand, the main crawl entry point.
func newScrapeCmd() *cobra.Command {
	flags := &scrapeFlags{}

	cmd := &cobra.Command{
		Use:   "scrape <category-path>",
		Short: "Crawls every leaf category under a category subtree",
		Long: `Walks all leaf categories under the given path, e.g.

  catalog-crawler scrape components/drivetrain

Incremental mode resumes each category at its last committed page and skips
known product URLs; full mode re-fetches everything and refreshes existing
rows. The first interrupt signal stops at the next page boundary; a second
one aborts the in-flight request.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrape(cmd, args[0], flags)
		},
	}

	cmd.Flags().StringVar(&flags.mode, "mode", string(catalog.ModeIncremental), "crawl mode: incremental or full")
	cmd.Flags().IntVar(&flags.maxPages, "max-pages", 0, "max listing pages per category (0 = configured default)")
	cmd.Flags().BoolVar(&flags.overnight, "overnight", false, "use the wide overnight delay window")
	cmd.Flags().BoolVar(&flags.skipDiscovery, "skip-discovery", false, "walk without sampling missing field schemas")
	cmd.Flags().IntVar(&flags.sampleSize, "sample-size", 0, "products sampled per category for field discovery (0 = configured default)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "enumerate categories and schemas without issuing product requests")
	cmd.Flags().StringVar(&flags.categoriesIn, "categories-file", "", "read the category tree from a snapshot instead of the live sitemap")

	return cmd
}

func runScrape(cmd *cobra.Command, root string, flags *scrapeFlags) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	mode := catalog.Mode(flags.mode)
	if !mode.Valid() {
		return fmt.Errorf("unknown mode %q (want incremental or full)", flags.mode)
	}

	maxPages := flags.maxPages
	if maxPages <= 0 {
		maxPages = a.Cfg.Crawl.MaxPagesDefault
	}
	if maxPages > a.Cfg.Crawl.MaxPagesHard {
		a.Logger.Warn("max pages clamped to hard cap",
			zap.Int("requested", maxPages),
			zap.Int("hard_cap", a.Cfg.Crawl.MaxPagesHard),
		)
		maxPages = a.Cfg.Crawl.MaxPagesHard
	}
	sampleSize := flags.sampleSize
	if sampleSize <= 0 {
		sampleSize = a.Cfg.Discovery.SampleSize
	}

	coordinator := shutdown.New(cmd.Context(), a.Logger)
	defer coordinator.Close()

	// Blocking work runs on the hard context: a graceful stop lets the
	// current page finish, a second signal cuts it off.
	ctx := coordinator.HardCtx()

	fetch := a.NewFetcher(flags.overnight)
	engine := discovery.New(discovery.Config{
		SampleSize:     sampleSize,
		MinFrequency:   a.Cfg.Discovery.MinFrequency,
		MaxSamplePages: a.Cfg.Discovery.MaxSamplePages,
	}, fetch, a.Parser, a.Store, a.Logger)
	w := walker.New(fetch, a.Parser, a.Store, a.Metrics, a.Logger)

	tree, err := newTreeSource(flags.categoriesIn, fetch, a)
	if err != nil {
		return err
	}

	orchestrator := workflow.New(tree, engine, w, a.Store, a.Logger)
	summary, err := orchestrator.Run(ctx, catalog.RunOptions{
		Root:            root,
		Mode:            mode,
		MaxPages:        maxPages,
		Overnight:       flags.overnight,
		SkipDiscovery:   flags.skipDiscovery,
		FieldSampleSize: sampleSize,
		DryRun:          flags.dryRun,
	}, coordinator)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	return printJSON(cmd, summary)
}

// snapshotTree serves a category tree from a JSON snapshot on disk.
type snapshotTree struct {
	path string
}

func (s snapshotTree) Discover(context.Context) ([]catalog.CategoryNode, error) {
	snap, err := sitemap.ReadSnapshot(s.path)
	if err != nil {
		return nil, err
	}
	return snap.Categories, nil
}

func newTreeSource(snapshotPath string, fetch catalog.Fetcher, a *app.App) (workflow.TreeSource, error) {
	if snapshotPath != "" {
		return snapshotTree{path: snapshotPath}, nil
	}
	return sitemap.New(sitemap.Config{
		SitemapURL: a.Cfg.Site.SitemapURL,
		MinDepth:   2,
		MaxDepth:   10,
	}, fetch, a.Logger), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render output: %w", err)
	}
	cmd.Println(string(raw))
	return nil
}
