package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/daiy-de/catalog-crawler/internal/discovery"
	"github.com/daiy-de/catalog-crawler/internal/sitemap"
)

// newDiscoverFieldsCmd creates the 'discover-fields' subcommand: run field
// sampling for one category and persist the resulting schema.
func newDiscoverFieldsCmd() *cobra.Command {
	var (
		categoryURL string
		sampleSize  int
		overnight   bool
	)

	cmd := &cobra.Command{
		Use:   "discover-fields <category-key>",
		Short: "Samples a category and persists its field schema",
		Long: `Fetches a sample of product pages from one category, scores every raw
specification label by how many sampled products carry it, and stores the
fields above the configured frequency threshold as the category's schema,
replacing any prior schema. Example:

  catalog-crawler discover-fields drivetrain_chains \
      --url https://www.bike-components.de/en/components/drivetrain/chains/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if categoryURL == "" {
				return fmt.Errorf("--url is required")
			}
			if sampleSize <= 0 {
				sampleSize = a.Cfg.Discovery.SampleSize
			}

			engine := discovery.New(discovery.Config{
				SampleSize:     sampleSize,
				MinFrequency:   a.Cfg.Discovery.MinFrequency,
				MaxSamplePages: a.Cfg.Discovery.MaxSamplePages,
			}, a.NewFetcher(overnight), a.Parser, a.Store, a.Logger)

			fields, err := engine.DiscoverFields(cmd.Context(), args[0], categoryURL)
			if err != nil {
				return fmt.Errorf("discovery failed: %w", err)
			}
			return printJSON(cmd, fields)
		},
	}

	cmd.Flags().StringVar(&categoryURL, "url", "", "first listing page of the category (required)")
	cmd.Flags().IntVar(&sampleSize, "sample-size", 0, "products to sample (0 = configured default)")
	cmd.Flags().BoolVar(&overnight, "overnight", false, "use the wide overnight delay window")

	return cmd
}

// newBackfillCmd creates the 'backfill' subcommand: rebuild dynamic specs
// for a category from raw specs already in the store, without re-scraping.
func newBackfillCmd() *cobra.Command {
	var rebuildSchema bool

	cmd := &cobra.Command{
		Use:   "backfill <category-key>",
		Short: "Derives dynamic specs from stored raw specs without re-scraping",
		Long: `Re-maps every stored product's raw specification labels through the
category's field schema and writes the resulting dynamic spec rows. When the
category has no schema yet, or --rebuild-schema is set, a schema is first
derived from the stored specs using the configured frequency threshold. No
pages are fetched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			result, err := discovery.Backfill(cmd.Context(), a.Store, args[0],
				a.Cfg.Discovery.MinFrequency, rebuildSchema, a.Logger)
			if err != nil {
				return fmt.Errorf("backfill failed: %w", err)
			}
			return printJSON(cmd, result)
		},
	}

	cmd.Flags().BoolVar(&rebuildSchema, "rebuild-schema", false, "re-derive the field schema from stored specs before mapping")

	return cmd
}

// newDiscoverCategoriesCmd creates the 'discover-categories' subcommand:
// fetch the sitemap, print the category tree, optionally snapshot it.
func newDiscoverCategoriesCmd() *cobra.Command {
	var (
		output   string
		minDepth int
		maxDepth int
	)

	cmd := &cobra.Command{
		Use:   "discover-categories",
		Short: "Builds the category tree from the site's sitemap",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			d := sitemap.New(sitemap.Config{
				SitemapURL: a.Cfg.Site.SitemapURL,
				MinDepth:   minDepth,
				MaxDepth:   maxDepth,
			}, a.NewFetcher(false), a.Logger)

			nodes, err := d.Discover(cmd.Context())
			if err != nil {
				return fmt.Errorf("category discovery failed: %w", err)
			}

			if output != "" {
				snap := sitemap.Snapshot{
					DiscoveredAt: time.Now().UTC(),
					Source:       a.Cfg.Site.SitemapURL,
					Categories:   nodes,
				}
				if err := sitemap.WriteSnapshot(output, snap); err != nil {
					return err
				}
				cmd.Printf("Wrote %d categories (%d leaves) to %s\n",
					len(nodes), len(sitemap.Leaves(nodes)), output)
				return nil
			}
			return printJSON(cmd, nodes)
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "write a JSON snapshot instead of printing the tree")
	cmd.Flags().IntVar(&minDepth, "min-depth", 2, "minimum category path depth")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 10, "maximum category path depth")

	return cmd
}
