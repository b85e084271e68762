package sitemap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daiy-de/catalog-crawler/internal/catalog"
)

const sitemapXML = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://www.bike-components.de/en/components/</loc></url>
  <url><loc>https://www.bike-components.de/en/components/drivetrain/</loc></url>
  <url><loc>https://www.bike-components.de/en/components/drivetrain/chains/</loc></url>
  <url><loc>https://www.bike-components.de/en/components/drivetrain/cassettes/</loc></url>
  <url><loc>https://www.bike-components.de/en/clothing/gloves/</loc></url>
  <url><loc>https://www.bike-components.de/de/teile/antrieb/ketten/</loc></url>
  <url><loc>https://www.bike-components.de/en/</loc></url>
</urlset>`

type fakeFetcher struct {
	body []byte
	err  error
	url  string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.url = url
	return f.body, f.err
}

func TestDiscoverBuildsTree(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{body: []byte(sitemapXML)}
	d := New(Config{
		SitemapURL: "https://www.bike-components.de/assets/sitemap/others-en.xml",
		MinDepth:   1,
		MaxDepth:   10,
	}, fetcher, zap.NewNop())

	nodes, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, d.cfg.SitemapURL, fetcher.url)

	paths := make(map[string]catalog.CategoryNode, len(nodes))
	for _, n := range nodes {
		paths[n.Path] = n
	}

	require.Len(t, nodes, 5, "non-English and root URLs are dropped")
	require.Contains(t, paths, "components/drivetrain/chains")
	require.NotContains(t, paths, "de/teile/antrieb/ketten")

	require.False(t, paths["components"].IsLeaf)
	require.False(t, paths["components/drivetrain"].IsLeaf)
	require.True(t, paths["components/drivetrain/chains"].IsLeaf)
	require.True(t, paths["components/drivetrain/cassettes"].IsLeaf)
	require.True(t, paths["clothing/gloves"].IsLeaf)

	require.Equal(t, "components/drivetrain", paths["components/drivetrain/chains"].ParentPath)
	require.Equal(t, "", paths["components"].ParentPath)
}

func TestParseTreeDepthWindow(t *testing.T) {
	t.Parallel()

	urls := []string{
		"https://www.bike-components.de/en/components/",
		"https://www.bike-components.de/en/components/drivetrain/chains/",
		"https://www.bike-components.de/en/a/b/c/d/e/",
	}
	nodes := ParseTree(urls, 2, 3)
	require.Len(t, nodes, 1)
	require.Equal(t, "components/drivetrain/chains", nodes[0].Path)
}

func TestLeavesUnder(t *testing.T) {
	t.Parallel()

	nodes := ParseTree([]string{
		"https://www.bike-components.de/en/components/drivetrain/",
		"https://www.bike-components.de/en/components/drivetrain/chains/",
		"https://www.bike-components.de/en/components/drivetrain/cassettes/",
		"https://www.bike-components.de/en/components/brakes/pads/",
		"https://www.bike-components.de/en/clothing/gloves/",
	}, 1, 10)

	leaves := LeavesUnder(nodes, "components/drivetrain")
	require.Len(t, leaves, 2)
	require.Equal(t, "components/drivetrain/cassettes", leaves[0].Path)
	require.Equal(t, "components/drivetrain/chains", leaves[1].Path)

	// Underscore form resolves to the same subtree.
	require.Equal(t, leaves, LeavesUnder(nodes, "components_drivetrain"))

	all := LeavesUnder(nodes, "")
	require.Len(t, all, 4)

	require.Empty(t, LeavesUnder(nodes, "nonexistent"))
}

func TestKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "drivetrain_chains", Key(catalog.CategoryNode{Path: "components/drivetrain/chains"}))
	require.Equal(t, "clothing_mtb_gloves", Key(catalog.CategoryNode{Path: "clothing/mtb-gloves"}))
	require.Equal(t, "components", Key(catalog.CategoryNode{Path: "components"}))
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snapshots", "categories.json")
	snap := Snapshot{
		DiscoveredAt: time.Now().UTC().Truncate(time.Second),
		Source:       "https://www.bike-components.de/assets/sitemap/others-en.xml",
		Categories: []catalog.CategoryNode{
			{Path: "components/drivetrain/chains", URL: "https://www.bike-components.de/en/components/drivetrain/chains/", ParentPath: "components/drivetrain", IsLeaf: true},
		},
	}
	require.NoError(t, WriteSnapshot(path, snap))

	got, err := ReadSnapshot(path)
	require.NoError(t, err)
	require.Equal(t, snap.Source, got.Source)
	require.Equal(t, snap.Categories, got.Categories)
	require.True(t, snap.DiscoveredAt.Equal(got.DiscoveredAt))
}
