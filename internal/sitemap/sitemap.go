// Package sitemap discovers the site's category tree from its XML sitemap
// and exposes it as a flat list of nodes with leaf detection.
package sitemap

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/daiy-de/catalog-crawler/internal/catalog"
)

// urlset mirrors the sitemap.org 0.9 schema; only <loc> matters here.
type urlset struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

// Config bounds which sitemap entries become category nodes.
type Config struct {
	// SitemapURL is the category sitemap document.
	SitemapURL string
	// MinDepth and MaxDepth bound the path depth (segments after /en/).
	MinDepth int
	MaxDepth int
}

// Discoverer builds the category tree. Sitemap fetches run through the
// shared fetcher so validation and politeness apply.
type Discoverer struct {
	cfg     Config
	fetcher catalog.Fetcher
	logger  *zap.Logger
}

// New builds a Discoverer.
func New(cfg Config, fetcher catalog.Fetcher, logger *zap.Logger) *Discoverer {
	return &Discoverer{cfg: cfg, fetcher: fetcher, logger: logger}
}

// Discover fetches the sitemap and returns the category nodes within the
// configured depth window, sorted by path. IsLeaf is set on nodes no other
// node nests under.
func (d *Discoverer) Discover(ctx context.Context) ([]catalog.CategoryNode, error) {
	body, err := d.fetcher.Fetch(ctx, d.cfg.SitemapURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sitemap: %w", err)
	}

	var set urlset
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("failed to parse sitemap xml: %w", err)
	}

	nodes := ParseTree(urlsOf(set), d.cfg.MinDepth, d.cfg.MaxDepth)
	d.logger.Info("category tree discovered",
		zap.Int("sitemap_urls", len(set.URLs)),
		zap.Int("categories", len(nodes)),
		zap.Int("leaves", len(Leaves(nodes))),
	)
	return nodes, nil
}

func urlsOf(set urlset) []string {
	urls := make([]string, 0, len(set.URLs))
	for _, u := range set.URLs {
		if loc := strings.TrimSpace(u.Loc); loc != "" {
			urls = append(urls, loc)
		}
	}
	return urls
}

// ParseTree turns raw sitemap URLs into category nodes. Non-English paths
// and paths outside the depth window are dropped.
func ParseTree(rawURLs []string, minDepth, maxDepth int) []catalog.CategoryNode {
	type entry struct {
		node  catalog.CategoryNode
		depth int
	}
	byPath := make(map[string]entry)

	for _, raw := range rawURLs {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		path := strings.Trim(u.Path, "/")
		if !strings.HasPrefix(path, "en/") {
			continue
		}
		path = strings.TrimPrefix(path, "en/")
		segments := splitSegments(path)
		if len(segments) < minDepth || len(segments) > maxDepth {
			continue
		}

		parent := ""
		if len(segments) > 1 {
			parent = strings.Join(segments[:len(segments)-1], "/")
		}
		byPath[path] = entry{
			node: catalog.CategoryNode{
				Path:       path,
				URL:        raw,
				ParentPath: parent,
			},
			depth: len(segments),
		}
	}

	nodes := make([]catalog.CategoryNode, 0, len(byPath))
	for path, e := range byPath {
		leaf := true
		prefix := path + "/"
		for other := range byPath {
			if other != path && strings.HasPrefix(other, prefix) {
				leaf = false
				break
			}
		}
		e.node.IsLeaf = leaf
		nodes = append(nodes, e.node)
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
	return nodes
}

func splitSegments(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// Leaves filters nodes down to the leaf categories, preserving order.
func Leaves(nodes []catalog.CategoryNode) []catalog.CategoryNode {
	var leaves []catalog.CategoryNode
	for _, n := range nodes {
		if n.IsLeaf {
			leaves = append(leaves, n)
		}
	}
	return leaves
}

// LeavesUnder returns the leaf categories at or under root ("" means the
// whole tree). Root may be given with either slashes or the underscore form
// used for category keys.
func LeavesUnder(nodes []catalog.CategoryNode, root string) []catalog.CategoryNode {
	root = strings.Trim(strings.ReplaceAll(root, "_", "/"), "/")
	if root == "" {
		return Leaves(nodes)
	}
	var leaves []catalog.CategoryNode
	for _, n := range nodes {
		if !n.IsLeaf {
			continue
		}
		if n.Path == root || strings.HasPrefix(n.Path, root+"/") {
			leaves = append(leaves, n)
		}
	}
	return leaves
}

// Key derives the category key for a node: its last two path segments in
// snake_case, matching the keys used in config and storage.
func Key(n catalog.CategoryNode) string {
	segments := splitSegments(n.Path)
	if len(segments) >= 2 {
		segments = segments[len(segments)-2:]
	}
	return strings.ReplaceAll(strings.Join(segments, "_"), "-", "_")
}

// Snapshot is the on-disk form of a discovered tree.
type Snapshot struct {
	DiscoveredAt time.Time              `json:"discovered_at"`
	Source       string                 `json:"source"`
	Categories   []catalog.CategoryNode `json:"categories"`
}

// WriteSnapshot saves the tree as JSON, creating parent directories.
func WriteSnapshot(path string, snap Snapshot) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads a previously written tree.
func ReadSnapshot(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return snap, nil
}
