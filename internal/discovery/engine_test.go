package discovery

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daiy-de/catalog-crawler/internal/catalog"
	"github.com/daiy-de/catalog-crawler/internal/parser"
	"github.com/daiy-de/catalog-crawler/internal/urlcheck"
)

const baseURL = "https://www.bike-components.de"

type fakeFetcher struct {
	pages   map[string]string
	fetched []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.fetched = append(f.fetched, url)
	body, ok := f.pages[url]
	if !ok {
		return nil, &catalog.FetchError{URL: url, StatusCode: 404}
	}
	return []byte(body), nil
}

// fakeStore records schema replacements; unused Store methods panic via the
// embedded nil interface.
type fakeStore struct {
	catalog.Store
	replaced map[string][]catalog.DiscoveredField
}

func (s *fakeStore) ReplaceDiscoveredFields(_ context.Context, category string, fields []catalog.DiscoveredField) error {
	if s.replaced == nil {
		s.replaced = make(map[string][]catalog.DiscoveredField)
	}
	s.replaced[category] = fields
	return nil
}

func newTestParser() *parser.Parser {
	validator := urlcheck.New([]string{"www.bike-components.de"}, nil)
	return parser.New(baseURL, validator)
}

func productPage(labels ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><h1>Product</h1><div class="description"><div class="site-text"><dl>`)
	for _, label := range labels {
		fmt.Fprintf(&b, "<dt>%s:</dt><dd>value</dd>", label)
	}
	b.WriteString(`</dl></div></div></body></html>`)
	return b.String()
}

func listingPage(productURLs []string, nextURL string) string {
	var b strings.Builder
	b.WriteString("<html><head>")
	if nextURL != "" {
		fmt.Fprintf(&b, `<link rel="next" href=%q>`, nextURL)
	}
	b.WriteString("</head><body>")
	for _, u := range productURLs {
		fmt.Fprintf(&b, `<a href=%q>p</a>`, strings.TrimPrefix(u, baseURL))
	}
	b.WriteString("</body></html>")
	return b.String()
}

func TestToSnakeCase(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Gearing":          "gearing",
		"Weight (g)":       "weight_g",
		"Closure  Type":    "closure_type",
		"Art. No.":         "art_no",
		"  Freehub Body  ": "freehub_body",
	}
	for in, want := range cases {
		require.Equal(t, want, ToSnakeCase(in), "input %q", in)
	}
}

// 15 samples: Gearing on 12 pages (0.8), Weight (g) on 2 (0.13). With a 0.3
// threshold only gearing survives.
func TestDiscoverFieldsThreshold(t *testing.T) {
	categoryURL := baseURL + "/en/components/chains/"
	fetcher := &fakeFetcher{pages: map[string]string{}}

	var productURLs []string
	for i := 1; i <= 15; i++ {
		u := fmt.Sprintf("%s/en/Brand/Chain-p%d/", baseURL, i)
		productURLs = append(productURLs, u)
		switch {
		case i <= 12:
			fetcher.pages[u] = productPage("Gearing")
		case i <= 14:
			fetcher.pages[u] = productPage("Weight (g)")
		default:
			fetcher.pages[u] = productPage()
		}
	}
	fetcher.pages[categoryURL] = listingPage(productURLs, "")

	store := &fakeStore{}
	engine := New(Config{SampleSize: 15, MinFrequency: 0.3, MaxSamplePages: 3},
		fetcher, newTestParser(), store, zap.NewNop())

	fields, err := engine.DiscoverFields(context.Background(), "chains", categoryURL)
	require.NoError(t, err)

	require.Len(t, fields, 1)
	require.Equal(t, "gearing", fields[0].FieldName)
	require.Equal(t, []string{"Gearing"}, fields[0].OriginalLabels)
	require.InDelta(t, 0.8, fields[0].Frequency, 1e-9)
	require.Equal(t, "chains", fields[0].Category)
	require.False(t, fields[0].DiscoveredAt.IsZero())

	require.Equal(t, fields, store.replaced["chains"], "schema is persisted as returned")
}

func TestDiscoverFieldsMergesLabelVariants(t *testing.T) {
	categoryURL := baseURL + "/en/components/chains/"
	fetcher := &fakeFetcher{pages: map[string]string{}}

	var productURLs []string
	for i := 1; i <= 6; i++ {
		u := fmt.Sprintf("%s/en/Brand/Chain-p%d/", baseURL, i)
		productURLs = append(productURLs, u)
		// "Closure Type" and "closure type" normalize to the same field.
		if i%2 == 0 {
			fetcher.pages[u] = productPage("Closure Type")
		} else {
			fetcher.pages[u] = productPage("closure type")
		}
	}
	fetcher.pages[categoryURL] = listingPage(productURLs, "")

	store := &fakeStore{}
	engine := New(Config{SampleSize: 6, MinFrequency: 0.3, MaxSamplePages: 3},
		fetcher, newTestParser(), store, zap.NewNop())

	fields, err := engine.DiscoverFields(context.Background(), "chains", categoryURL)
	require.NoError(t, err)
	require.Len(t, fields, 1)
	require.Equal(t, "closure_type", fields[0].FieldName)
	require.Equal(t, []string{"Closure Type", "closure type"}, fields[0].OriginalLabels)
	require.InDelta(t, 1.0, fields[0].Frequency, 1e-9)
}

func TestDiscoverFieldsDeterministicOrder(t *testing.T) {
	categoryURL := baseURL + "/en/components/chains/"
	newFetcher := func() *fakeFetcher {
		f := &fakeFetcher{pages: map[string]string{}}
		var productURLs []string
		for i := 1; i <= 5; i++ {
			u := fmt.Sprintf("%s/en/Brand/Chain-p%d/", baseURL, i)
			productURLs = append(productURLs, u)
			f.pages[u] = productPage("Gearing", "Material", "Closure Type")
		}
		f.pages[categoryURL] = listingPage(productURLs, "")
		return f
	}

	run := func() []catalog.DiscoveredField {
		engine := New(Config{SampleSize: 5, MinFrequency: 0.3, MaxSamplePages: 3},
			newFetcher(), newTestParser(), &fakeStore{}, zap.NewNop())
		fields, err := engine.DiscoverFields(context.Background(), "chains", categoryURL)
		require.NoError(t, err)
		return fields
	}

	first := run()
	for i := 0; i < 3; i++ {
		require.Equal(t, first, run(), "repeated runs over the same sample must agree")
	}
	// All tied at 1.0; name order breaks the tie.
	require.Equal(t, "closure_type", first[0].FieldName)
	require.Equal(t, "gearing", first[1].FieldName)
	require.Equal(t, "material", first[2].FieldName)
}

func TestSampleProductURLsSpansPages(t *testing.T) {
	page1URL := baseURL + "/en/components/chains/"
	page2URL := baseURL + "/en/components/chains/?page=2"

	makeURLs := func(start, n int) []string {
		urls := make([]string, n)
		for i := range urls {
			urls[i] = fmt.Sprintf("%s/en/Brand/Chain-p%d/", baseURL, start+i)
		}
		return urls
	}
	fetcher := &fakeFetcher{pages: map[string]string{
		page1URL: listingPage(makeURLs(1, 20), page2URL),
		page2URL: listingPage(makeURLs(21, 20), ""),
	}}

	engine := New(Config{SampleSize: 10, MinFrequency: 0.3, MaxSamplePages: 2},
		fetcher, newTestParser(), &fakeStore{}, zap.NewNop())

	urls, err := engine.SampleProductURLs(context.Background(), page1URL)
	require.NoError(t, err)
	require.Len(t, urls, 10)
	require.Contains(t, urls, makeURLs(21, 1)[0], "sample draws from the second page too")
	require.Equal(t, []string{page1URL, page2URL}, fetcher.fetched)
}

func TestDiscoverFieldsToleratesFailedSamples(t *testing.T) {
	categoryURL := baseURL + "/en/components/chains/"
	fetcher := &fakeFetcher{pages: map[string]string{}}

	var productURLs []string
	for i := 1; i <= 4; i++ {
		u := fmt.Sprintf("%s/en/Brand/Chain-p%d/", baseURL, i)
		productURLs = append(productURLs, u)
		if i <= 3 {
			fetcher.pages[u] = productPage("Gearing")
		}
		// p4 404s and is excluded from the denominator.
	}
	fetcher.pages[categoryURL] = listingPage(productURLs, "")

	engine := New(Config{SampleSize: 4, MinFrequency: 0.3, MaxSamplePages: 3},
		fetcher, newTestParser(), &fakeStore{}, zap.NewNop())

	fields, err := engine.DiscoverFields(context.Background(), "chains", categoryURL)
	require.NoError(t, err)
	require.Len(t, fields, 1)
	require.InDelta(t, 1.0, fields[0].Frequency, 1e-9, "frequency is over successful samples")
}
