// Package parser turns fetched HTML documents into product links or
// normalized product records.
package parser

import (
	"bytes"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/daiy-de/catalog-crawler/internal/catalog"
	"github.com/daiy-de/catalog-crawler/internal/urlcheck"
)

var pageParamRe = regexp.MustCompile(`[?&]page=(\d+)`)

// Parser extracts structured data from listing and product pages. It never
// performs network calls; URLs it emits are validated before being returned.
type Parser struct {
	baseURL   string
	validator *urlcheck.Validator
}

// New builds a Parser. baseURL is the scheme+host prefix used to absolutize
// relative product links.
func New(baseURL string, validator *urlcheck.Validator) *Parser {
	return &Parser{
		baseURL:   strings.TrimRight(baseURL, "/"),
		validator: validator,
	}
}

// Listing is the parsed form of one category listing page.
type Listing struct {
	// ProductURLs are absolute, validated, de-duplicated, in page order.
	ProductURLs []string
	// NextPageURL is empty on the last page.
	NextPageURL string
	// TotalPages is nil when the pager gives no total.
	TotalPages *int
}

// ParseListing extracts product links and pagination from a category page.
// currentURL resolves relative pager links.
func (p *Parser) ParseListing(html []byte, currentURL string) (*Listing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, &catalog.ParseError{URL: currentURL, Missing: "parseable HTML: " + err.Error()}
	}

	listing := &Listing{
		ProductURLs: p.extractProductLinks(doc),
		NextPageURL: p.extractNextPageURL(doc, currentURL),
		TotalPages:  extractTotalPages(doc),
	}
	return listing, nil
}

func (p *Parser) extractProductLinks(doc *goquery.Document) []string {
	seen := make(map[string]struct{})
	var links []string

	doc.Find(`a[href^="/en/"]`).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || !p.validator.IsProductURL(href) {
			return
		}
		full, err := p.validator.Validate(p.baseURL + href)
		if err != nil {
			return
		}
		if _, dup := seen[full]; dup {
			return
		}
		seen[full] = struct{}{}
		links = append(links, full)
	})
	return links
}

// extractNextPageURL prefers the explicit rel="next" signal over numbered
// pager links when both are present.
func (p *Parser) extractNextPageURL(doc *goquery.Document, currentURL string) string {
	if href, ok := doc.Find(`link[rel="next"]`).Attr("href"); ok && href != "" {
		if next := p.resolve(currentURL, href); next != "" {
			return next
		}
	}

	pager := doc.Find("nav.pagination, div.pagination, ul.pagination").First()
	if pager.Length() == 0 {
		return ""
	}

	if href, ok := pager.Find(`a[rel="next"], a.next`).First().Attr("href"); ok && href != "" {
		if next := p.resolve(currentURL, href); next != "" {
			return next
		}
	}

	// Numbered pager: look for a link to currentPage+1.
	nextPage := currentPageNumber(currentURL) + 1
	var found string
	pager.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		if m := pageParamRe.FindStringSubmatch(href); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n == nextPage {
				found = p.resolve(currentURL, href)
				return false
			}
		}
		return true
	})
	return found
}

// resolve absolutizes href against base and validates the result; invalid
// or off-domain candidates are dropped.
func (p *Parser) resolve(base, href string) string {
	baseU, err := url.Parse(base)
	if err != nil {
		return ""
	}
	refU, err := url.Parse(urlcheck.Sanitize(href))
	if err != nil {
		return ""
	}
	resolved := baseU.ResolveReference(refU).String()
	validated, err := p.validator.Validate(resolved)
	if err != nil {
		return ""
	}
	return validated
}

func currentPageNumber(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 1
	}
	if v := u.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

// extractTotalPages reads the pager for either "of N" text or the highest
// numbered page link. Returns nil when neither is present.
func extractTotalPages(doc *goquery.Document) *int {
	pager := doc.Find("nav.pagination, div.pagination, ul.pagination").First()
	if pager.Length() == 0 {
		return nil
	}

	text := pager.Text()
	if m := regexp.MustCompile(`(?i)of\s+(\d+)`).FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return &n
		}
	}

	maxPage := 1
	pager.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if m := pageParamRe.FindStringSubmatch(href); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > maxPage {
				maxPage = n
			}
		}
	})
	if maxPage > 1 {
		return &maxPage
	}
	return nil
}
