package parser

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/daiy-de/catalog-crawler/internal/catalog"
)

// SKU label variants tried in order, case-insensitive.
var skuLabels = []string{"item number", "article number", "art. no"}

// ParseProduct extracts a normalized product record from a product page.
// schema filters raw spec labels into the DynamicSpecs map; unmatched labels
// stay in Specs but produce no dynamic spec rows.
func (p *Parser) ParseProduct(html []byte, pageURL, category string, schema []catalog.DiscoveredField) (*catalog.Product, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, &catalog.ParseError{URL: pageURL, Missing: "parseable HTML: " + err.Error()}
	}

	name := firstText(doc, `h1[data-test="auto-product-name"]`, "h1")
	if name == "" {
		return nil, &catalog.ParseError{URL: pageURL, Missing: "product name (h1)"}
	}

	description, specs := extractDescriptionAndSpecs(doc)

	product := &catalog.Product{
		Category:    category,
		Name:        name,
		URL:         pageURL,
		Brand:       extractBrand(doc, name),
		PriceText:   extractPriceText(doc),
		SKU:         extractSKU(doc),
		Breadcrumbs: extractBreadcrumbs(doc),
		Description: description,
		Specs:       specs,
	}

	if raw := extractPrimaryImageURL(doc); raw != "" {
		if validated, err := p.validator.ValidateImage(raw); err == nil {
			product.ImageURL = &validated
		}
	}

	if len(schema) > 0 && len(specs) > 0 {
		product.DynamicSpecs = MapDynamicSpecs(specs, schema)
	}

	return product, nil
}

// MapDynamicSpecs filters a raw label→value map through a discovered field
// schema. Matching is case-insensitive across each field's label variants;
// unmatched raw labels are dropped.
func MapDynamicSpecs(specs map[string]string, schema []catalog.DiscoveredField) map[string]*string {
	lower := make(map[string]string, len(specs))
	for label, value := range specs {
		lower[strings.ToLower(label)] = value
	}

	out := make(map[string]*string)
	for _, field := range schema {
		for _, label := range field.OriginalLabels {
			if value, ok := lower[strings.ToLower(label)]; ok {
				v := value
				out[field.FieldName] = &v
				break
			}
		}
	}
	return out
}

// ExtractSpecLabels returns every raw spec label→value pair on a product
// page, used by the discovery sampling phase. Unlike ParseProduct it also
// falls back to page-wide definition lists and tables.
func ExtractSpecLabels(html []byte) (map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, err
	}

	_, specs := extractDescriptionAndSpecs(doc)
	if len(specs) == 0 {
		specs = make(map[string]string)
		doc.Find("dl").Each(func(_ int, dl *goquery.Selection) {
			collectDefinitionPairs(dl, specs)
		})
	}

	doc.Find("table tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("th, td")
		if cells.Length() < 2 {
			return
		}
		key := strings.TrimSuffix(cleanText(cells.Eq(0).Text()), ":")
		value := cleanText(cells.Eq(1).Text())
		if key != "" && value != "" {
			if _, exists := specs[key]; !exists {
				specs[key] = value
			}
		}
	})

	return specs, nil
}

func extractBrand(doc *goquery.Document, name string) *string {
	if alt, ok := doc.Find(".manufacturer img[alt]").First().Attr("alt"); ok {
		if brand := cleanText(alt); brand != "" {
			return &brand
		}
	}
	// Fall back to the first word of the title.
	if fields := strings.Fields(name); len(fields) > 0 {
		return &fields[0]
	}
	return nil
}

func extractPriceText(doc *goquery.Document) *string {
	if text := cleanText(doc.Find(`[data-test="product-price"]`).First().Text()); text != "" {
		return &text
	}
	var found *string
	doc.Find("span, div, p").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if sel.Children().Length() > 0 {
			return true
		}
		text := cleanText(sel.Text())
		if strings.Contains(text, "€") {
			found = &text
			return false
		}
		return true
	})
	return found
}

func extractSKU(doc *goquery.Document) *string {
	if text := cleanText(doc.Find("div.product-id span").First().Text()); text != "" {
		return &text
	}
	var sku *string
	doc.Find("dt, th").EachWithBreak(func(_ int, label *goquery.Selection) bool {
		labelText := strings.ToLower(cleanText(label.Text()))
		for _, variant := range skuLabels {
			if strings.Contains(labelText, variant) {
				value := cleanText(label.NextFiltered("dd, td").Text())
				if value != "" {
					sku = &value
					return false
				}
			}
		}
		return true
	})
	return sku
}

// extractBreadcrumbs joins the breadcrumb trail top-to-bottom as "A > B > C".
func extractBreadcrumbs(doc *goquery.Document) *string {
	nav := doc.Find(`nav[aria-label="breadcrumb"]`).First()
	if nav.Length() == 0 {
		return nil
	}
	var parts []string
	nav.Find("a, span").Each(func(_ int, sel *goquery.Selection) {
		if text := cleanText(sel.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		return nil
	}
	joined := strings.Join(parts, " > ")
	return &joined
}

var descriptionSelectors = []string{
	`div.description[data-overlay="product-description"] div.site-text`,
	"div.description div.site-text",
	"div.description",
	`[data-overlay="product-description"]`,
}

func extractDescriptionAndSpecs(doc *goquery.Document) (*string, map[string]string) {
	var container *goquery.Selection
	for _, sel := range descriptionSelectors {
		if c := doc.Find(sel).First(); c.Length() > 0 {
			container = c
			break
		}
	}
	if container == nil {
		return nil, nil
	}

	// Prose text, excluding spec lists and section headers.
	var parts []string
	container.Children().Each(func(_ int, child *goquery.Selection) {
		if child.Is("dl, h3, h4") {
			return
		}
		if text := cleanText(child.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	var description *string
	if len(parts) > 0 {
		joined := strings.Join(parts, " ")
		description = &joined
	} else if text := cleanText(container.Text()); text != "" {
		description = &text
	}

	specs := make(map[string]string)
	container.Find("dl").Each(func(_ int, dl *goquery.Selection) {
		collectDefinitionPairs(dl, specs)
	})
	if len(specs) == 0 {
		specs = nil
	}
	return description, specs
}

// collectDefinitionPairs zips a <dl>'s <dt> labels with its <dd> values.
func collectDefinitionPairs(dl *goquery.Selection, out map[string]string) {
	dts := dl.Find("dt")
	dds := dl.Find("dd")
	n := dts.Length()
	if dds.Length() < n {
		n = dds.Length()
	}
	for i := 0; i < n; i++ {
		key := strings.TrimSuffix(cleanText(dts.Eq(i).Text()), ":")
		value := cleanText(dds.Eq(i).Text())
		if key != "" && value != "" {
			if _, exists := out[key]; !exists {
				out[key] = value
			}
		}
	}
}

// extractPrimaryImageURL walks the fallback chain: og:image meta tag, then
// gallery images, then JSON-LD structured data. First non-empty wins.
func extractPrimaryImageURL(doc *goquery.Document) string {
	if content, ok := doc.Find(`meta[property="og:image"]`).Attr("content"); ok && content != "" {
		return content
	}

	if src, ok := doc.Find("a.js-fancybox-productimage[data-src]").First().Attr("data-src"); ok && src != "" {
		return src
	}
	gallerySelectors := []string{
		"div.area-gallery img.site-image",
		"div.gallery-main img[src]",
		"div.product-image img[src]",
		"div.product-media img[src]",
	}
	for _, sel := range gallerySelectors {
		img := doc.Find(sel).First()
		if img.Length() == 0 {
			continue
		}
		src, ok := img.Attr("src")
		if !ok || src == "" {
			src, _ = img.Attr("data-src")
		}
		if src != "" && strings.Contains(src, "assets/p/") {
			return src
		}
	}

	return extractJSONLDImage(doc)
}

// jsonLDProduct is the subset of a JSON-LD Product node we read.
type jsonLDProduct struct {
	Type  string          `json:"@type"`
	Image json.RawMessage `json:"image"`
}

func extractJSONLDImage(doc *goquery.Document) string {
	var found string
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		raw := []byte(sel.Text())

		var nodes []jsonLDProduct
		if err := json.Unmarshal(raw, &nodes); err != nil {
			var single jsonLDProduct
			if err := json.Unmarshal(raw, &single); err != nil {
				return true
			}
			nodes = []jsonLDProduct{single}
		}

		for _, node := range nodes {
			if node.Type != "Product" || len(node.Image) == 0 {
				continue
			}
			if img := decodeJSONLDImage(node.Image); img != "" {
				found = img
				return false
			}
		}
		return true
	})
	return found
}

// decodeJSONLDImage accepts the shapes seen in the wild: a string, a list of
// strings, an object with a url field, or a list of such objects.
func decodeJSONLDImage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return decodeJSONLDImage(list[0])
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.URL
	}
	return ""
}

func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if text := cleanText(doc.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
