// Package urlcheck gates every outbound URL against an explicit allow-list.
//
// Any URL embedded in scraped HTML (next-page links, product anchors, image
// sources) is untrusted input; without this gate the crawler is an SSRF
// vector. Every fetch path must pass through a Validator first.
package urlcheck

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/daiy-de/catalog-crawler/internal/catalog"
)

var (
	controlChars = regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`)

	// Product detail URLs look like /en/Brand/Product-Name-p12345/.
	productPathRe = regexp.MustCompile(`^/en/[^/]+/.+-p\d+/?$`)

	imagePathRe = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|webp|avif|gif)(\?.*)?$`)
)

var dangerousSchemes = map[string]struct{}{
	"javascript": {},
	"data":       {},
	"vbscript":   {},
	"file":       {},
}

var suspiciousPatterns = []string{
	"../",
	"%2e%2e",
	"<script",
	"javascript:",
}

// Validator rejects unsafe or off-domain targets before any network call.
type Validator struct {
	allowed      map[string]struct{}
	imageAllowed map[string]struct{}
}

// New builds a Validator from the crawl allow-list and the wider image
// allow-list (CDN hosts).
func New(allowedDomains, imageDomains []string) *Validator {
	v := &Validator{
		allowed:      make(map[string]struct{}, len(allowedDomains)),
		imageAllowed: make(map[string]struct{}, len(allowedDomains)+len(imageDomains)),
	}
	for _, d := range allowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		v.allowed[d] = struct{}{}
		v.imageAllowed[d] = struct{}{}
	}
	for _, d := range imageDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			v.imageAllowed[d] = struct{}{}
		}
	}
	return v
}

// Sanitize strips whitespace, control characters, and null-byte injection
// attempts from a raw URL string.
func Sanitize(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = controlChars.ReplaceAllString(raw, "")
	raw = strings.ReplaceAll(raw, "%00", "")
	return raw
}

// Validate checks a crawl target URL: HTTPS only, host on the allow-list,
// no dangerous schemes or traversal patterns. Returns the sanitized URL.
func (v *Validator) Validate(raw string) (string, error) {
	return v.validate(raw, v.allowed, true)
}

// ValidateImage checks an image URL against the wider CDN allow-list. HTTP
// is tolerated for CDNs, but the path must look like an image asset.
func (v *Validator) ValidateImage(raw string) (string, error) {
	cleaned, err := v.validate(raw, v.imageAllowed, false)
	if err != nil {
		return "", err
	}
	u, _ := url.Parse(cleaned)
	if !imagePathRe.MatchString(u.Path) && !strings.Contains(strings.ToLower(cleaned), "assets") &&
		!strings.Contains(strings.ToLower(cleaned), "media") {
		return "", &catalog.ValidationError{URL: raw, Reason: "does not look like an image URL"}
	}
	return cleaned, nil
}

// IsProductURL reports whether a path or absolute URL has the product
// detail shape.
func (v *Validator) IsProductURL(raw string) bool {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return productPathRe.MatchString(u.Path)
	}
	return productPathRe.MatchString(raw)
}

func (v *Validator) validate(raw string, allowed map[string]struct{}, httpsOnly bool) (string, error) {
	if raw == "" {
		return "", &catalog.ValidationError{URL: raw, Reason: "empty URL"}
	}
	cleaned := Sanitize(raw)

	lower := strings.ToLower(cleaned)
	for _, pattern := range suspiciousPatterns {
		if strings.Contains(lower, pattern) {
			return "", &catalog.ValidationError{URL: raw, Reason: "suspicious pattern " + pattern}
		}
	}

	u, err := url.Parse(cleaned)
	if err != nil {
		return "", &catalog.ValidationError{URL: raw, Reason: "unparseable: " + err.Error()}
	}

	scheme := strings.ToLower(u.Scheme)
	if _, bad := dangerousSchemes[scheme]; bad {
		return "", &catalog.ValidationError{URL: raw, Reason: "dangerous scheme " + scheme}
	}
	if httpsOnly {
		if scheme != "https" {
			return "", &catalog.ValidationError{URL: raw, Reason: "scheme must be https, got " + scheme}
		}
	} else if scheme != "http" && scheme != "https" {
		return "", &catalog.ValidationError{URL: raw, Reason: "invalid scheme " + scheme}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", &catalog.ValidationError{URL: raw, Reason: "missing host"}
	}
	if _, ok := allowed[host]; !ok {
		return "", &catalog.ValidationError{URL: raw, Reason: "host " + host + " not on allow-list"}
	}

	return cleaned, nil
}
