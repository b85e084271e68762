package catalog

import (
	"errors"
	"fmt"
)

// ValidationError reports a URL rejected before any network call. It is
// fatal for that single request and never retried.
type ValidationError struct {
	URL    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid url %q: %s", e.URL, e.Reason)
}

// FetchError reports a failed HTTP fetch. Transient errors (429/5xx and
// timeouts) are retried with backoff; the rest fail immediately.
type FetchError struct {
	URL        string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports an expected structural element missing on an otherwise
// successful fetch. The caller logs and skips the single page or product.
type ParseError struct {
	URL     string
	Missing string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: missing %s", e.URL, e.Missing)
}

// SkippedPageError marks a listing page abandoned after retry exhaustion.
// The walker logs it, counts it, and advances.
type SkippedPageError struct {
	URL  string
	Page int
	Err  error
}

func (e *SkippedPageError) Error() string {
	return fmt.Sprintf("skipped page %d (%s): %v", e.Page, e.URL, e.Err)
}

func (e *SkippedPageError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a fetch error worth retrying.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient
}
