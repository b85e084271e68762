// Package fetcher implements the resilient HTTP fetcher: one long-lived
// session per crawl run, a jittered politeness delay before every request,
// and capped exponential backoff for transient failures.
package fetcher

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/daiy-de/catalog-crawler/internal/catalog"
	"github.com/daiy-de/catalog-crawler/internal/metrics"
	"github.com/daiy-de/catalog-crawler/internal/urlcheck"
)

// Statuses retried with backoff. Everything else in the 4xx/5xx range fails
// immediately.
var retryStatusCodes = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// Config controls fetcher behavior. The delay window is chosen by the caller
// (normal or overnight) before construction.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	DelayMin    time.Duration
	DelayMax    time.Duration
	MaxRetries  int
	BackoffBase float64
	BackoffMax  time.Duration
}

// Fetcher implements catalog.Fetcher using a colly collector cloned per
// request over a shared transport, so connections and cookies persist for
// the whole run.
type Fetcher struct {
	cfg       Config
	validator *urlcheck.Validator
	logger    *zap.Logger
	metrics   *metrics.Metrics
	base      *colly.Collector

	// sleep and randFloat are injectable for deterministic tests.
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// Option adjusts a Fetcher at construction time.
type Option func(*Fetcher)

// WithSleeper replaces the real clock sleep (tests).
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = sleep }
}

// WithRandFloat pins the jitter source (tests).
func WithRandFloat(fn func() float64) Option {
	return func(f *Fetcher) { f.randFloat = fn }
}

// WithTransport replaces the HTTP transport (tests use the httptest server
// client transport so TLS verification passes).
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.base.WithTransport(rt) }
}

// New builds a Fetcher.
func New(cfg Config, validator *urlcheck.Validator, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BackoffBase <= 1 {
		cfg.BackoffBase = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	if m == nil {
		m = metrics.NewNop()
	}

	base := colly.NewCollector(colly.Async(false))
	base.WithTransport(newHTTPTransport())
	if cfg.UserAgent != "" {
		base.UserAgent = cfg.UserAgent
	}
	// Politeness is enforced by the delay window and the allow-list; a
	// robots.txt probe per cloned collector would double every request.
	base.IgnoreRobotsTxt = true
	base.AllowURLRevisit = true
	base.SetRequestTimeout(cfg.Timeout)

	f := &Fetcher{
		cfg:       cfg,
		validator: validator,
		logger:    logger,
		metrics:   m,
		base:      base,
		sleep:     sleepContext,
		randFloat: rand.Float64,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves one URL, enforcing validation on every attempt, including
// retries.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		target, err := f.validator.Validate(rawURL)
		if err != nil {
			f.metrics.FetchAttempts.WithLabelValues("rejected").Inc()
			return nil, err
		}

		if err := f.politenessDelay(ctx); err != nil {
			return nil, err
		}

		body, status, err := f.doFetch(ctx, target)
		switch {
		case err == nil && status < 400:
			f.metrics.FetchAttempts.WithLabelValues("ok").Inc()
			return body, nil

		case ctx.Err() != nil:
			return nil, ctx.Err()

		case isRetryable(status, err):
			f.metrics.FetchAttempts.WithLabelValues("transient").Inc()
			lastErr = &catalog.FetchError{URL: target, StatusCode: status, Transient: true, Err: err}
			if attempt < f.cfg.MaxRetries {
				delay := f.Backoff(attempt) + f.jitter()
				f.logger.Warn("transient fetch failure, backing off",
					zap.String("url", target),
					zap.Int("status", status),
					zap.Int("attempt", attempt+1),
					zap.Int("max_retries", f.cfg.MaxRetries),
					zap.Duration("backoff", delay),
				)
				f.metrics.FetchRetries.Inc()
				if err := f.sleep(ctx, delay); err != nil {
					return nil, err
				}
			}

		default:
			f.metrics.FetchAttempts.WithLabelValues("failed").Inc()
			return nil, &catalog.FetchError{URL: target, StatusCode: status, Transient: false, Err: err}
		}
	}

	f.metrics.FetchFailures.Inc()
	f.logger.Error("fetch failed after retries",
		zap.String("url", rawURL),
		zap.Int("max_retries", f.cfg.MaxRetries),
		zap.Error(lastErr),
	)
	return nil, lastErr
}

// Backoff returns the capped exponential delay for a zero-based attempt:
// min(base^attempt, max), before jitter.
func (f *Fetcher) Backoff(attempt int) time.Duration {
	seconds := math.Pow(f.cfg.BackoffBase, float64(attempt))
	delay := time.Duration(seconds * float64(time.Second))
	if delay > f.cfg.BackoffMax || delay <= 0 {
		delay = f.cfg.BackoffMax
	}
	return delay
}

func (f *Fetcher) jitter() time.Duration {
	return time.Duration(f.randFloat() * float64(time.Second))
}

func (f *Fetcher) politenessDelay(ctx context.Context) error {
	if f.cfg.DelayMax <= 0 {
		return nil
	}
	window := f.cfg.DelayMax - f.cfg.DelayMin
	delay := f.cfg.DelayMin
	if window > 0 {
		delay += time.Duration(f.randFloat() * float64(window))
	}
	return f.sleep(ctx, delay)
}

func (f *Fetcher) doFetch(ctx context.Context, target string) ([]byte, int, error) {
	var (
		body     []byte
		status   int
		fetchErr error
	)

	collector := f.base.Clone()
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case err := <-done:
		if fetchErr != nil {
			return nil, status, fetchErr
		}
		if err != nil {
			return nil, status, err
		}
		return body, status, nil
	}
}

func isRetryable(status int, err error) bool {
	if _, ok := retryStatusCodes[status]; ok {
		return true
	}
	if err == nil {
		return false
	}
	// Client timeout errors also match context.DeadlineExceeded, so the
	// timeout check must run first. Caller cancellation never reaches here;
	// Fetch checks ctx.Err() before classifying.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// Timeouts count as transient server trouble for backoff purposes.
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Connection-level errors (reset, refused) are worth retrying.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
