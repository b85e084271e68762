package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daiy-de/catalog-crawler/internal/catalog"
	"github.com/daiy-de/catalog-crawler/internal/metrics"
	"github.com/daiy-de/catalog-crawler/internal/urlcheck"
)

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func newTestFetcher(t *testing.T, srv *httptest.Server, maxRetries int) (*Fetcher, *[]time.Duration) {
	t.Helper()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	validator := urlcheck.New([]string{u.Hostname()}, nil)

	var slept []time.Duration
	f := New(
		Config{
			UserAgent:   "test-agent",
			Timeout:     2 * time.Second,
			MaxRetries:  maxRetries,
			BackoffBase: 2,
			BackoffMax:  8 * time.Second,
		},
		validator,
		metrics.NewNop(),
		zap.NewNop(),
		WithTransport(srv.Client().Transport),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}),
		WithRandFloat(func() float64 { return 0 }),
	)
	return f, &slept
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv, 2)
	body, err := f.Fetch(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	require.Equal(t, "<html>ok</html>", string(body))
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv, 3)
	body, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "recovered", string(body))
	require.Equal(t, int32(3), hits.Load())
}

func TestFetchRetriesClientTimeout(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(1 * time.Second)
		w.Write([]byte("too late"))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	f := New(
		Config{
			UserAgent:   "test-agent",
			Timeout:     150 * time.Millisecond,
			MaxRetries:  2,
			BackoffBase: 2,
			BackoffMax:  8 * time.Second,
		},
		urlcheck.New([]string{u.Hostname()}, nil),
		metrics.NewNop(),
		zap.NewNop(),
		WithTransport(srv.Client().Transport),
		WithSleeper(noSleep),
		WithRandFloat(func() float64 { return 0 }),
	)

	_, err = f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	require.True(t, catalog.IsTransient(err), "a timed-out request backs off like a 5xx")
	require.Equal(t, int32(3), hits.Load(), "initial attempt + 2 retries")
}

func TestFetchNonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv, 3)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	require.False(t, catalog.IsTransient(err))
	require.Equal(t, int32(1), hits.Load(), "404 must not be retried")
}

func TestFetchExhaustsRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv, 2)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	require.True(t, catalog.IsTransient(err))
	require.Equal(t, int32(3), hits.Load(), "initial attempt + 2 retries")
}

func TestValidatorGateBlocksNetworkCall(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	// Allow-list deliberately excludes the test server host.
	validator := urlcheck.New([]string{"www.bike-components.de"}, nil)
	f := New(
		Config{UserAgent: "test-agent", MaxRetries: 3},
		validator,
		metrics.NewNop(),
		zap.NewNop(),
		WithTransport(srv.Client().Transport),
		WithSleeper(noSleep),
	)

	_, err = f.Fetch(context.Background(), "https://"+u.Host+"/blocked")
	require.Error(t, err)
	require.Equal(t, int32(0), hits.Load(), "rejected URL must never hit the network")
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	t.Parallel()

	f := New(
		Config{BackoffBase: 2, BackoffMax: 8 * time.Second},
		urlcheck.New([]string{"example.com"}, nil),
		metrics.NewNop(),
		zap.NewNop(),
	)

	prev := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		d := f.Backoff(attempt)
		require.GreaterOrEqual(t, d, prev, "backoff must be non-decreasing")
		require.LessOrEqual(t, d, 8*time.Second, "backoff must respect cap")
		prev = d
	}
	require.Equal(t, 1*time.Second, f.Backoff(0))
	require.Equal(t, 2*time.Second, f.Backoff(1))
	require.Equal(t, 4*time.Second, f.Backoff(2))
	require.Equal(t, 8*time.Second, f.Backoff(3))
	require.Equal(t, 8*time.Second, f.Backoff(4), "capped at max")
}

func TestPolitenessDelayWithinWindow(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	var slept []time.Duration
	f := New(
		Config{
			UserAgent: "test-agent",
			DelayMin:  10 * time.Second,
			DelayMax:  30 * time.Second,
		},
		urlcheck.New([]string{u.Hostname()}, nil),
		metrics.NewNop(),
		zap.NewNop(),
		WithTransport(srv.Client().Transport),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}),
		WithRandFloat(func() float64 { return 0.5 }),
	)

	_, err = f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, slept, 1)
	require.Equal(t, 20*time.Second, slept[0], "delay drawn from the middle of the window")
}

func TestFetchHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.Canceled)
}
