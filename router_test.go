package marketlink

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// deadServerURL returns a base URL that refuses connections.
func deadServerURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	return url
}

func newTestRouter(t *testing.T, storage Storage, baseURL string) *CacheRouter {
	t.Helper()
	queue := NewSyncQueue(SyncQueueConfig{Storage: storage, BaseURL: baseURL})
	return NewCacheRouter(RouterConfig{
		Storage: storage,
		Queue:   queue,
		BaseURL: baseURL,
		Version: "v1",
	})
}

// ============================================================================
// Classification
// ============================================================================

func TestClassify(t *testing.T) {
	cases := []struct {
		method string
		url    string
		want   RequestClass
	}{
		{"GET", "/static/app.js", ClassStaticAsset},
		{"GET", "/assets/logo.png", ClassStaticAsset},
		{"GET", "/bundle.css", ClassStaticAsset},
		{"GET", "/fonts/inter.woff2", ClassStaticAsset},
		{"GET", "/api/price/AAPL", ClassAPIData},
		{"POST", "/api/analysis", ClassAPIData},
		{"GET", "/api/demo/analysis", ClassAPIData},
		{"GET", "/", ClassNavigation},
		{"GET", "/dashboard", ClassNavigation},
		{"GET", "/portfolio/index.html", ClassNavigation},
		{"POST", "/submit", ClassOther},
		{"GET", "/report.pdf", ClassOther},
		{"GET", "://bad url", ClassOther},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.method, tc.url),
			"%s %s", tc.method, tc.url)
	}
}

// Static-asset patterns are checked before the api prefix, before the
// navigation test, before the default.
func TestClassifyTieBreakOrder(t *testing.T) {
	// An asset under /api/ is still a static asset.
	assert.Equal(t, ClassStaticAsset, Classify("GET", "/api/docs/chart.js"))
	// A GET under /api/ with no extension is api-data, not navigation.
	assert.Equal(t, ClassAPIData, Classify("GET", "/api/prices"))
}

func TestRequestKeyCanonical(t *testing.T) {
	assert.Equal(t, requestKey("GET", "/api/price/AAPL"), requestKey("GET", "http://example.com/api/price/AAPL"))
	assert.NotEqual(t, requestKey("GET", "/api/price/AAPL"), requestKey("GET", "/api/price/AAPL?range=1d"))
}

// ============================================================================
// Strategies
// ============================================================================

func TestCacheFirstServesCacheWithoutNetwork(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("from network"))
	}))
	defer srv.Close()

	storage := NewMemoryStorage()
	require.NoError(t, storage.CachePut(RegionName(RegionStatic, "v1"), "GET /static/app.js", &CachedResponse{
		Status:   200,
		Body:     []byte("from cache"),
		StoredAt: time.Now(),
	}))

	router := newTestRouter(t, storage, srv.URL)
	resp, err := router.Dispatch(context.Background(), "GET", "/static/app.js", nil)
	require.NoError(t, err)

	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, "from cache", string(resp.Body))
	assert.Equal(t, int64(0), hits.Load(), "cached static asset must not hit the network")
}

func TestCacheFirstFetchesAndStoresOnMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("asset body"))
	}))
	defer srv.Close()

	storage := NewMemoryStorage()
	router := newTestRouter(t, storage, srv.URL)

	resp, err := router.Dispatch(context.Background(), "GET", "/static/app.js", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)

	entry, ok, err := storage.CacheGet(RegionName(RegionStatic, "v1"), "GET /static/app.js")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "asset body", string(entry.Body))
}

func TestCacheFirstUnavailable(t *testing.T) {
	storage := NewMemoryStorage()
	router := newTestRouter(t, storage, deadServerURL(t))

	_, err := router.Dispatch(context.Background(), "GET", "/static/app.js", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeResourceUnavailable, apiErr.Code)
}

func TestNetworkFirstOverwritesCache(t *testing.T) {
	body := atomic.Value{}
	body.Store("first")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body.Load().(string)))
	}))
	defer srv.Close()

	storage := NewMemoryStorage()
	router := newTestRouter(t, storage, srv.URL)
	ctx := context.Background()

	_, err := router.Dispatch(ctx, "GET", "/api/price/AAPL", nil)
	require.NoError(t, err)

	body.Store("second")
	_, err = router.Dispatch(ctx, "GET", "/api/price/AAPL", nil)
	require.NoError(t, err)

	entry, ok, err := storage.CacheGet(RegionName(RegionAPI, "v1"), "GET /api/price/AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", string(entry.Body), "cache for the exact key is overwritten by the newest response")
}

// End-to-end scenario: fetched online, then offline — the cached value is
// served, never the fallback.
func TestNetworkFirstFallsBackToCacheWhenOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"AAPL","price":191.20}`))
	}))

	storage := NewMemoryStorage()
	require.NoError(t, seedFallback(storage, "v1", time.Now()))
	router := newTestRouter(t, storage, srv.URL)
	ctx := context.Background()

	resp, err := router.Dispatch(ctx, "GET", "/api/price/AAPL", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)

	srv.Close() // go offline

	resp, err = router.Dispatch(ctx, "GET", "/api/price/AAPL", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, resp.Source)
	assert.JSONEq(t, `{"symbol":"AAPL","price":191.20}`, string(resp.Body))
}

// End-to-end scenario: never online — a recognized endpoint serves the
// embedded fallback record verbatim.
func TestNetworkFirstServesFallbackDataset(t *testing.T) {
	storage := NewMemoryStorage()
	require.NoError(t, seedFallback(storage, "v1", time.Now()))
	router := newTestRouter(t, storage, deadServerURL(t))

	resp, err := router.Dispatch(context.Background(), "GET", "/api/demo/analysis", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, resp.Source)
	assert.Equal(t, fallbackAnalysisAAPL, string(resp.Body), "fallback payload is served verbatim")

	var record struct {
		Symbol       string  `json:"symbol"`
		CurrentPrice float64 `json:"currentPrice"`
	}
	require.NoError(t, resp.Decode(&record))
	assert.Equal(t, "AAPL", record.Symbol)
	assert.Equal(t, 175.50, record.CurrentPrice)
}

func TestNetworkFirstOfflineDegraded(t *testing.T) {
	storage := NewMemoryStorage()
	router := newTestRouter(t, storage, deadServerURL(t))

	_, err := router.Dispatch(context.Background(), "GET", "/api/watchlist", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeOfflineDegraded, apiErr.Code)
	assert.True(t, apiErr.Retryable)
}

func TestNavigationFallsBackToCacheThenFallbackThenSynthesized(t *testing.T) {
	ctx := context.Background()
	dead := deadServerURL(t)

	// Cached navigation entry wins.
	storage := NewMemoryStorage()
	require.NoError(t, storage.CachePut(RegionName(RegionStatic, "v1"), "GET /dashboard", &CachedResponse{
		Status: 200, Body: []byte("<html>dashboard</html>"), StoredAt: time.Now(),
	}))
	router := newTestRouter(t, storage, dead)
	resp, err := router.Dispatch(ctx, "GET", "/dashboard", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, resp.Source)

	// Otherwise the generic fallback entry.
	storage = NewMemoryStorage()
	require.NoError(t, seedFallback(storage, "v1", time.Now()))
	router = newTestRouter(t, storage, dead)
	resp, err = router.Dispatch(ctx, "GET", "/dashboard", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, resp.Source)

	// Otherwise a minimal synthesized response.
	router = newTestRouter(t, NewMemoryStorage(), dead)
	resp, err = router.Dispatch(ctx, "GET", "/dashboard", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceSynthesized, resp.Source)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
}

func TestOtherClassNoFallbackSynthesis(t *testing.T) {
	router := newTestRouter(t, NewMemoryStorage(), deadServerURL(t))

	_, err := router.Dispatch(context.Background(), "GET", "/report.pdf", nil)
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr), "other class propagates the raw failure, not a typed result")
}

func TestOtherClassCachesOpportunistically(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("%PDF"))
	}))
	defer srv.Close()

	storage := NewMemoryStorage()
	router := newTestRouter(t, storage, srv.URL)

	resp, err := router.Dispatch(context.Background(), "GET", "/report.pdf", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)

	_, ok, err := storage.CacheGet(RegionName(RegionAPI, "v1"), "GET /report.pdf")
	require.NoError(t, err)
	assert.True(t, ok)
}

// ============================================================================
// Write path
// ============================================================================

func TestWriteBypassesCacheAndQueuesOnFailure(t *testing.T) {
	storage := NewMemoryStorage()
	router := newTestRouter(t, storage, deadServerURL(t))

	resp, err := router.Dispatch(context.Background(), "POST", "/api/orders", []byte(`{"qty":1}`))
	require.NoError(t, err, "a queued write is an acknowledgement, not a failure")
	assert.Equal(t, SourceQueued, resp.Source)
	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.NotEmpty(t, resp.QueueID)

	n, err := storage.QueueLen()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Nothing was cached for the write.
	keys, err := storage.CacheKeys(RegionName(RegionAPI, "v1"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestWriteSucceedsDirectly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	storage := NewMemoryStorage()
	router := newTestRouter(t, storage, srv.URL)

	resp, err := router.Dispatch(context.Background(), "POST", "/api/orders", []byte(`{"qty":1}`))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.Equal(t, http.StatusCreated, resp.Status)

	n, err := storage.QueueLen()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// ============================================================================
// Staleness policy
// ============================================================================

func TestCacheFirstStaticMaxAge(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	storage := NewMemoryStorage()
	queue := NewSyncQueue(SyncQueueConfig{Storage: storage, BaseURL: srv.URL})
	router := NewCacheRouter(RouterConfig{
		Storage:      storage,
		Queue:        queue,
		BaseURL:      srv.URL,
		Version:      "v1",
		StaticMaxAge: time.Minute,
	})

	require.NoError(t, storage.CachePut(RegionName(RegionStatic, "v1"), "GET /static/app.js", &CachedResponse{
		Status: 200, Body: []byte("stale"), StoredAt: time.Now().Add(-2 * time.Minute),
	}))

	resp, err := router.Dispatch(context.Background(), "GET", "/static/app.js", nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(resp.Body))
	assert.Equal(t, int64(1), hits.Load())
}
