package marketlink

import (
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storageUnderTest runs the shared Storage contract against a backend.
func storageUnderTest(t *testing.T, s Storage) {
	t.Helper()

	// Miss before any write.
	_, ok, err := s.CacheGet("api-v1", "GET /api/price/AAPL")
	require.NoError(t, err)
	assert.False(t, ok)

	stored := time.Now().Truncate(time.Millisecond)
	entry := &CachedResponse{
		Status:   200,
		Header:   http.Header{"Content-Type": []string{"application/json"}},
		Body:     []byte(`{"price":190}`),
		StoredAt: stored,
	}
	require.NoError(t, s.CachePut("api-v1", "GET /api/price/AAPL", entry))

	got, ok, err := s.CacheGet("api-v1", "GET /api/price/AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 200, got.Status)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, `{"price":190}`, string(got.Body))
	assert.True(t, got.StoredAt.Equal(stored) || got.StoredAt.Sub(stored) < time.Millisecond)

	// Re-put overwrites in place.
	entry.Body = []byte(`{"price":191}`)
	require.NoError(t, s.CachePut("api-v1", "GET /api/price/AAPL", entry))
	got, ok, err = s.CacheGet("api-v1", "GET /api/price/AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"price":191}`, string(got.Body))

	require.NoError(t, s.CachePut("static-v1", "GET /static/app.js", &CachedResponse{Status: 200, StoredAt: stored}))

	keys, err := s.CacheKeys("api-v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /api/price/AAPL"}, keys)

	regions, err := s.Regions()
	require.NoError(t, err)
	assert.Equal(t, []string{"api-v1", "static-v1"}, regions)

	require.NoError(t, s.DeleteRegion("api-v1"))
	_, ok, err = s.CacheGet("api-v1", "GET /api/price/AAPL")
	require.NoError(t, err)
	assert.False(t, ok)

	// Queue: FIFO order, update, remove.
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.QueueAppend(&QueueEntry{
			ID:             id,
			Method:         "POST",
			URL:            "/api/orders",
			Body:           []byte(`{}`),
			IdempotencyKey: "sdk-" + id,
			EnqueuedAt:     stored.Add(time.Duration(i) * time.Second),
		}))
	}
	n, err := s.QueueLen()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	list, err := s.QueueList()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].ID, list[1].ID, list[2].ID})

	list[0].Retries = 2
	list[0].LastError = "server returned 502"
	require.NoError(t, s.QueueUpdate(list[0]))
	list, err = s.QueueList()
	require.NoError(t, err)
	assert.Equal(t, 2, list[0].Retries)
	assert.Equal(t, "server returned 502", list[0].LastError)

	require.NoError(t, s.QueueRemove("a"))
	list, err = s.QueueList()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
}

func TestMemoryStorageContract(t *testing.T) {
	storageUnderTest(t, NewMemoryStorage())
}

func TestSQLiteStorageContract(t *testing.T) {
	s, err := OpenSQLiteStorage(filepath.Join(t.TempDir(), "marketlink.db"))
	require.NoError(t, err)
	defer s.Close()
	storageUnderTest(t, s)
}

// Durability: cache entries and queued writes survive a reopen.
func TestSQLiteStoragePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marketlink.db")

	s, err := OpenSQLiteStorage(path)
	require.NoError(t, err)
	require.NoError(t, s.CachePut("offline-v1", "GET /api/demo/analysis", &CachedResponse{
		Status: 200, Body: []byte(fallbackAnalysisAAPL), StoredAt: time.Now(),
	}))
	require.NoError(t, s.QueueAppend(&QueueEntry{
		ID: "w1", Method: "POST", URL: "/api/orders", IdempotencyKey: "sdk-w1", EnqueuedAt: time.Now(),
	}))
	require.NoError(t, s.Close())

	s, err = OpenSQLiteStorage(path)
	require.NoError(t, err)
	defer s.Close()

	entry, ok, err := s.CacheGet("offline-v1", "GET /api/demo/analysis")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fallbackAnalysisAAPL, string(entry.Body))

	list, err := s.QueueList()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "w1", list[0].ID)
}

func TestRegionNaming(t *testing.T) {
	assert.Equal(t, "static-v1", RegionName(RegionStatic, "v1"))
	assert.Equal(t, "v2", regionVersion("api-v2"))
	assert.Equal(t, "", regionVersion("bare"))
}

// Version rollover deletes every old-version region wholesale.
func TestPruneVersions(t *testing.T) {
	s := NewMemoryStorage()
	now := time.Now()
	for _, region := range []string{"static-v1", "api-v1", "offline-v1", "api-v2"} {
		require.NoError(t, s.CachePut(region, "GET /x", &CachedResponse{Status: 200, StoredAt: now}))
	}

	require.NoError(t, PruneVersions(s, "v2"))

	regions, err := s.Regions()
	require.NoError(t, err)
	assert.Equal(t, []string{"api-v2"}, regions)
}

func TestSeedFallback(t *testing.T) {
	s := NewMemoryStorage()
	require.NoError(t, seedFallback(s, "v1", time.Now()))

	region := RegionName(RegionOffline, "v1")
	for _, key := range []string{
		"GET /api/demo/analysis",
		"GET /api/price/AAPL",
		"GET /api/market/status",
		navigationFallbackKey,
	} {
		_, ok, err := s.CacheGet(region, key)
		require.NoError(t, err)
		assert.True(t, ok, "missing fallback entry %q", key)
	}

	// Seeding is idempotent at activation time.
	require.NoError(t, seedFallback(s, "v1", time.Now()))
}
