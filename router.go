package marketlink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// ============================================================================
// Request Classification
// ============================================================================

var staticExtensions = map[string]bool{
	".js": true, ".css": true, ".map": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".ico": true, ".webp": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
}

// Classify maps a request's shape to exactly one class. Rules are evaluated
// top to bottom and the first match wins: static-asset patterns before the
// api prefix, before the generic navigation test, before the default.
// The mapping is pure and total; an unparsable URL is ClassOther.
func Classify(method, rawURL string) RequestClass {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ClassOther
	}
	p := u.Path

	if staticExtensions[path.Ext(p)] || strings.HasPrefix(p, "/static/") || strings.HasPrefix(p, "/assets/") {
		return ClassStaticAsset
	}
	if strings.HasPrefix(p, "/api/") {
		return ClassAPIData
	}
	if method == http.MethodGet && (path.Ext(p) == "" || path.Ext(p) == ".html") {
		return ClassNavigation
	}
	return ClassOther
}

// requestKey returns the canonical (method, URL) cache key. The key is the
// path plus query so that relative and absolute spellings of the same
// request share an entry.
func requestKey(method, rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return method + " " + rawURL
	}
	key := u.Path
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return method + " " + key
}

// ============================================================================
// CacheRouter
// ============================================================================

// RouterConfig configures a CacheRouter.
type RouterConfig struct {
	Storage    Storage
	Queue      *SyncQueue
	HTTPClient *http.Client
	BaseURL    string
	Version    string

	// StaticMaxAge is the router-driven staleness policy for the
	// cache-first strategy: entries older than this are refetched.
	// Zero means cached static entries never go stale.
	StaticMaxAge time.Duration

	Logger *slog.Logger
}

// CacheRouter classifies each outbound request and dispatches it to one of
// five strategies, using the cache regions and, for offline writes, the
// sync queue.
type CacheRouter struct {
	storage      Storage
	queue        *SyncQueue
	httpClient   *http.Client
	baseURL      string
	version      string
	staticMaxAge time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewCacheRouter creates a router over the given storage and queue.
func NewCacheRouter(cfg RouterConfig) *CacheRouter {
	r := &CacheRouter{
		storage:      cfg.Storage,
		queue:        cfg.Queue,
		httpClient:   cfg.HTTPClient,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		version:      cfg.Version,
		staticMaxAge: cfg.StaticMaxAge,
		logger:       cfg.Logger,
		now:          time.Now,
	}
	if r.httpClient == nil {
		r.httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Dispatch routes one outbound request through the cache layer and returns
// a response-shaped value. Recoverable read-path failures come back as a
// typed *APIError.
func (r *CacheRouter) Dispatch(ctx context.Context, method, rawURL string, body []byte) (*Response, error) {
	// Non-idempotent requests never touch the cache. On failure they are
	// handed to the sync queue instead of being retried inline.
	if method != http.MethodGet && method != http.MethodHead {
		return r.dispatchWrite(ctx, method, rawURL, body)
	}

	switch Classify(method, rawURL) {
	case ClassStaticAsset:
		return r.cacheFirst(ctx, method, rawURL)
	case ClassAPIData:
		return r.networkFirst(ctx, method, rawURL)
	case ClassNavigation:
		return r.staleWhileRevalidate(ctx, method, rawURL)
	default:
		return r.networkOnly(ctx, method, rawURL)
	}
}

// ── Write path ───────────────────────────────────────────────────────────

func (r *CacheRouter) dispatchWrite(ctx context.Context, method, rawURL string, body []byte) (*Response, error) {
	resp, err := r.fetch(ctx, method, rawURL, body)
	if err == nil {
		return resp, nil
	}

	entry, qerr := r.queue.Enqueue(method, rawURL, body)
	if qerr != nil {
		return nil, &APIError{
			Code:    CodeQueueUnavailable,
			Message: fmt.Sprintf("write failed and could not be queued: %v", qerr),
		}
	}
	r.logger.Info("write queued for retry", "method", method, "url", rawURL, "queueId", entry.ID)

	// Pending acknowledgement: the write is accepted, not confirmed.
	return &Response{
		Status:  http.StatusAccepted,
		Source:  SourceQueued,
		QueueID: entry.ID,
	}, nil
}

// ── Strategies ───────────────────────────────────────────────────────────

func (r *CacheRouter) cacheFirst(ctx context.Context, method, rawURL string) (*Response, error) {
	region := RegionName(RegionStatic, r.version)
	key := requestKey(method, rawURL)

	if entry := r.cacheLookup(region, key); entry != nil {
		if r.staticMaxAge == 0 || r.now().Sub(entry.StoredAt) <= r.staticMaxAge {
			return cachedToResponse(entry, SourceCache), nil
		}
	}

	resp, err := r.fetch(ctx, method, rawURL, nil)
	if err != nil {
		if entry := r.cacheLookup(region, key); entry != nil {
			return cachedToResponse(entry, SourceCache), nil
		}
		return nil, &APIError{
			Code:    CodeResourceUnavailable,
			Message: fmt.Sprintf("no network and no cached copy for %s", rawURL),
		}
	}
	r.cacheStore(region, key, resp)
	return resp, nil
}

func (r *CacheRouter) networkFirst(ctx context.Context, method, rawURL string) (*Response, error) {
	region := RegionName(RegionAPI, r.version)
	key := requestKey(method, rawURL)

	resp, err := r.fetch(ctx, method, rawURL, nil)
	if err == nil {
		r.cacheStore(region, key, resp)
		return resp, nil
	}

	if entry := r.cacheLookup(region, key); entry != nil {
		return cachedToResponse(entry, SourceCache), nil
	}

	// Designated offline sample payload for recognized endpoints, keyed by
	// path only so query strings do not defeat the fallback.
	offlineRegion := RegionName(RegionOffline, r.version)
	if u, perr := url.Parse(rawURL); perr == nil {
		if entry := r.cacheLookup(offlineRegion, "GET "+u.Path); entry != nil {
			return cachedToResponse(entry, SourceFallback), nil
		}
	}

	return nil, &APIError{
		Code:      CodeOfflineDegraded,
		Message:   "offline, limited functionality",
		Retryable: true,
	}
}

func (r *CacheRouter) staleWhileRevalidate(ctx context.Context, method, rawURL string) (*Response, error) {
	region := RegionName(RegionStatic, r.version)
	key := requestKey(method, rawURL)

	resp, err := r.fetch(ctx, method, rawURL, nil)
	if err == nil {
		r.cacheStore(region, key, resp)
		return resp, nil
	}

	if entry := r.cacheLookup(region, key); entry != nil {
		return cachedToResponse(entry, SourceCache), nil
	}

	offlineRegion := RegionName(RegionOffline, r.version)
	if entry := r.cacheLookup(offlineRegion, navigationFallbackKey); entry != nil {
		return cachedToResponse(entry, SourceFallback), nil
	}

	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:   []byte(offlinePage),
		Source: SourceSynthesized,
	}, nil
}

func (r *CacheRouter) networkOnly(ctx context.Context, method, rawURL string) (*Response, error) {
	resp, err := r.fetch(ctx, method, rawURL, nil)
	if err != nil {
		// No fallback synthesis for the default class.
		return nil, fmt.Errorf("request failed: %w", err)
	}
	r.cacheStore(RegionName(RegionAPI, r.version), requestKey(method, rawURL), resp)
	return resp, nil
}

// ── Cache helpers ────────────────────────────────────────────────────────

// cacheLookup treats a store failure as a miss so an unavailable store
// degrades the request instead of failing it.
func (r *CacheRouter) cacheLookup(region, key string) *CachedResponse {
	entry, ok, err := r.storage.CacheGet(region, key)
	if err != nil {
		r.logger.Debug("cache read failed, treating as miss", "region", region, "key", key, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	return entry
}

// cacheStore writes a successful response through to the region. Only 2xx
// responses are cached; a store failure degrades to a no-op.
func (r *CacheRouter) cacheStore(region, key string, resp *Response) {
	if resp.Status < 200 || resp.Status >= 300 {
		return
	}
	err := r.storage.CachePut(region, key, &CachedResponse{
		Status:   resp.Status,
		Header:   resp.Header,
		Body:     resp.Body,
		StoredAt: r.now(),
	})
	if err != nil {
		r.logger.Debug("cache write failed", "region", region, "key", key, "error", err)
	}
}

func cachedToResponse(entry *CachedResponse, source ResponseSource) *Response {
	return &Response{
		Status: entry.Status,
		Header: entry.Header,
		Body:   entry.Body,
		Source: source,
	}
}

// ── Network ──────────────────────────────────────────────────────────────

// fetch performs the network call. A transport failure is an error; an HTTP
// error status is still a response.
func (r *CacheRouter) fetch(ctx context.Context, method, rawURL string, body []byte) (*Response, error) {
	u := rawURL
	if strings.HasPrefix(u, "/") {
		u = r.baseURL + u
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   data,
		Source: SourceNetwork,
	}, nil
}
