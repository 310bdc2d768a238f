package marketlink

import (
	"net/http"
	"time"
)

// ============================================================================
// Offline Fallback Dataset
// ============================================================================

// The fallback dataset is a fixed, versioned record keyed by well-known
// endpoint paths. It is seeded into the offline region at install time and
// served verbatim when both network and cache miss for a recognized
// endpoint.

const fallbackAnalysisAAPL = `{
  "symbol": "AAPL",
  "companyName": "Apple Inc.",
  "currentPrice": 175.50,
  "change": 2.31,
  "changePercent": 1.33,
  "analysis": {
    "recommendation": "hold",
    "targetPrice": 182.00,
    "scenarios": {
      "bull": {"price": 195.00, "probability": 0.25},
      "base": {"price": 182.00, "probability": 0.55},
      "bear": {"price": 158.00, "probability": 0.20}
    }
  },
  "asOf": "sample",
  "offline": true
}`

const fallbackPriceAAPL = `{
  "symbol": "AAPL",
  "price": 175.50,
  "change": 2.31,
  "changePercent": 1.33,
  "offline": true
}`

const fallbackMarketStatus = `{
  "market": "NYSE",
  "status": "unknown",
  "offline": true
}`

var fallbackDataset = map[string]string{
	"/api/demo/analysis": fallbackAnalysisAAPL,
	"/api/price/AAPL":    fallbackPriceAAPL,
	"/api/market/status": fallbackMarketStatus,
}

// offlinePage is the minimal synthesized response for navigations when the
// network, the navigation cache, and the generic fallback entry all miss.
const offlinePage = `<!DOCTYPE html>
<html><head><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page is unavailable without a network connection.</p></body></html>`

// navigationFallbackKey is the request key of the generic navigation
// fallback entry, cached at install time.
const navigationFallbackKey = "GET /offline"

// seedFallback installs the fallback dataset and the generic navigation
// fallback into the version's offline region. Re-seeding is idempotent.
func seedFallback(s Storage, version string, now time.Time) error {
	region := RegionName(RegionOffline, version)
	for path, body := range fallbackDataset {
		entry := &CachedResponse{
			Status:   http.StatusOK,
			Header:   http.Header{"Content-Type": []string{"application/json"}},
			Body:     []byte(body),
			StoredAt: now,
		}
		if err := s.CachePut(region, "GET "+path, entry); err != nil {
			return err
		}
	}
	return s.CachePut(region, navigationFallbackKey, &CachedResponse{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:     []byte(offlinePage),
		StoredAt: now,
	})
}
