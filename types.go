package marketlink

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is a typed, recoverable failure surfaced to the caller instead of
// a hard error, so consumers can render a degraded state.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Failure codes for the read/write paths.
const (
	CodeResourceUnavailable = "RESOURCE_UNAVAILABLE"
	CodeOfflineDegraded     = "OFFLINE_DEGRADED"
	CodeQueueUnavailable    = "QUEUE_UNAVAILABLE"
	CodeTransportError      = "TRANSPORT_ERROR"
	CodeReplayFailed        = "REPLAY_FAILED"
)

// ============================================================================
// Request Classification
// ============================================================================

// RequestClass is the deterministic mapping from a request's shape to one
// caching strategy. Every request maps to exactly one class.
type RequestClass int

const (
	ClassStaticAsset RequestClass = iota
	ClassAPIData
	ClassNavigation
	ClassOther
)

func (c RequestClass) String() string {
	switch c {
	case ClassStaticAsset:
		return "static-asset"
	case ClassAPIData:
		return "api-data"
	case ClassNavigation:
		return "navigation"
	default:
		return "other"
	}
}

// ============================================================================
// Responses
// ============================================================================

// ResponseSource records where a response came from.
type ResponseSource string

const (
	SourceNetwork     ResponseSource = "network"
	SourceCache       ResponseSource = "cache"
	SourceFallback    ResponseSource = "fallback"
	SourceSynthesized ResponseSource = "synthesized"
	SourceQueued      ResponseSource = "queued"
)

// Response is the response-shaped value the router returns to callers,
// indistinguishable in shape from a direct network response.
type Response struct {
	Status int            `json:"status"`
	Header http.Header    `json:"header,omitempty"`
	Body   []byte         `json:"body,omitempty"`
	Source ResponseSource `json:"source"`

	// QueueID is set when Source is SourceQueued: the write was accepted
	// into the sync queue and is pending, not confirmed.
	QueueID string `json:"queueId,omitempty"`
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// CachedResponse is a response at rest in a cache region.
type CachedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// QueueEntry is one deferred write operation, durable across restarts.
type QueueEntry struct {
	ID             string    `json:"id"`
	Method         string    `json:"method"`
	URL            string    `json:"url"`
	Body           []byte    `json:"body,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
	Retries        int       `json:"retries"`
	LastError      string    `json:"lastError,omitempty"`
}

// ============================================================================
// Realtime Wire Contract
// ============================================================================

// Frame is the wire format for all realtime traffic, both directions.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Inbound frame types.
const (
	FramePriceUpdate    = "price_update"
	FrameMarketStatus   = "market_status"
	FrameAnalysisUpdate = "analysis_update"
	FrameError          = "error"
)

// Outbound control frame types.
const (
	FrameSubscribe = "subscribe"
	FramePing      = "ping"
)

// PriceUpdate is the payload of a price_update frame.
type PriceUpdate struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change,omitempty"`
	ChangePercent float64 `json:"changePercent,omitempty"`
}

// MarketStatus is the payload of a market_status frame.
type MarketStatus struct {
	Market string `json:"market,omitempty"`
	Status string `json:"status"`
}

// AnalysisUpdate is the payload of an analysis_update frame.
type AnalysisUpdate struct {
	Symbol  string          `json:"symbol"`
	Summary string          `json:"summary,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// RealtimeErrorPayload is the payload of a server-sent error frame.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Topics
// ============================================================================

// TopicMarketStatus is the fixed topic for market_status frames.
const TopicMarketStatus = "market_status"

// PriceTopic returns the topic for a symbol's price updates. Symbols are
// case-normalized to uppercase.
func PriceTopic(symbol string) string {
	return "price:" + strings.ToUpper(symbol)
}

// AnalysisTopic returns the topic for a symbol's analysis updates.
func AnalysisTopic(symbol string) string {
	return "analysis:" + strings.ToUpper(symbol)
}

// ============================================================================
// Channel State
// ============================================================================

// ChannelState is the realtime connection state, owned exclusively by the
// RealtimeChannel. All other components observe it read-only.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateError        ChannelState = "error"
)
