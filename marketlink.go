// Package marketlink is a client-side resilience layer for data-driven
// market applications: it keeps data flowing when the network is unreliable
// or absent, from both ends of the transport.
//
// The pull side routes every outbound request through a cache router with
// per-class strategies, a durable offline fallback dataset, and a persisted
// write-retry queue. The push side multiplexes one logical realtime
// connection across per-topic subscribers, reconnecting with backoff and
// tracking staleness.
//
// Example:
//
//	client, _ := marketlink.NewClient("https://api.example.com")
//	defer client.Close()
//
//	resp, _ := client.Get(ctx, "/api/price/AAPL")
//
//	ch := client.Realtime()
//	ch.Connect(ctx)
//	sub := ch.SubscribePrice("AAPL", func(topic string, data json.RawMessage) { ... })
//	defer sub.Unsubscribe()
package marketlink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Defaults shared across the client.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultVersion      = "v1"
	DefaultQueueRetries = 5
)

// ============================================================================
// Event Emitter
// ============================================================================

// EventHandler receives client lifecycle events.
type EventHandler func(event string, payload any)

type eventEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEventEmitter() *eventEmitter {
	return &eventEmitter{listeners: make(map[string][]EventHandler)}
}

func (e *eventEmitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *eventEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

// ============================================================================
// Client
// ============================================================================

// Client owns the process-wide cache storage, sync queue, router, realtime
// channel, and notification dispatcher, with an explicit lifecycle: create
// at startup, Close at teardown.
type Client struct {
	baseURL     string
	realtimeURL string
	version     string
	httpClient  *http.Client
	storage     Storage
	logger      *slog.Logger
	emitter     *eventEmitter

	queue         *SyncQueue
	router        *CacheRouter
	channel       *RealtimeChannel
	notifications *NotificationDispatcher

	staticMaxAge  time.Duration
	queueRetries  int
	channelConfig ChannelConfig
	presenter     Presenter
	focuser       WindowFocuser

	mu             sync.Mutex
	online         bool
	pendingVersion string
	ownStorage     bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client used for network calls.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithStorage injects a storage backend (for example OpenSQLiteStorage for
// durability). The caller keeps ownership: Close leaves the backend open.
// When omitted an in-memory backend is used and closed with the client.
func WithStorage(s Storage) ClientOption {
	return func(c *Client) { c.storage = s; c.ownStorage = false }
}

// WithOwnedStorage injects a storage backend and hands its lifecycle to the
// client: Close closes the backend too.
func WithOwnedStorage(s Storage) ClientOption {
	return func(c *Client) { c.storage = s; c.ownStorage = true }
}

// WithVersion sets the release identifier that scopes the cache regions.
func WithVersion(version string) ClientOption {
	return func(c *Client) { c.version = version }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRealtimeURL overrides the push endpoint. Defaults to baseURL + "/ws".
func WithRealtimeURL(url string) ClientOption {
	return func(c *Client) { c.realtimeURL = url }
}

// WithQueueRetries sets the sync queue's bounded retry ceiling. A negative
// value disables the ceiling and retries forever.
func WithQueueRetries(n int) ClientOption {
	return func(c *Client) { c.queueRetries = n }
}

// WithStaticMaxAge sets the router's staleness policy for cached static
// assets.
func WithStaticMaxAge(d time.Duration) ClientOption {
	return func(c *Client) { c.staticMaxAge = d }
}

// WithChannelConfig overrides the realtime channel tuning (reconnect policy,
// heartbeat). The URL field is ignored in favor of the client's realtime
// URL.
func WithChannelConfig(cfg ChannelConfig) ClientOption {
	return func(c *Client) { c.channelConfig = cfg }
}

// WithPresenter sets the alert presenter for push notifications.
func WithPresenter(p Presenter) ClientOption {
	return func(c *Client) { c.presenter = p }
}

// WithWindowFocuser sets the window focuser for the alert open action.
func WithWindowFocuser(f WindowFocuser) ClientOption {
	return func(c *Client) { c.focuser = f }
}

// NewClient creates a client for the given API base URL. Creating the
// client activates its version: fallback data is seeded and regions from
// any prior version are deleted wholesale.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		version:      DefaultVersion,
		httpClient:   &http.Client{Timeout: DefaultTimeout},
		logger:       slog.Default(),
		emitter:      newEventEmitter(),
		queueRetries: DefaultQueueRetries,
		online:       true,
		ownStorage:   true,
		channelConfig: ChannelConfig{
			AutoReconnect: true,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.storage == nil {
		c.storage = NewMemoryStorage()
	}
	if c.realtimeURL == "" {
		c.realtimeURL = c.baseURL + "/ws"
	}

	if err := c.activate(c.version); err != nil {
		return nil, err
	}

	c.queue = NewSyncQueue(SyncQueueConfig{
		Storage:    c.storage,
		HTTPClient: c.httpClient,
		BaseURL:    c.baseURL,
		MaxRetries: c.queueRetries,
		Logger:     c.logger,
	})
	// One event surface for UI indicators.
	for _, ev := range []string{"queue.enqueued", "queue.replayed", "queue.failed", "queue.discarded"} {
		event := ev
		c.queue.On(event, func(_ string, payload any) { c.emitter.emit(event, payload) })
	}

	c.router = NewCacheRouter(RouterConfig{
		Storage:      c.storage,
		Queue:        c.queue,
		HTTPClient:   c.httpClient,
		BaseURL:      c.baseURL,
		Version:      c.version,
		StaticMaxAge: c.staticMaxAge,
		Logger:       c.logger,
	})

	chCfg := c.channelConfig
	chCfg.URL = c.realtimeURL
	chCfg.Logger = c.logger
	c.channel = NewRealtimeChannel(chCfg)

	c.notifications = NewNotificationDispatcher(c.presenter, c.focuser, c.logger)

	return c, nil
}

// Close tears the client down: the realtime channel is closed and, when the
// client owns its storage, the storage too.
func (c *Client) Close() error {
	_ = c.channel.Disconnect()
	if c.ownStorage {
		return c.storage.Close()
	}
	return nil
}

// Queue returns the sync queue.
func (c *Client) Queue() *SyncQueue { return c.queue }

// Router returns the cache router.
func (c *Client) Router() *CacheRouter { return c.router }

// Realtime returns the realtime channel.
func (c *Client) Realtime() *RealtimeChannel { return c.channel }

// Notifications returns the notification dispatcher.
func (c *Client) Notifications() *NotificationDispatcher { return c.notifications }

// Storage returns the storage backend.
func (c *Client) Storage() Storage { return c.storage }

// Version returns the active release identifier.
func (c *Client) Version() string { return c.version }

// On registers a handler for client events: network.online,
// network.offline, update.available, update.applied and the queue.* events.
func (c *Client) On(event string, h EventHandler) {
	c.emitter.On(event, h)
}

// ── Requests ─────────────────────────────────────────────────────────────

// Fetch routes one request through the cache layer. body, when non-nil, is
// JSON-encoded.
func (c *Client) Fetch(ctx context.Context, method, path string, body any) (*Response, error) {
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		raw = b
	}
	return c.router.Dispatch(ctx, method, path, raw)
}

// Get issues a GET through the cache layer.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Fetch(ctx, http.MethodGet, path, nil)
}

// Post issues a POST through the cache layer; while offline it is queued
// and acknowledged as pending.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Fetch(ctx, http.MethodPost, path, body)
}

// ── Connectivity ─────────────────────────────────────────────────────────

// IsOnline returns the last connectivity signal.
func (c *Client) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline records a connectivity change. The restored signal triggers a
// queue drain.
func (c *Client) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	c.mu.Unlock()

	if online {
		c.emitter.emit("network.online", nil)
		go func() {
			if err := c.queue.Drain(context.Background()); err != nil {
				c.logger.Info("drain stopped", "error", err)
			}
		}()
	} else {
		c.emitter.emit("network.offline", nil)
	}
}

// ── Update flow ──────────────────────────────────────────────────────────

// AnnounceUpdate records that a new release is available and emits
// update.available. Nothing changes until ApplyUpdate: updates are applied
// by explicit user action, never silently underfoot.
func (c *Client) AnnounceUpdate(version string) {
	c.mu.Lock()
	c.pendingVersion = version
	c.mu.Unlock()
	c.emitter.emit("update.available", version)
}

// PendingUpdate returns the announced but not yet applied version, if any.
func (c *Client) PendingUpdate() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingVersion, c.pendingVersion != ""
}

// ApplyUpdate activates the pending version: fallback data is reseeded for
// it and every region from a prior version is deleted wholesale.
func (c *Client) ApplyUpdate() error {
	c.mu.Lock()
	version := c.pendingVersion
	c.pendingVersion = ""
	c.mu.Unlock()

	if version == "" {
		return fmt.Errorf("no update pending")
	}
	if err := c.activate(version); err != nil {
		return err
	}

	c.version = version
	c.router.version = version
	c.emitter.emit("update.applied", version)
	return nil
}

func (c *Client) activate(version string) error {
	if err := seedFallback(c.storage, version, time.Now()); err != nil {
		return fmt.Errorf("seed fallback data: %w", err)
	}
	if err := PruneVersions(c.storage, version); err != nil {
		return fmt.Errorf("prune prior versions: %w", err)
	}
	return nil
}
