package marketlink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures a RealtimeChannel.
type ChannelConfig struct {
	// URL is the push endpoint. http(s) schemes are rewritten to ws(s).
	URL string

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration

	Logger *slog.Logger
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector tracks reconnect attempts: the i-th delay is
// min(base * 2^(i-1), cap). The counter resets to zero only on a successful
// transition into connected.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

// nextDelay increments the attempt counter before scheduling and returns the
// delay for that attempt.
func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt-1)),
		float64(r.maxDelay),
	))
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Transport
// ============================================================================

// wireConn is the minimal full-duplex connection the channel needs. The
// default implementation wraps a websocket; tests substitute a fake.
type wireConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, url string) (wireConn, error)

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *websocketConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *websocketConn) Close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}

func dialWebsocket(ctx context.Context, rawURL string) (wireConn, error) {
	wsURL := strings.Replace(rawURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return &websocketConn{conn: conn}, nil
}

// ============================================================================
// Subscriptions
// ============================================================================

// TopicHandler receives the raw payload of every frame routed to a topic.
type TopicHandler func(topic string, data json.RawMessage)

// Subscription is one local subscriber's handle on a topic.
type Subscription struct {
	ch    *RealtimeChannel
	topic string
	id    int
	once  sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe removes this local subscriber. The transport-level
// subscription is released only when the last local subscriber leaves.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.ch.unsubscribe(s.topic, s.id)
	})
}

type topicEntry struct {
	handlers map[int]TopicHandler
}

// symbolFromTopic extracts the symbol from a symbol-scoped topic name.
func symbolFromTopic(topic string) (string, bool) {
	for _, prefix := range []string{"price:", "analysis:"} {
		if strings.HasPrefix(topic, prefix) {
			return strings.TrimPrefix(topic, prefix), true
		}
	}
	return "", false
}

// ============================================================================
// RealtimeChannel
// ============================================================================

// RealtimeChannel owns one logical full-duplex connection to the push
// endpoint: the connect/reconnect state machine, the heartbeat, the topic
// subscription registry, and message fan-out.
type RealtimeChannel struct {
	config *ChannelConfig
	dial   dialFunc
	logger *slog.Logger
	recon  *reconnector

	mu               sync.Mutex
	state            ChannelState
	conn             wireConn
	generation       int
	intentionalClose bool
	cancelFn         context.CancelFunc
	nextSubID        int
	topics           map[string]*topicEntry
	wireSubs         map[string]bool // symbols subscribed on the current connection

	cbMu           sync.RWMutex
	onState        []func(ChannelState)
	onReconnecting []func(attempt int, delay time.Duration)
	onServerError  []func(RealtimeErrorPayload)
}

// NewRealtimeChannel creates a channel in the disconnected state. Call
// Connect to open the transport.
func NewRealtimeChannel(config ChannelConfig) *RealtimeChannel {
	config.defaults()
	return &RealtimeChannel{
		config:   &config,
		dial:     dialWebsocket,
		logger:   config.Logger,
		recon:    newReconnector(&config),
		state:    StateDisconnected,
		topics:   make(map[string]*topicEntry),
		wireSubs: make(map[string]bool),
	}
}

// State returns the current connection state.
func (ch *RealtimeChannel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// IsConnected reports whether the transport is currently open.
func (ch *RealtimeChannel) IsConnected() bool {
	return ch.State() == StateConnected
}

// OnStateChange registers a read-only observer of state transitions.
func (ch *RealtimeChannel) OnStateChange(h func(ChannelState)) {
	ch.cbMu.Lock()
	ch.onState = append(ch.onState, h)
	ch.cbMu.Unlock()
}

// OnReconnecting registers an observer of scheduled reconnect attempts.
func (ch *RealtimeChannel) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ch.cbMu.Lock()
	ch.onReconnecting = append(ch.onReconnecting, h)
	ch.cbMu.Unlock()
}

// OnServerError registers a handler for server-sent error frames.
func (ch *RealtimeChannel) OnServerError(h func(RealtimeErrorPayload)) {
	ch.cbMu.Lock()
	ch.onServerError = append(ch.onServerError, h)
	ch.cbMu.Unlock()
}

// ReconnectAttempts returns the current reconnect attempt counter.
func (ch *RealtimeChannel) ReconnectAttempts() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.recon.attempt
}

// ── Connect / Disconnect ─────────────────────────────────────────────────

// Connect opens the transport from disconnected or error. A dial failure
// moves the channel to error and, if attempts remain under the ceiling,
// schedules a backoff reconnect.
func (ch *RealtimeChannel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state == StateConnected || ch.state == StateConnecting {
		ch.mu.Unlock()
		return nil
	}
	ch.state = StateConnecting
	ch.intentionalClose = false
	dialGen := ch.generation
	ch.mu.Unlock()
	ch.emitState(StateConnecting)

	conn, err := ch.dial(ctx, ch.config.URL)

	ch.mu.Lock()
	// An explicit Disconnect (or a newer connection) while the dial was in
	// flight wins: the result of a superseded attempt never touches shared
	// state.
	if ch.intentionalClose || ch.generation != dialGen {
		ch.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "superseded")
		}
		return nil
	}
	if err != nil {
		ch.state = StateError
		retry := ch.config.AutoReconnect && ch.recon.shouldReconnect()
		ch.mu.Unlock()
		ch.emitState(StateError)
		if retry {
			go ch.scheduleReconnect()
		}
		return &APIError{Code: CodeTransportError, Message: fmt.Sprintf("dial: %v", err), Retryable: retry}
	}

	connCtx, cancel := context.WithCancel(context.Background())

	ch.conn = conn
	ch.state = StateConnected
	ch.generation++
	gen := ch.generation
	ch.cancelFn = cancel
	ch.recon.reset()
	ch.wireSubs = make(map[string]bool)
	symbols := ch.symbolsWithInterestLocked()
	ch.mu.Unlock()

	ch.emitState(StateConnected)

	// Re-establish transport subscriptions for topics with live local
	// subscribers.
	for _, sym := range symbols {
		ch.sendSubscribe(connCtx, conn, sym)
	}

	go ch.readLoop(connCtx, conn, gen)
	go ch.heartbeatLoop(connCtx, conn, gen)

	return nil
}

// Disconnect performs a clean, caller-initiated close: the heartbeat stops,
// subscriptions and status listeners are cleared, and no reconnect is
// scheduled.
func (ch *RealtimeChannel) Disconnect() error {
	ch.mu.Lock()
	ch.intentionalClose = true
	ch.generation++
	if ch.cancelFn != nil {
		ch.cancelFn()
		ch.cancelFn = nil
	}
	conn := ch.conn
	ch.conn = nil
	ch.state = StateDisconnected
	ch.topics = make(map[string]*topicEntry)
	ch.wireSubs = make(map[string]bool)
	ch.mu.Unlock()

	ch.emitState(StateDisconnected)

	ch.cbMu.Lock()
	ch.onState = nil
	ch.onReconnecting = nil
	ch.onServerError = nil
	ch.cbMu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ── Subscribe ────────────────────────────────────────────────────────────

// Subscribe registers a local subscriber for a topic. The first local
// subscriber for a symbol-scoped topic triggers exactly one subscribe frame
// on the transport; later subscribers share it. There is no wire
// unsubscribe: local filtering by topic is authoritative.
func (ch *RealtimeChannel) Subscribe(topic string, h TopicHandler) *Subscription {
	if sym, ok := symbolFromTopic(topic); ok {
		// Symbols are case-normalized before subscribing.
		topic = topic[:strings.Index(topic, ":")+1] + strings.ToUpper(sym)
	}

	ch.mu.Lock()
	ch.nextSubID++
	id := ch.nextSubID
	entry := ch.topics[topic]
	if entry == nil {
		entry = &topicEntry{handlers: make(map[int]TopicHandler)}
		ch.topics[topic] = entry
	}
	entry.handlers[id] = h

	var (
		conn      wireConn
		subSymbol string
	)
	if sym, ok := symbolFromTopic(topic); ok && ch.state == StateConnected && !ch.wireSubs[sym] {
		ch.wireSubs[sym] = true
		conn = ch.conn
		subSymbol = sym
	}
	ch.mu.Unlock()

	if conn != nil {
		ch.sendSubscribe(context.Background(), conn, subSymbol)
	}

	return &Subscription{ch: ch, topic: topic, id: id}
}

// SubscribePrice subscribes to a symbol's price topic.
func (ch *RealtimeChannel) SubscribePrice(symbol string, h TopicHandler) *Subscription {
	return ch.Subscribe(PriceTopic(symbol), h)
}

// SubscribeMarketStatus subscribes to the fixed market-status topic.
func (ch *RealtimeChannel) SubscribeMarketStatus(h TopicHandler) *Subscription {
	return ch.Subscribe(TopicMarketStatus, h)
}

func (ch *RealtimeChannel) unsubscribe(topic string, id int) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	entry := ch.topics[topic]
	if entry == nil {
		return
	}
	delete(entry.handlers, id)
	if len(entry.handlers) == 0 {
		delete(ch.topics, topic)
	}
}

// SubscriberCount returns the number of local subscribers for a topic.
func (ch *RealtimeChannel) SubscriberCount(topic string) int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if entry := ch.topics[topic]; entry != nil {
		return len(entry.handlers)
	}
	return 0
}

func (ch *RealtimeChannel) symbolsWithInterestLocked() []string {
	seen := make(map[string]bool)
	var symbols []string
	for topic := range ch.topics {
		if sym, ok := symbolFromTopic(topic); ok && !seen[sym] {
			seen[sym] = true
			ch.wireSubs[sym] = true
			symbols = append(symbols, sym)
		}
	}
	return symbols
}

func (ch *RealtimeChannel) sendSubscribe(ctx context.Context, conn wireConn, symbol string) {
	data, _ := json.Marshal(map[string]string{"symbol": strings.ToUpper(symbol)})
	frame, _ := json.Marshal(Frame{Type: FrameSubscribe, Data: data})
	if err := conn.Write(ctx, frame); err != nil {
		ch.logger.Debug("subscribe frame failed", "symbol", symbol, "error", err)
	}
}

// ── Loops ────────────────────────────────────────────────────────────────

func (ch *RealtimeChannel) readLoop(ctx context.Context, conn wireConn, gen int) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			ch.handleClose(gen, err)
			return
		}

		var frame Frame
		if json.Unmarshal(data, &frame) != nil {
			ch.logger.Warn("dropping unparsable frame")
			continue
		}
		if !ch.live(gen) {
			return
		}
		ch.handleFrame(frame)
	}
}

// handleClose runs the unclean-close transition. A continuation superseded
// by a newer connection or an explicit disconnect must not touch shared
// state.
func (ch *RealtimeChannel) handleClose(gen int, cause error) {
	ch.mu.Lock()
	if ch.generation != gen || ch.intentionalClose {
		ch.mu.Unlock()
		return
	}
	if ch.cancelFn != nil {
		ch.cancelFn()
		ch.cancelFn = nil
	}
	ch.conn = nil
	ch.state = StateDisconnected
	retry := ch.config.AutoReconnect && ch.recon.shouldReconnect()
	ch.mu.Unlock()

	ch.logger.Info("connection lost", "error", cause, "reconnect", retry)
	ch.emitState(StateDisconnected)

	if retry {
		go ch.scheduleReconnect()
	}
}

func (ch *RealtimeChannel) heartbeatLoop(ctx context.Context, conn wireConn, gen int) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(Frame{Type: FramePing})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !ch.live(gen) {
				return
			}
			if err := conn.Write(ctx, ping); err != nil {
				// The read loop surfaces the failure and reconnects.
				conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

func (ch *RealtimeChannel) live(gen int) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.generation == gen && !ch.intentionalClose
}

func (ch *RealtimeChannel) scheduleReconnect() {
	ch.mu.Lock()
	delay := ch.recon.nextDelay()
	attempt := ch.recon.attempt
	ch.mu.Unlock()

	ch.cbMu.RLock()
	handlers := append([]func(int, time.Duration){}, ch.onReconnecting...)
	ch.cbMu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}

	time.Sleep(delay)

	ch.mu.Lock()
	stop := ch.intentionalClose
	ch.mu.Unlock()
	if stop {
		return
	}
	// Connect schedules the next attempt itself if this one fails.
	_ = ch.Connect(context.Background())
}

// ── Fan-out ──────────────────────────────────────────────────────────────

func (ch *RealtimeChannel) handleFrame(frame Frame) {
	switch frame.Type {
	case FramePriceUpdate:
		var p PriceUpdate
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.Symbol == "" {
			ch.logger.Warn("dropping malformed price_update", "error", err)
			return
		}
		ch.fanOut(PriceTopic(p.Symbol), frame.Data)

	case FrameMarketStatus:
		ch.fanOut(TopicMarketStatus, frame.Data)

	case FrameAnalysisUpdate:
		var a AnalysisUpdate
		if err := json.Unmarshal(frame.Data, &a); err != nil || a.Symbol == "" {
			ch.logger.Warn("dropping malformed analysis_update", "error", err)
			return
		}
		ch.fanOut(AnalysisTopic(a.Symbol), frame.Data)

	case FrameError:
		var p RealtimeErrorPayload
		if json.Unmarshal(frame.Data, &p) != nil {
			p.Message = string(frame.Data)
		}
		ch.logger.Warn("server error frame", "message", p.Message)
		ch.cbMu.RLock()
		handlers := append([]func(RealtimeErrorPayload){}, ch.onServerError...)
		ch.cbMu.RUnlock()
		for _, h := range handlers {
			h(p)
		}

	default:
		// Unrecognized types never affect channel state.
		ch.logger.Warn("dropping unrecognized frame", "type", frame.Type)
	}
}

// fanOut delivers a payload to the topic's local subscribers only.
func (ch *RealtimeChannel) fanOut(topic string, data json.RawMessage) {
	ch.mu.Lock()
	entry := ch.topics[topic]
	var handlers []TopicHandler
	if entry != nil {
		handlers = make([]TopicHandler, 0, len(entry.handlers))
		for _, h := range entry.handlers {
			handlers = append(handlers, h)
		}
	}
	ch.mu.Unlock()

	for _, h := range handlers {
		h(topic, data)
	}
}

func (ch *RealtimeChannel) emitState(state ChannelState) {
	ch.cbMu.RLock()
	handlers := append([]func(ChannelState){}, ch.onState...)
	ch.cbMu.RUnlock()
	for _, h := range handlers {
		h(state)
	}
}
