package marketlink

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// RealtimeFacade
// ============================================================================

// FacadeConfig configures a RealtimeFacade.
type FacadeConfig struct {
	Channel *RealtimeChannel

	// StalenessWindow is the maximum age of a topic's last update before it
	// reports stale. Defaults to 60 seconds.
	StalenessWindow time.Duration

	// PollInterval is how often the fallback poller fires while the channel
	// is not connected. Defaults to 15 seconds.
	PollInterval time.Duration

	// Refresh is the caller-supplied pull-based refresh, invoked by the
	// fallback poller only while push delivery is unavailable.
	Refresh func(ctx context.Context)

	Logger *slog.Logger
}

// RealtimeFacade derives connection status, per-topic latest values,
// staleness, and a polling fallback from a RealtimeChannel, for callers
// that cannot consume push delivery directly.
type RealtimeFacade struct {
	channel      *RealtimeChannel
	window       time.Duration
	pollInterval time.Duration
	refresh      func(ctx context.Context)
	logger       *slog.Logger
	now          func() time.Time

	mu     sync.RWMutex
	latest map[string]json.RawMessage
	lastAt map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	kick     chan struct{}
}

// NewRealtimeFacade creates a facade over the channel and starts the
// fallback poller. Call Close to stop it.
func NewRealtimeFacade(cfg FacadeConfig) *RealtimeFacade {
	f := &RealtimeFacade{
		channel:      cfg.Channel,
		window:       cfg.StalenessWindow,
		pollInterval: cfg.PollInterval,
		refresh:      cfg.Refresh,
		logger:       cfg.Logger,
		now:          time.Now,
		latest:       make(map[string]json.RawMessage),
		lastAt:       make(map[string]time.Time),
		stopCh:       make(chan struct{}),
		kick:         make(chan struct{}, 1),
	}
	if f.window == 0 {
		f.window = 60 * time.Second
	}
	if f.pollInterval == 0 {
		f.pollInterval = 15 * time.Second
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}

	// Resume polling immediately when the channel drops.
	f.channel.OnStateChange(func(state ChannelState) {
		if state != StateConnected {
			select {
			case f.kick <- struct{}{}:
			default:
			}
		}
	})

	if f.refresh != nil {
		go f.pollLoop()
	}
	return f
}

// Close stops the fallback poller. The underlying channel is left alone.
func (f *RealtimeFacade) Close() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

// IsConnected reports whether push delivery is live.
func (f *RealtimeFacade) IsConnected() bool {
	return f.channel.IsConnected()
}

// Watch subscribes the facade to a topic so Latest and IsStale track it.
func (f *RealtimeFacade) Watch(topic string) *Subscription {
	return f.channel.Subscribe(topic, func(topic string, data json.RawMessage) {
		f.mu.Lock()
		f.latest[topic] = data
		f.lastAt[topic] = f.now()
		f.mu.Unlock()
	})
}

// WatchPrice watches a symbol's price topic.
func (f *RealtimeFacade) WatchPrice(symbol string) *Subscription {
	return f.Watch(PriceTopic(symbol))
}

// Latest returns the most recent payload for a topic.
func (f *RealtimeFacade) Latest(topic string) (json.RawMessage, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, ok := f.latest[topic]
	return data, ok
}

// LastUpdate returns when the topic last received an update.
func (f *RealtimeFacade) LastUpdate(topic string) (time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	at, ok := f.lastAt[topic]
	return at, ok
}

// IsStale reports whether no update arrived within the staleness window.
// A topic that never received an update is stale.
func (f *RealtimeFacade) IsStale(topic string) bool {
	f.mu.RLock()
	at, ok := f.lastAt[topic]
	f.mu.RUnlock()
	if !ok {
		return true
	}
	return f.now().Sub(at) >= f.window
}

// pollLoop fires the refresh callback on a fixed interval only while the
// channel is not connected, so the pull and push data paths never run
// concurrently.
func (f *RealtimeFacade) pollLoop() {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-f.kick:
		case <-ticker.C:
		}
		if f.channel.IsConnected() {
			continue
		}
		f.logger.Debug("push delivery down, polling", "interval", f.pollInterval)
		ctx, cancel := context.WithTimeout(context.Background(), f.pollInterval)
		f.refresh(ctx)
		cancel()
	}
}
