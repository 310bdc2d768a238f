package marketlink

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFacadeTracksLatestAndStaleness(t *testing.T) {
	ch := newTestChannel(&fakeDialer{})
	f := NewRealtimeFacade(FacadeConfig{
		Channel:         ch,
		StalenessWindow: time.Minute,
	})
	defer f.Close()

	topic := PriceTopic("AAPL")
	sub := f.WatchPrice("AAPL")
	defer sub.Unsubscribe()

	// Never updated yet.
	_, ok := f.Latest(topic)
	assert.False(t, ok)
	assert.True(t, f.IsStale(topic), "a topic with no update yet is stale")

	t0 := time.Now()
	f.now = func() time.Time { return t0 }
	ch.handleFrame(priceFrame(t, "AAPL", 190.5))

	data, ok := f.Latest(topic)
	require.True(t, ok)
	var p PriceUpdate
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, 190.5, p.Price)

	at, ok := f.LastUpdate(topic)
	require.True(t, ok)
	assert.True(t, at.Equal(t0))

	// Just inside the window: fresh. At the boundary and beyond: stale.
	f.now = func() time.Time { return t0.Add(time.Minute - time.Second) }
	assert.False(t, f.IsStale(topic))
	f.now = func() time.Time { return t0.Add(time.Minute) }
	assert.True(t, f.IsStale(topic))

	// A new update clears staleness immediately.
	ch.handleFrame(priceFrame(t, "AAPL", 191.0))
	assert.False(t, f.IsStale(topic))
}

func TestFacadePollsOnlyWhileDisconnected(t *testing.T) {
	ch := newTestChannel(&fakeDialer{})

	var polls atomic.Int64
	f := NewRealtimeFacade(FacadeConfig{
		Channel:      ch,
		PollInterval: 5 * time.Millisecond,
		Refresh:      func(context.Context) { polls.Add(1) },
	})
	defer f.Close()

	// Disconnected: the fallback poller fires.
	require.Eventually(t, func() bool {
		return polls.Load() > 0
	}, 2*time.Second, time.Millisecond)

	// Connected: push delivery is authoritative and polling pauses.
	require.NoError(t, ch.Connect(context.Background()))
	defer ch.Disconnect()
	time.Sleep(20 * time.Millisecond) // let an in-flight refresh finish
	before := polls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, polls.Load(), "no polling while connected")
}

func TestFacadeResumesPollingOnDisconnect(t *testing.T) {
	d := &fakeDialer{}
	ch := NewRealtimeChannel(ChannelConfig{URL: "ws://test", HeartbeatInterval: time.Hour})
	ch.dial = d.dial

	var polls atomic.Int64
	f := NewRealtimeFacade(FacadeConfig{
		Channel:      ch,
		PollInterval: time.Hour, // only the state-change kick can trigger a poll
		Refresh:      func(context.Context) { polls.Add(1) },
	})
	defer f.Close()

	require.NoError(t, ch.Connect(context.Background()))
	defer ch.Disconnect()
	assert.Equal(t, int64(0), polls.Load())

	d.lastConn().fail(context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		return polls.Load() > 0
	}, 2*time.Second, time.Millisecond, "the drop kicks the poller without waiting an interval")
}

// captureHandler records slog messages for assertions.
type captureHandler struct {
	mu   sync.Mutex
	msgs []string
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler       { return h }
func (h *captureHandler) WithGroup(string) slog.Handler            { return h }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	h.msgs = append(h.msgs, r.Message)
	h.mu.Unlock()
	return nil
}

func (h *captureHandler) contains(msg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.msgs {
		if m == msg {
			return true
		}
	}
	return false
}

func TestFacadeLogsFallbackPolling(t *testing.T) {
	ch := newTestChannel(&fakeDialer{})
	handler := &captureHandler{}
	f := NewRealtimeFacade(FacadeConfig{
		Channel:      ch,
		PollInterval: 5 * time.Millisecond,
		Refresh:      func(context.Context) {},
		Logger:       slog.New(handler),
	})
	defer f.Close()

	require.Eventually(t, func() bool {
		return handler.contains("push delivery down, polling")
	}, 2*time.Second, time.Millisecond)
}

func TestFacadeCloseStopsPoller(t *testing.T) {
	ch := newTestChannel(&fakeDialer{})

	var polls atomic.Int64
	f := NewRealtimeFacade(FacadeConfig{
		Channel:      ch,
		PollInterval: 5 * time.Millisecond,
		Refresh:      func(context.Context) { polls.Add(1) },
	})

	require.Eventually(t, func() bool { return polls.Load() > 0 }, 2*time.Second, time.Millisecond)
	f.Close()
	f.Close() // idempotent

	time.Sleep(20 * time.Millisecond)
	before := polls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, polls.Load())
}
