package marketlink

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// SyncQueue
// ============================================================================

// SyncQueueConfig configures a SyncQueue.
type SyncQueueConfig struct {
	Storage    Storage
	HTTPClient *http.Client
	BaseURL    string

	// MaxRetries is the bounded retry ceiling per entry. When an entry's
	// replay has failed this many times it is discarded so the queue can
	// make progress. Zero means the default ceiling; a negative value
	// disables the ceiling and retries forever.
	MaxRetries int

	Logger *slog.Logger
}

// SyncQueue is a durable, ordered list of deferred write operations,
// persisted across restarts and replayed in FIFO order when connectivity
// returns.
type SyncQueue struct {
	storage    Storage
	httpClient *http.Client
	baseURL    string
	maxRetries int
	logger     *slog.Logger
	emitter    *eventEmitter

	mu       sync.Mutex
	draining bool
}

// NewSyncQueue creates a queue over the given storage.
func NewSyncQueue(cfg SyncQueueConfig) *SyncQueue {
	q := &SyncQueue{
		storage:    cfg.Storage,
		httpClient: cfg.HTTPClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger,
		emitter:    newEventEmitter(),
	}
	if q.httpClient == nil {
		q.httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.maxRetries == 0 {
		q.maxRetries = DefaultQueueRetries
	}
	return q
}

// On registers a handler for queue events: queue.enqueued, queue.replayed,
// queue.failed, queue.discarded.
func (q *SyncQueue) On(event string, h EventHandler) {
	q.emitter.On(event, h)
}

// Enqueue appends a deferred write. Entries must be idempotent at the
// business layer; each carries an idempotency key for the replay.
func (q *SyncQueue) Enqueue(method, rawURL string, body []byte) (*QueueEntry, error) {
	id := uuid.NewString()
	entry := &QueueEntry{
		ID:             id,
		Method:         method,
		URL:            rawURL,
		Body:           body,
		IdempotencyKey: "sdk-" + id,
		EnqueuedAt:     time.Now().UTC(),
	}
	if err := q.storage.QueueAppend(entry); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	q.emitter.emit("queue.enqueued", entry)
	return entry, nil
}

// Len returns the number of entries awaiting replay.
func (q *SyncQueue) Len() int {
	n, err := q.storage.QueueLen()
	if err != nil {
		q.logger.Debug("queue len failed", "error", err)
		return 0
	}
	return n
}

// Entries returns the queued entries in FIFO order.
func (q *SyncQueue) Entries() ([]*QueueEntry, error) {
	return q.storage.QueueList()
}

// Drain replays queued entries strictly in enqueue order, awaiting each
// network call before issuing the next. A failed replay halts the batch:
// the failed and remaining entries stay queued for the next trigger. A
// successful entry is removed immediately after confirmation.
//
// Drain is serialized; a call while a drain is already running returns nil.
func (q *SyncQueue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	entries, err := q.storage.QueueList()
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}

	replayed := 0
	for _, entry := range entries {
		if err := q.replay(ctx, entry); err != nil {
			entry.Retries++
			entry.LastError = err.Error()

			if q.maxRetries > 0 && entry.Retries >= q.maxRetries {
				if rerr := q.storage.QueueRemove(entry.ID); rerr != nil {
					q.logger.Debug("discard failed", "id", entry.ID, "error", rerr)
				}
				q.logger.Warn("queue entry discarded after retry ceiling",
					"id", entry.ID, "retries", entry.Retries, "error", err)
				q.emitter.emit("queue.discarded", entry)
			} else {
				if uerr := q.storage.QueueUpdate(entry); uerr != nil {
					q.logger.Debug("retry bookkeeping failed", "id", entry.ID, "error", uerr)
				}
				q.emitter.emit("queue.failed", entry)
			}

			q.logger.Info("drain halted", "replayed", replayed, "remaining", q.Len())
			return &APIError{
				Code:      CodeReplayFailed,
				Message:   fmt.Sprintf("replay of entry %s failed: %v", entry.ID, err),
				Retryable: true,
			}
		}

		if err := q.storage.QueueRemove(entry.ID); err != nil {
			// Keep ordering: do not advance past an entry that could not
			// be confirmed as removed.
			return fmt.Errorf("remove replayed entry: %w", err)
		}
		replayed++
		q.emitter.emit("queue.replayed", entry)
	}

	if replayed > 0 {
		q.logger.Info("queue drained", "replayed", replayed)
	}
	return nil
}

// replay issues one entry's network call. Any outcome other than a 2xx is a
// failure so the bounded-retry policy governs poison entries too.
func (q *SyncQueue) replay(ctx context.Context, entry *QueueEntry) error {
	u := entry.URL
	if strings.HasPrefix(u, "/") {
		u = q.baseURL + u
	}

	req, err := http.NewRequestWithContext(ctx, entry.Method, u, bytes.NewReader(entry.Body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if entry.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Idempotency-Key", entry.IdempotencyKey)

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}
