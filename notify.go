package marketlink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Notification Types
// ============================================================================

// PushMessage is an inbound server-initiated, out-of-band message.
type PushMessage struct {
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Data      json.RawMessage `json:"data,omitempty"`
	URL       string          `json:"url,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Alert action names.
const (
	ActionOpen    = "open"
	ActionDismiss = "dismiss"
)

// Alert is a user-facing notification built from a push message.
type Alert struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Body       string          `json:"body"`
	Actions    []string        `json:"actions"`
	URL        string          `json:"url,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Presenter shows alerts to the user. Implementations belong to the
// presentation layer.
type Presenter interface {
	Present(alert Alert) error
}

// WindowFocuser brings the application's primary window to focus, opening
// one if none exists.
type WindowFocuser interface {
	Focus(url string) error
}

// ParsePushMessage parses a raw push body into a typed PushMessage.
func ParsePushMessage(body []byte) (*PushMessage, error) {
	var msg PushMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON in push body: %w", err)
	}
	if msg.Title == "" {
		return nil, fmt.Errorf("missing title in push message")
	}
	return &msg, nil
}

// ============================================================================
// NotificationDispatcher
// ============================================================================

// NotificationDispatcher turns inbound push events into user-facing alerts
// with actions. It is independent of the cache router but shares the client
// lifecycle.
type NotificationDispatcher struct {
	presenter Presenter
	focuser   WindowFocuser
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]Alert
}

// NewNotificationDispatcher creates a dispatcher. presenter and focuser may
// be nil; presenting and opening then degrade to logging.
func NewNotificationDispatcher(presenter Presenter, focuser WindowFocuser, logger *slog.Logger) *NotificationDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationDispatcher{
		presenter: presenter,
		focuser:   focuser,
		logger:    logger,
		active:    make(map[string]Alert),
	}
}

// Handle converts one push message into an alert and presents it.
func (d *NotificationDispatcher) Handle(body []byte) (*Alert, error) {
	msg, err := ParsePushMessage(body)
	if err != nil {
		return nil, err
	}

	alert := Alert{
		ID:         uuid.NewString(),
		Title:      msg.Title,
		Body:       msg.Body,
		Actions:    []string{ActionOpen, ActionDismiss},
		URL:        msg.URL,
		Data:       msg.Data,
		ReceivedAt: time.Now(),
	}

	d.mu.Lock()
	d.active[alert.ID] = alert
	d.mu.Unlock()

	if d.presenter != nil {
		if err := d.presenter.Present(alert); err != nil {
			d.logger.Warn("alert presentation failed", "id", alert.ID, "error", err)
		}
	} else {
		d.logger.Info("alert", "title", alert.Title, "body", alert.Body)
	}

	return &alert, nil
}

// HandleAction resolves a user's choice on an alert. Selecting open brings
// the primary window to focus.
func (d *NotificationDispatcher) HandleAction(alertID, action string) error {
	d.mu.Lock()
	alert, ok := d.active[alertID]
	if ok {
		delete(d.active, alertID)
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown alert: %s", alertID)
	}

	switch action {
	case ActionOpen:
		if d.focuser == nil {
			d.logger.Info("open requested with no window focuser", "id", alertID)
			return nil
		}
		return d.focuser.Focus(alert.URL)
	case ActionDismiss:
		return nil
	default:
		return fmt.Errorf("unknown action %q for alert %s", action, alertID)
	}
}

// Active returns the alerts the user has not acted on yet.
func (d *NotificationDispatcher) Active() []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	alerts := make([]Alert, 0, len(d.active))
	for _, a := range d.active {
		alerts = append(alerts, a)
	}
	return alerts
}
