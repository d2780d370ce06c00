package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event types pushed by the server.
const (
	EventConflictDetected     = "conflict_detected"
	EventBookingStarted       = "booking_started"
	EventBookingCompleted     = "booking_completed"
	EventBookingStatusChanged = "booking_status_changed"
	EventNotification         = "notification"
)

// Event is one real-time message. Data is decoded lazily with the As helpers.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Room      string          `json:"room"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// BookingChange is the payload of booking_started, booking_completed and
// booking_status_changed events.
type BookingChange struct {
	From        string      `json:"from,omitempty"`
	Booking     Booking     `json:"booking"`
	Environment Environment `json:"environment"`
	Notes       string      `json:"notes,omitempty"`
}

func (e Event) AsConflict() (Conflict, error) {
	var c Conflict
	return c, json.Unmarshal(e.Data, &c)
}

func (e Event) AsBookingChange() (BookingChange, error) {
	var b BookingChange
	return b, json.Unmarshal(e.Data, &b)
}

func (e Event) AsNotification() (Notification, error) {
	var n Notification
	return n, json.Unmarshal(e.Data, &n)
}

// EventHandler is called for each event received via WebSocket
type EventHandler func(event Event)

// FilteredEventHandler passes through only events whose type is in types.
func FilteredEventHandler(handler EventHandler, types ...string) EventHandler {
	return func(event Event) {
		for _, t := range types {
			if event.Type == t {
				handler(event)
				return
			}
		}
	}
}

// WSClient subscribes to one room: an environment or the caller's
// notifications.
type WSClient struct {
	baseURL   string
	path      string
	apiKey    string
	userID    int64
	role      string
	reconnect bool

	mu       sync.RWMutex
	conn     *websocket.Conn
	handlers []EventHandler
	done     chan struct{}
	once     sync.Once
}

// WSOption configures the WebSocket client
type WSOption func(*WSClient)

func WithWSAPIKey(key string) WSOption {
	return func(c *WSClient) { c.apiKey = key }
}

// WithWSIdentity identifies a localhost caller that has no API key.
func WithWSIdentity(userID int64, role string) WSOption {
	return func(c *WSClient) {
		c.userID = userID
		c.role = role
	}
}

// WithAutoReconnect enables automatic reconnection on disconnect
func WithAutoReconnect(enabled bool) WSOption {
	return func(c *WSClient) { c.reconnect = enabled }
}

// NewEnvironmentWS watches the events of one environment.
func NewEnvironmentWS(baseURL string, envID int64, opts ...WSOption) *WSClient {
	return newWSClient(baseURL, "/ws/environments/"+strconv.FormatInt(envID, 10), opts)
}

// NewNotificationsWS receives the caller's notifications as they are created.
func NewNotificationsWS(baseURL string, opts ...WSOption) *WSClient {
	return newWSClient(baseURL, "/ws/notifications", opts)
}

func newWSClient(baseURL, path string, opts []WSOption) *WSClient {
	c := &WSClient{baseURL: baseURL, path: path, done: make(chan struct{})}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEvent registers an event handler
func (c *WSClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Connect dials the room and starts dispatching events until Close or ctx ends.
func (c *WSClient) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.readLoop(ctx)
	return nil
}

func (c *WSClient) dial(ctx context.Context) error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	} else if c.userID > 0 {
		header.Set("X-User-ID", strconv.FormatInt(c.userID, 10))
		if c.role != "" {
			header.Set("X-User-Role", c.role)
		}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Close closes the WebSocket connection
func (c *WSClient) Close() error {
	c.once.Do(func() { close(c.done) })
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (c *WSClient) buildWSURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	// Convert http(s) to ws(s)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = c.path
	return u.String(), nil
}

func (c *WSClient) readLoop(ctx context.Context) {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		var event Event
		err := wsjson.Read(ctx, conn, &event)
		if err == nil {
			c.dispatchEvent(event)
			continue
		}
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}
		if !c.reconnect || !c.redial(ctx) {
			return
		}
	}
}

func (c *WSClient) dispatchEvent(event Event) {
	c.mu.RLock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// redial retries with exponential backoff until it succeeds or the client is
// closed.
func (c *WSClient) redial(ctx context.Context) bool {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-c.done:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		if err := c.dial(ctx); err == nil {
			return true
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
