package ticker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ClientConfig configures a single upstream connection.
type ClientConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteTimeout     time.Duration
	BufferSize       int
}

// Message is a raw inbound frame stamped with its arrival time.
type Message struct {
	Data       []byte
	ReceivedAt time.Time
}

// Client is one upstream WebSocket session. It is not reusable: after Close
// or a transport error a new Client must be dialed.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	messages chan Message
	errors   chan error
	done     chan struct{}

	writeMu sync.Mutex

	// Unix nanos of the last ping sent and the last pong seen.
	pingSent atomic.Int64
	lastPong atomic.Int64

	mu        sync.RWMutex
	connected bool
	closed    bool
}

// NewClient creates an unconnected client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan Message, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// FeedURL appends the 5paisa credential query to the base feed endpoint.
func FeedURL(base string, creds Credentials) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	u.RawQuery = "Value1=" + url.QueryEscape(creds.AccessToken) + "|" + url.QueryEscape(creds.ClientCode)
	return u.String(), nil
}

// Connect dials the feed and starts the read and heartbeat goroutines.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: handshake status %d", ErrCredentialsRejected, resp.StatusCode)
		}
		return fmt.Errorf("dial feed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	now := time.Now()
	c.lastPong.Store(now.UnixNano())
	_ = conn.SetReadDeadline(now.Add(c.readWindow()))
	conn.SetPongHandler(func(string) error {
		now := time.Now()
		c.lastPong.Store(now.UnixNano())
		return conn.SetReadDeadline(now.Add(c.readWindow()))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.readWindow()))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	go c.readLoop()
	go c.heartbeatLoop()

	c.logger.Debug("feed websocket connected", "url", redactURL(c.cfg.URL))
	return nil
}

// readWindow is how long the connection may stay silent before it is stale.
func (c *Client) readWindow() time.Duration {
	return c.cfg.PingInterval + c.cfg.PongWait
}

// Close sends a close frame and tears down the socket. Safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return conn.Close()
}

// Send writes one text frame.
func (c *Client) Send(data []byte) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendJSON encodes v and writes it as one text frame.
func (c *Client) SendJSON(v any) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(v)
}

// Messages returns inbound frames in arrival order.
func (c *Client) Messages() <-chan Message { return c.messages }

// Errors yields at most one terminal transport error.
func (c *Client) Errors() <-chan error { return c.errors }

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} { return c.done }

// IsConnected reports whether the socket is believed to be up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	select {
	case c.errors <- err:
	default:
	}
}

// readLoop never drops frames: order within the feed must survive to the
// listeners, so a full buffer blocks the reader instead.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				err = ErrStaleConnection
			}
			c.fail(err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readWindow()))

		select {
		case c.messages <- Message{Data: data, ReceivedAt: receivedAt}:
		case <-c.done:
			return
		}
	}
}

// pongOverdue reports whether the last ping has gone unanswered for longer
// than PongWait. Data frames do not count as an answer.
func (c *Client) pongOverdue(now time.Time) bool {
	sent := c.pingSent.Load()
	if sent == 0 || c.lastPong.Load() >= sent {
		return false
	}
	return now.Sub(time.Unix(0, sent)) > c.cfg.PongWait
}

// heartbeatLoop pings the feed every PingInterval and fails the connection
// when a ping goes unanswered. A fully silent socket also trips the read
// deadline.
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if c.pongOverdue(now) {
				c.logger.Debug("feed pong overdue", "pong_wait", c.cfg.PongWait)
				c.fail(ErrStaleConnection)
				return
			}
			if c.lastPong.Load() >= c.pingSent.Load() {
				c.pingSent.Store(now.UnixNano())
			}
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("feed ping failed", "error", err)
				c.fail(err)
				return
			}
		}
	}
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	u.RawQuery = ""
	return u.String()
}
