package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultMaxReconnectAttempts = 10
	baseReconnectDelay          = 1 * time.Second
	maxReconnectDelay           = 30 * time.Second
	handshakeTimeout            = 10 * time.Second
)

var ErrNotConnected = errors.New("agent not connected")

type Handler func(Message)

type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Timer interface {
	Stop() bool
}

type AfterFunc func(d time.Duration, f func()) Timer

type Options struct {
	URL                  string
	MaxReconnectAttempts int
	Dialer               Dialer
	AfterFunc            AfterFunc
}

// Channel owns the single websocket connection to the Agent. Frames read
// from the socket are dispatched to registered handlers on the read loop,
// which also delivers the Connected and Disconnected pseudo messages.
type Channel struct {
	url         string
	dialer      Dialer
	afterFunc   AfterFunc
	maxAttempts int

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	connecting bool
	manual     bool
	attempts   int
	timer      Timer

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[MessageType]Handler
}

func New(opts Options) *Channel {
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return &Channel{
		url:         opts.URL,
		dialer:      opts.Dialer,
		afterFunc:   opts.AfterFunc,
		maxAttempts: opts.MaxReconnectAttempts,
		handlers:    make(map[MessageType]Handler),
	}
}

// ReconnectDelay is the wait before reconnect attempt number attempt (0-based).
func ReconnectDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 5 {
		return maxReconnectDelay
	}
	return min(baseReconnectDelay<<attempt, maxReconnectDelay)
}

// Connect opens the socket unless it is already open. A dial failure is
// returned and also feeds the reconnect schedule.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.manual = false
	c.mu.Unlock()
	return c.dial(ctx)
}

// dial opens the socket unless one is open or being opened. A Disconnect
// that lands while the dial is in flight wins: the new socket is closed.
func (c *Channel) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)

	c.mu.Lock()
	c.connecting = false
	if err != nil {
		c.mu.Unlock()
		slog.Warn("Agent connection failed", "url", c.url, "error", err)
		c.scheduleReconnect()
		return fmt.Errorf("dial agent %s: %w", c.url, err)
	}
	if c.manual {
		c.mu.Unlock()
		conn.Close()
		slog.Info("Agent disconnected while dialing, dropping socket", "url", c.url)
		return nil
	}
	c.conn = conn
	c.connected = true
	c.attempts = 0
	c.mu.Unlock()

	slog.Info("Agent connected", "url", c.url)
	go c.readLoop(conn)
	return nil
}

// Disconnect closes the socket and suppresses any further auto-reconnect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.attempts = c.maxAttempts
	c.manual = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Channel) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// On registers the handler for t, replacing any previous one.
func (c *Channel) On(t MessageType, h Handler) {
	c.handlersMu.Lock()
	c.handlers[t] = h
	c.handlersMu.Unlock()
}

func (c *Channel) Off(t MessageType) {
	c.handlersMu.Lock()
	delete(c.handlers, t)
	c.handlersMu.Unlock()
}

// Send encodes and writes one frame without waiting for any reply. content
// may be nil, raw JSON bytes, or any value json.Marshal accepts.
func (c *Channel) Send(t MessageType, content any, bin []byte) error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		slog.Warn("Cannot send to agent", "type", t, "error", ErrNotConnected)
		return ErrNotConnected
	}

	var raw json.RawMessage
	switch v := content.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			slog.Error("Failed to marshal agent message", "type", t, "error", err)
			return fmt.Errorf("marshal %s: %w", t, err)
		}
		raw = b
	}

	data, err := Encode(Message{Type: t, Content: raw, Binary: bin})
	if err != nil {
		slog.Error("Failed to encode agent message", "type", t, "error", err)
		return err
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.BinaryMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		slog.Error("Failed to send agent message", "type", t, "error", err)
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	c.Send(SyncConfig, nil, nil)
	c.dispatch(Message{Type: Connected})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		if kind != websocket.BinaryMessage {
			slog.Warn("Ignoring non-binary agent frame", "kind", kind)
			continue
		}
		msg, err := Decode(data)
		if err != nil {
			slog.Error("Dropping malformed agent frame", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Channel) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
	conn.Close()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Warn("Agent connection lost", "error", err)
	} else {
		slog.Info("Agent disconnected")
	}
	c.dispatch(Message{Type: Disconnected})
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manual {
		return
	}
	if c.attempts >= c.maxAttempts {
		slog.Error("Agent reconnect attempts exhausted", "attempts", c.attempts)
		return
	}
	delay := ReconnectDelay(c.attempts)
	c.attempts++
	slog.Info("Scheduling agent reconnect", "delay", delay, "attempt", c.attempts)
	c.timer = c.afterFunc(delay, func() {
		c.mu.Lock()
		c.timer = nil
		manual := c.manual
		c.mu.Unlock()
		if manual {
			return
		}
		c.dial(context.Background())
	})
}

func (c *Channel) dispatch(msg Message) {
	c.handlersMu.RLock()
	h := c.handlers[msg.Type]
	c.handlersMu.RUnlock()
	if h == nil {
		slog.Debug("No handler for agent message", "type", msg.Type)
		return
	}
	h(msg)
}
