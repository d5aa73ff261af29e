// Package websocket is the realtime transport: one authenticated connection
// to the backend that reconnects with backoff until told to stop.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"github.com/sethvargo/go-retry"
)

const (
	sendBufferSize = 16
	readLimit      = 1 << 20
)

var (
	ErrNotConnected = errors.New("websocket not connected")
	ErrAuthRejected = errors.New("websocket authentication rejected")
	ErrNoToken      = errors.New("websocket token is empty")
)

type Config struct {
	// URL is the endpoint without the token, e.g. wss://host/api/v1/realtime/ws.
	URL          string
	PingInterval time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	DialTimeout  time.Duration
}

// Client is a reconnecting websocket client. Handlers registered with On run
// on the connection's read goroutine in arrival order.
type Client struct {
	cfg    Config
	logger *slog.Logger

	hmu      sync.RWMutex
	handlers map[string][]func(Event)

	mu     sync.Mutex
	send   chan []byte
	cancel context.CancelFunc
	done   chan struct{}
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return &Client{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string][]func(Event)),
	}
}

// On registers fn for events of the given type.
func (c *Client) On(eventType string, fn func(Event)) {
	c.hmu.Lock()
	c.handlers[eventType] = append(c.handlers[eventType], fn)
	c.hmu.Unlock()
}

func (c *Client) emit(ev Event) {
	c.hmu.RLock()
	hs := append([]func(Event){}, c.handlers[ev.Type]...)
	c.hmu.RUnlock()
	for _, fn := range hs {
		fn(ev)
	}
}

// Connect starts the connection loop with token. It returns immediately;
// progress is reported through lifecycle events. No-op if already running.
func (c *Client) Connect(ctx context.Context, token string) error {
	if token == "" {
		return ErrNoToken
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, token, c.done)
	return nil
}

// Disconnect stops the loop and waits for it to exit. It must not be called
// from an event handler.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		c.logger.Warn("websocket: disconnect timed out after 10s")
	}
}

// Running reports whether the connection loop is active.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send != nil
}

func (c *Client) JoinRoom(listID string) error  { return c.write(joinFrame(listID)) }
func (c *Client) LeaveRoom(listID string) error { return c.write(leaveFrame(listID)) }

func (c *Client) SendTyping(listID string, typing bool) error {
	return c.write(typingFrame(listID, typing))
}

func (c *Client) RequestOnlineStatus(friendIDs []string) error {
	return c.write(onlineStatusFrame(friendIDs))
}

// Ping sends an application-level ping; the server answers with a pong
// event.
func (c *Client) Ping() error { return c.write(pingFrame(time.Now())) }

func (c *Client) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", f.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send %s: buffer full", f.Type)
	}
}

func (c *Client) run(ctx context.Context, token string, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.done = nil
		c.mu.Unlock()
		close(done)
	}()

	first := true
	for {
		conn, err := c.dialWithRetry(ctx, token, first)
		if err != nil {
			if ctx.Err() == nil {
				c.emit(Event{Type: EventError, Err: err, Auth: errors.Is(err, ErrAuthRejected)})
			}
			c.emit(Event{Type: EventDisconnected})
			return
		}
		first = false

		err = c.serve(ctx, conn)

		if ctx.Err() != nil {
			c.emit(Event{Type: EventDisconnected})
			return
		}
		if ws.CloseStatus(err) == ws.StatusPolicyViolation {
			c.emit(Event{Type: EventError, Err: fmt.Errorf("%w: %v", ErrAuthRejected, err), Auth: true})
			c.emit(Event{Type: EventDisconnected})
			return
		}

		c.logger.Warn("websocket: connection lost", "error", err)
		c.emit(Event{Type: EventReconnecting, Err: err, Attempt: 1})

		select {
		case <-ctx.Done():
			c.emit(Event{Type: EventDisconnected})
			return
		case <-time.After(c.cfg.BaseDelay):
		}
	}
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.cfg.BaseDelay)
	b = retry.WithCappedDuration(c.cfg.MaxDelay, b)
	return retry.WithJitterPercent(10, b)
}

// dialWithRetry dials until it succeeds, the context ends, or the server
// rejects the token.
func (c *Client) dialWithRetry(ctx context.Context, token string, first bool) (*ws.Conn, error) {
	var conn *ws.Conn
	attempt := 0
	if !first {
		attempt = 1
	}

	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			c.emit(Event{Type: EventReconnecting, Attempt: attempt})
		}
		cn, err := c.dial(ctx, token)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				return err
			}
			c.logger.Warn("websocket: dial failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		conn = cn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) dial(ctx context.Context, token string) (*ws.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	target := c.cfg.URL + "/" + url.PathEscape(token)
	conn, resp, err := ws.Dial(ctx, target, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// serve runs one connection until it closes and returns the read error.
func (c *Client) serve(ctx context.Context, conn *ws.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	send := make(chan []byte, sendBufferSize)
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.send = nil
		c.mu.Unlock()
		conn.Close(ws.StatusNormalClosure, "")
	}()

	c.logger.Info("websocket: connected")
	c.emit(Event{Type: EventConnected})

	go c.writePump(ctx, conn, send, cancel)
	return c.readPump(ctx, conn)
}

func (c *Client) readPump(ctx context.Context, conn *ws.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			c.logger.Warn("websocket: malformed frame dropped", "error", err, "bytes", len(data))
			continue
		}
		if ev.Type == EventConnected || ev.Type == EventDisconnected || ev.Type == EventReconnecting {
			c.logger.Warn("websocket: frame uses reserved type, dropped", "type", ev.Type)
			continue
		}
		c.emit(ev)
	}
}

// writePump drains send and pings periodically to detect stale
// connections. A failed write or ping cancels the connection.
func (c *Client) writePump(ctx context.Context, conn *ws.Conn, send <-chan []byte, cancel context.CancelFunc) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-send:
			if err := conn.Write(ctx, ws.MessageText, msg); err != nil {
				c.logger.Debug("websocket: write failed", "error", err)
				cancel()
				return
			}
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, c.cfg.PingInterval/2)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				c.logger.Warn("websocket: ping failed", "error", err)
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
