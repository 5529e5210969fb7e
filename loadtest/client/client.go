// Package client provides a reusable load test client for the Whisper DM
// server: a REST client for registration and message writes, and a WebSocket
// client built on gobwas/ws (the same library the server uses) that waits for
// session_created and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeMessage        = "message"
	TypeTyping         = "typing"
	TypeError          = "error"
	TypePong           = "pong"
)

// Client -> Server message types.
const (
	TypePing = "ping"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	SessionLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated user connection. It dispatches incoming
// frames to registered handlers.
type Client struct {
	conn      net.Conn
	rd        io.ReadWriter
	writeMu   sync.Mutex
	mu        sync.Mutex
	sessionID string
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	session   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the WebSocket endpoint wsURL authenticated with token.
// Handlers must be registered with On before Start is called.
func Dial(ctx context.Context, wsURL, token string) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		rd:       conn,
		handlers: make(map[string]func(json.RawMessage)),
		session:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	if br != nil {
		// The handshake response may have been read together with the first
		// frames.
		c.rd = bufferedConn{Conn: conn, r: br}
	}
	c.metrics.ConnectLatency = time.Since(start)
	return c, nil
}

// bufferedConn reads through the handshake reader and writes to the conn.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

// On registers a handler for a server message type. Handlers run on the read
// loop goroutine. Registering a second handler for a type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// Start begins reading frames in the background.
func (c *Client) Start() {
	go c.readLoop(time.Now())
}

// Send writes a JSON frame to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Ping sends an application-level ping.
func (c *Client) Ping() error {
	return c.Send(map[string]string{"type": TypePing})
}

// WaitForSession blocks until session_created arrives or ctx is done.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before session was created")
	case <-c.session:
		return nil
	}
}

// Done is closed when the connection is closed or the read loop fails.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// SessionID returns the session id assigned by the server, or "" before
// session_created.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop(started time.Time) {
	for {
		data, err := wsutil.ReadServerText(c.rd)
		if err != nil {
			select {
			case <-c.done:
				// Closed intentionally.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.Close()
			}
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var envelope struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		if envelope.Type == TypeSessionCreated {
			c.mu.Lock()
			first := c.sessionID == ""
			c.sessionID = envelope.SessionID
			c.metrics.SessionLatency = c.metrics.ConnectLatency + time.Since(started)
			c.mu.Unlock()
			if first {
				close(c.session)
			}
		}

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
