package ws

import (
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/dm/internal/session"
)

// Connection is one upgraded WebSocket client. It implements session.Channel:
// Send enqueues onto a bounded queue drained by a single writer goroutine, so
// callers never block on a slow peer.
type Connection struct {
	id        string    // session handle from the directory, set once registered
	UserID    string    // authenticated user
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established

	queue        *session.Queue
	rd           io.Reader // frame source; buffered on platforms without epoll
	writeMu      sync.Mutex
	lastActivity atomic.Int64 // unix nanos of the last frame read
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn

	mu      sync.Mutex // guards id and removed
	removed bool
}

func newConnection(conn net.Conn, userID string, queueSize int) *Connection {
	now := time.Now()
	c := &Connection{
		UserID:    userID,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: now,
		queue:     session.NewQueue(queueSize),
		rd:        conn,
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Send enqueues a text frame. It never blocks: a full queue returns
// session.ErrQueueFull and a closed one session.ErrChannelClosed.
func (c *Connection) Send(data []byte) error {
	return c.queue.Send(data)
}

// Close stops the writer. The writer then closes the socket and the server
// reaps the connection. Safe to call more than once and from any goroutine.
func (c *Connection) Close() error {
	return c.queue.Close()
}

// LastActivity returns when a frame was last read from the client.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// WriteMessage writes a text frame immediately, bypassing the queue.
func (c *Connection) WriteMessage(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// writeLoop drains the outbound queue until it is closed or a write fails,
// then calls onExit.
func (c *Connection) writeLoop(timeout time.Duration, onExit func(*Connection)) {
	defer onExit(c)
	for {
		select {
		case frame := <-c.queue.Frames():
			if err := c.WriteMessage(frame, timeout); err != nil {
				log.Printf("ws: write failed session=%s user=%s: %v", c.SessionID(), c.UserID, err)
				return
			}
		case <-c.queue.Done():
			c.writeClose(timeout)
			return
		}
	}
}

func (c *Connection) writeClose(timeout time.Duration) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	_ = ws.WriteFrame(c.Conn, ws.NewCloseFrame(body))
}

// markRemoved flags c as removed and returns its session handle. The second
// return is false if c was already removed.
func (c *Connection) markRemoved() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return "", false
	}
	c.removed = true
	return c.id, true
}

// SessionID returns the directory session handle, or "" before the
// connection is registered.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Connection) isRemoved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed
}

// ConnectionManager is a thread-safe registry of open connections.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[*Connection]struct{}
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{conns: make(map[*Connection]struct{})}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.conns[c] = struct{}{}
	cm.mu.Unlock()
}

// Remove unregisters c, stops its writer and closes the socket. Returns true
// if the connection was found, false if it was already gone.
func (cm *ConnectionManager) Remove(c *Connection) bool {
	cm.mu.Lock()
	_, ok := cm.conns[c]
	delete(cm.conns, c)
	cm.mu.Unlock()

	if ok {
		_ = c.queue.Close()
		_ = c.Conn.Close()
	}
	return ok
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.conns)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.conns))
	for c := range cm.conns {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	return conns
}

var _ session.Channel = (*Connection)(nil)
