// Package ws serves the WebSocket transport: it authenticates and upgrades
// HTTP requests, binds each connection to the session directory, multiplexes
// reads with epoll and dispatches control frames.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/dm/internal/metrics"
	"github.com/whisper/dm/internal/protocol"
	"github.com/whisper/dm/internal/session"
)

// MaxFrameSize bounds the payload of a client data frame.
const MaxFrameSize = 64 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for each outbound frame
	SendQueueSize  int           // outbound frames buffered per session
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  session.DefaultQueueSize,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// Directory is the session directory the server binds connections to.
type Directory interface {
	Connect(userID string, ch session.Channel) string
	Disconnect(sessionID, userID string) bool
}

var errConnectionGone = errors.New("ws: connection removed during registration")

// Server is the WebSocket server built on gobwas/ws and epoll. Reads are
// dispatched to a bounded worker pool; each connection has its own writer.
type Server struct {
	config     ServerConfig
	dir        Directory
	auth       Authenticator
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{}                       // semaphore limiting concurrent read workers
	onMessage  func(conn *Connection, data []byte) // message handler callback
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
	running    atomic.Bool
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete text frame received from a client.
func NewServer(config ServerConfig, dir Directory, auth Authenticator, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		dir:        dir,
		auth:       auth,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// Run creates the epoll instance and starts the event loop and heartbeat in
// the background. Start and Serve call it; it only needs calling directly
// when HandleUpgrade is mounted on an externally managed listener.
func (s *Server) Run() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)
	return nil
}

// Start listens on config.ListenAddr and serves handler, which is expected
// to route the upgrade path to HandleUpgrade. It blocks until Shutdown.
func (s *Server) Start(handler http.Handler) error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l, handler)
}

// Serve serves handler on l. It blocks until Shutdown.
func (s *Server) Serve(l net.Listener, handler http.Handler) error {
	if err := s.Run(); err != nil {
		return err
	}
	s.httpServer = &http.Server{Handler: handler, ReadHeaderTimeout: s.config.ReadTimeout}

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		l.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// TokenFromRequest returns the bearer token from the "token" query parameter
// or the Authorization header.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// HandleUpgrade authenticates the request and upgrades it to a WebSocket
// bound to the caller's session. Authentication failures get HTTP 401 and
// no session is created.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	userID, err := s.auth.Authenticate(r.Context(), TokenFromRequest(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed user=%s: %v", userID, err)
		return
	}

	c := newConnection(conn, userID, s.config.SendQueueSize)
	s.conns.Add(c)
	metrics.ConnectionsActive.Inc()
	go c.writeLoop(s.config.WriteTimeout, s.RemoveConnection)

	sessionID := s.dir.Connect(userID, c)
	if err := s.register(c, sessionID); err != nil {
		if errors.Is(err, errConnectionGone) {
			s.dir.Disconnect(sessionID, userID)
			return
		}
		log.Printf("ws: epoll add failed session=%s: %v", sessionID, err)
		s.RemoveConnection(c)
		return
	}

	created, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: sessionID,
		UserID:    userID,
	})
	if err != nil {
		log.Printf("ws: failed to build session_created for session %s: %v", sessionID, err)
	} else if err := c.Send(created); err != nil {
		log.Printf("ws: failed to queue session_created for session %s: %v", sessionID, err)
	}

	log.Printf("ws: new connection user=%s session=%s fd=%d (total=%d)", userID, sessionID, c.Fd, s.conns.Count())
}

// register binds sessionID to c and starts polling it for reads. It fails
// with errConnectionGone if c was removed concurrently.
func (s *Server) register(c *Connection, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return errConnectionGone
	}
	c.id = sessionID
	return s.epoll.Add(c)
}

// HandleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop, handing each ready connection to a
// worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, c := range conns {
			c := c

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads a single frame from a ready connection. Control frames are
// handled inline; a read failure removes the connection.
func (s *Server) handleConn(c *Connection) {
	if c.isRemoved() {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer s.epoll.Resume(c)
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.rd, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	if header.Length > MaxFrameSize {
		log.Printf("ws: frame too large session=%s len=%d", c.SessionID(), header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	_ = c.Conn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.touch()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			if err := c.WritePong(data, s.config.WriteTimeout); err != nil {
				log.Printf("ws: pong failed session=%s: %v", c.SessionID(), err)
				s.RemoveConnection(c)
			}
		}
		return
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters c from epoll, the connection manager and the
// session directory, and closes it. It is safe to call concurrently and more
// than once; only the first call has any effect. The directory removal is
// conditional on c's session handle, so removing a superseded connection
// leaves the user's newer session in place.
func (s *Server) RemoveConnection(c *Connection) {
	sessionID, first := c.markRemoved()
	if !first {
		return
	}

	if s.epoll != nil {
		_ = s.epoll.Remove(c)
	}
	if s.conns.Remove(c) {
		metrics.ConnectionsActive.Dec()
	}
	if sessionID != "" {
		s.dir.Disconnect(sessionID, c.UserID)
	}

	log.Printf("ws: connection closed user=%s session=%s (total=%d)", c.UserID, sessionID, s.conns.Count())
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop and closes every
// connection.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}
