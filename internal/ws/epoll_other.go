//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for platforms without
// epoll. Each connection gets a monitor that peeks one byte through a
// buffered reader, so no frame bytes are lost, and then waits for Resume
// before peeking again.
type Epoll struct {
	mu      sync.Mutex
	conns   map[*Connection]chan struct{} // connection -> resume signal
	readyCh chan *Connection
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[*Connection]chan struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring c. Reads must go through c.rd afterwards.
func (e *Epoll) Add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	c.rd = br
	resume := make(chan struct{}, 1)

	e.mu.Lock()
	e.conns[c] = resume
	e.mu.Unlock()

	go e.monitor(c, br, resume)
	return nil
}

func (e *Epoll) monitor(c *Connection, br *bufio.Reader, resume chan struct{}) {
	for {
		_, err := br.Peek(1)

		// Signal on error too so the read path observes the closure.
		select {
		case e.readyCh <- c:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-resume:
		case <-e.done:
			return
		}
		if !e.registered(c) {
			return
		}
	}
}

func (e *Epoll) registered(c *Connection) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.conns[c]
	return ok
}

// Remove stops monitoring c.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	resume, ok := e.conns[c]
	delete(e.conns, c)
	e.mu.Unlock()
	if ok {
		select {
		case resume <- struct{}{}:
		default:
		}
	}
	return nil
}

// Resume lets the monitor for c watch for the next frame once the previous
// one has been consumed.
func (e *Epoll) Resume(c *Connection) {
	e.mu.Lock()
	resume, ok := e.conns[c]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

// Wait blocks until at least one connection is ready for reading.
func (e *Epoll) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []*Connection{first}
	for {
		select {
		case c := <-e.readyCh:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[*Connection]chan struct{})
	e.mu.Unlock()
	return nil
}

func isEINTR(error) bool { return false }

// socketFD is unused by the fallback.
func socketFD(net.Conn) int {
	return -1
}
