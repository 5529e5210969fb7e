package session

import "sync"

// DefaultQueueSize is the outbound frame capacity of a session.
const DefaultQueueSize = 64

// Queue is a bounded outbound frame queue with a drop-on-full policy. It
// implements Channel; a transport drains Frames until Done is closed.
type Queue struct {
	frames chan []byte
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

// NewQueue creates a Queue holding at most size frames.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		frames: make(chan []byte, size),
		done:   make(chan struct{}),
	}
}

// Send enqueues data without blocking. It returns ErrQueueFull when the queue
// is at capacity and ErrChannelClosed once Close has been called.
func (q *Queue) Send(data []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrChannelClosed
	}
	select {
	case q.frames <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close marks the queue closed. Frames still buffered are abandoned.
func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mu.Unlock()
	return nil
}

// Frames returns the receive side of the queue.
func (q *Queue) Frames() <-chan []byte {
	return q.frames
}

// Done is closed when the queue is closed.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of buffered frames.
func (q *Queue) Len() int {
	return len(q.frames)
}
