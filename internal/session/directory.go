package session

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned by Channel.Send when the outbound queue has no
	// room left. The frame is dropped.
	ErrQueueFull = errors.New("session: outbound queue full")

	// ErrChannelClosed is returned by Channel.Send after the channel was closed.
	ErrChannelClosed = errors.New("session: channel closed")
)

// Channel is the live endpoint of one connected user. Send must not block;
// Close must be idempotent and must not block either, because the directory
// calls it while holding its lock when a session is superseded.
type Channel interface {
	Send(data []byte) error
	Close() error
}

// Transition identifies a change in the directory.
type Transition int

const (
	// Connected: Absent -> Connected.
	Connected Transition = iota + 1
	// Superseded: Connected -> Connected' (previous channel evicted).
	Superseded
	// Disconnected: Connected -> Absent.
	Disconnected
)

func (t Transition) String() string {
	switch t {
	case Connected:
		return "connected"
	case Superseded:
		return "superseded"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event describes one transition. SessionID is the handle that was installed
// (Connected, Superseded) or removed (Disconnected).
type Event struct {
	UserID    string
	SessionID string
	Kind      Transition
	At        time.Time
}

// Observer receives directory events. It is called after the directory lock
// has been released, so events for the same user raised by concurrent calls
// may arrive out of order.
type Observer func(Event)

type binding struct {
	sessionID string
	ch        Channel
	since     time.Time
}

// Directory maps user IDs to their single live channel. All operations are
// serialized by one mutex.
type Directory struct {
	mu        sync.RWMutex
	byUser    map[string]binding
	observers []Observer
	newID     func() string
	now       func() time.Time
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		byUser: make(map[string]binding),
		newID:  func() string { return uuid.New().String() },
		now:    time.Now,
	}
}

// Observe registers fn for all future transitions.
func (d *Directory) Observe(fn Observer) {
	d.mu.Lock()
	d.observers = append(d.observers, fn)
	d.mu.Unlock()
}

// Connect installs ch as the live endpoint for userID and returns the new
// session handle. An existing session for userID is evicted: its channel is
// closed before ch is installed.
func (d *Directory) Connect(userID string, ch Channel) string {
	sessionID := d.newID()
	now := d.now()

	d.mu.Lock()
	prev, existed := d.byUser[userID]
	if existed {
		if err := prev.ch.Close(); err != nil {
			log.Printf("session: closing evicted channel user=%s session=%s: %v", userID, prev.sessionID, err)
		}
	}
	d.byUser[userID] = binding{sessionID: sessionID, ch: ch, since: now}
	observers := d.observers
	d.mu.Unlock()

	kind := Connected
	if existed {
		kind = Superseded
		log.Printf("session: user=%s session=%s superseded by %s", userID, prev.sessionID, sessionID)
	}
	notify(observers, Event{UserID: userID, SessionID: sessionID, Kind: kind, At: now})
	return sessionID
}

// Disconnect removes the binding for userID only when its current session
// handle equals sessionID. It reports whether a binding was removed; a stale
// or unknown handle is a no-op.
func (d *Directory) Disconnect(sessionID, userID string) bool {
	d.mu.Lock()
	cur, ok := d.byUser[userID]
	if !ok || cur.sessionID != sessionID {
		d.mu.Unlock()
		return false
	}
	delete(d.byUser, userID)
	observers := d.observers
	d.mu.Unlock()

	notify(observers, Event{UserID: userID, SessionID: sessionID, Kind: Disconnected, At: d.now()})
	return true
}

// Lookup returns the live channel for userID, if any.
func (d *Directory) Lookup(userID string) (Channel, bool) {
	d.mu.RLock()
	b, ok := d.byUser[userID]
	d.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return b.ch, true
}

// SessionID returns the current session handle for userID.
func (d *Directory) SessionID(userID string) (string, bool) {
	d.mu.RLock()
	b, ok := d.byUser[userID]
	d.mu.RUnlock()
	return b.sessionID, ok
}

// Contains reports whether userID has a live session.
func (d *Directory) Contains(userID string) bool {
	d.mu.RLock()
	_, ok := d.byUser[userID]
	d.mu.RUnlock()
	return ok
}

// Count returns the number of users with a live session.
func (d *Directory) Count() int {
	d.mu.RLock()
	n := len(d.byUser)
	d.mu.RUnlock()
	return n
}

// CloseAll closes every channel and empties the directory. Used at shutdown.
func (d *Directory) CloseAll() {
	now := d.now()

	d.mu.Lock()
	events := make([]Event, 0, len(d.byUser))
	for userID, b := range d.byUser {
		_ = b.ch.Close()
		events = append(events, Event{UserID: userID, SessionID: b.sessionID, Kind: Disconnected, At: now})
	}
	d.byUser = make(map[string]binding)
	observers := d.observers
	d.mu.Unlock()

	for _, ev := range events {
		notify(observers, ev)
	}
}

func notify(observers []Observer, ev Event) {
	for _, fn := range observers {
		fn(ev)
	}
}
