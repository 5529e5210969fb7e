// Package relay pushes persisted messages to the receiver's live session.
// Delivery is best effort: the message log is the source of truth and a
// receiver that misses a push recovers it from history.
package relay

import (
	"errors"
	"log"

	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/metrics"
	"github.com/whisper/dm/internal/protocol"
	"github.com/whisper/dm/internal/session"
)

// Outcome is the result of one delivery attempt.
type Outcome int

const (
	Delivered Outcome = iota
	Offline
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Offline:
		return "offline"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Lookuper resolves a user to their live channel.
type Lookuper interface {
	Lookup(userID string) (session.Channel, bool)
}

// Relay implements chat.Deliverer on top of the session directory.
type Relay struct {
	dir Lookuper
}

// New creates a Relay that resolves receivers through dir.
func New(dir Lookuper) *Relay {
	return &Relay{dir: dir}
}

// Deliver pushes m to its receiver and never reports failure to the caller.
func (r *Relay) Deliver(m *chat.Message) {
	r.Push(m)
}

// Push attempts a single delivery of m and reports what happened.
func (r *Relay) Push(m *chat.Message) Outcome {
	outcome := r.push(m)
	metrics.MessagesTotal.WithLabelValues(outcome.String()).Inc()
	return outcome
}

func (r *Relay) push(m *chat.Message) Outcome {
	ch, ok := r.dir.Lookup(m.ReceiverID)
	if !ok {
		return Offline
	}

	frame, err := protocol.EncodeMessage(m)
	if err != nil {
		log.Printf("relay: encode message=%s: %v", m.ID, err)
		return Dropped
	}

	switch err := ch.Send(frame); {
	case err == nil:
		return Delivered
	case errors.Is(err, session.ErrQueueFull):
		log.Printf("relay: queue full for user=%s, dropped message=%s", m.ReceiverID, m.ID)
		return Dropped
	case errors.Is(err, session.ErrChannelClosed):
		// Lost a race with disconnect or supersession.
		return Offline
	default:
		log.Printf("relay: send to user=%s failed: %v", m.ReceiverID, err)
		return Dropped
	}
}

var _ chat.Deliverer = (*Relay)(nil)
