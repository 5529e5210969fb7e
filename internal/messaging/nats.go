// Package messaging publishes direct-message events to NATS so that other
// processes (notification workers, audit sinks, other server nodes) can react
// to persisted messages without polling the database.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/session"
)

// NATS subject patterns.
const (
	SubjectMessage  = "dm.message"  // + .<receiver_id>
	SubjectPresence = "dm.presence" // + .<user_id>
)

// PresenceEvent is published on every session directory transition.
type PresenceEvent struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "whisper-dm",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishMessage publishes a persisted message to dm.message.<receiver_id>.
// It satisfies chat.Publisher.
func (c *NATSClient) PublishMessage(m *chat.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("nats marshal message: %w", err)
	}
	return c.Publish(SubjectMessage+"."+m.ReceiverID, data)
}

// SubscribeMessages delivers every message addressed to receiverID. Use "*"
// to receive messages for all users.
func (c *NATSClient) SubscribeMessages(receiverID string, handler func(m chat.Message)) error {
	subject := SubjectMessage + "." + receiverID
	return c.Subscribe(subject, func(msg *nats.Msg) {
		var m chat.Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			log.Printf("[nats] bad payload on %s: %v", msg.Subject, err)
			return
		}
		handler(m)
	})
}

// UnsubscribeMessages removes a subscription made with SubscribeMessages.
func (c *NATSClient) UnsubscribeMessages(receiverID string) error {
	return c.unsubscribe(SubjectMessage + "." + receiverID)
}

// PresenceObserver returns a session directory observer that publishes each
// transition to dm.presence.<user_id>.
func (c *NATSClient) PresenceObserver() session.Observer {
	return func(ev session.Event) {
		data, err := json.Marshal(PresenceEvent{
			UserID:    ev.UserID,
			SessionID: ev.SessionID,
			Kind:      ev.Kind.String(),
			At:        ev.At,
		})
		if err != nil {
			return
		}
		if err := c.Publish(SubjectPresence+"."+ev.UserID, data); err != nil {
			log.Printf("[nats] publish presence user=%s: %v", ev.UserID, err)
		}
	}
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

var _ chat.Publisher = (*NATSClient)(nil)
