package chat

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/whisper/dm/internal/metrics"
)

// orderingStripes is the number of per-receiver locks used to keep
// persistence order and live delivery order identical for each receiver.
const orderingStripes = 64

// ErrMissingParticipant is returned when sender or receiver is empty.
var ErrMissingParticipant = errors.New("chat: sender and receiver are required")

// Deliverer pushes a persisted message to the receiver's live session, if
// any. It must not block and must not report failures back.
type Deliverer interface {
	Deliver(m *Message)
}

// Publisher announces persisted messages to out-of-process consumers.
type Publisher interface {
	PublishMessage(m *Message) error
}

// Service is the authenticated write path: validate, persist, then relay.
type Service struct {
	store     Store
	relay     Deliverer
	publisher Publisher
	clock     *Clock
	newID     func() string
	stripes   [orderingStripes]sync.Mutex
}

// NewService creates a Service that persists to store and hands every
// persisted message to relay.
func NewService(store Store, relay Deliverer) *Service {
	return &Service{
		store: store,
		relay: relay,
		clock: NewClock(),
		newID: func() string { return uuid.New().String() },
	}
}

// SetPublisher attaches an optional publisher notified after each insert.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// Send validates and persists a message from senderID to receiverID, then
// relays it. The returned message is the durable-write acknowledgment; it is
// returned whether or not live delivery succeeded. A store failure is
// returned as-is and nothing is relayed.
func (s *Service) Send(ctx context.Context, senderID, receiverID, content string) (*Message, error) {
	if senderID == "" || receiverID == "" {
		return nil, ErrMissingParticipant
	}
	if err := ValidateMessage(content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	mu := s.stripe(receiverID)
	mu.Lock()
	defer mu.Unlock()

	m := &Message{
		ID:         s.newID(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Timestamp:  s.clock.Next(),
	}

	start := time.Now()
	if err := s.store.Insert(ctx, m); err != nil {
		metrics.MessagesTotal.WithLabelValues("store_failed").Inc()
		return nil, err
	}
	metrics.StoreLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesTotal.WithLabelValues("persisted").Inc()

	projection := *m
	s.relay.Deliver(&projection)

	if s.publisher != nil {
		if err := s.publisher.PublishMessage(m); err != nil {
			log.Printf("chat: publish message=%s failed: %v", m.ID, err)
		}
	}
	return m, nil
}

// History returns the full conversation between userA and userB.
func (s *Service) History(ctx context.Context, userA, userB string) ([]Message, error) {
	return s.store.QueryConversation(ctx, userA, userB)
}

// MarkRead flags every message from senderID to readerID as read.
func (s *Service) MarkRead(ctx context.Context, readerID, senderID string) (int64, error) {
	return s.store.MarkRead(ctx, readerID, senderID)
}

func (s *Service) stripe(receiverID string) *sync.Mutex {
	return &s.stripes[xxhash.Sum64String(receiverID)%orderingStripes]
}
