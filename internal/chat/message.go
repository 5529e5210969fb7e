// Package chat owns direct messages: the durable message log, content
// validation and the write path that persists a message before handing it to
// the relay for live delivery.
package chat

import (
	"context"
	"fmt"
	"time"
)

// Message is one direct message. Everything except IsRead is immutable once
// inserted.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsRead     bool      `json:"is_read"`
}

// Store is the durable message log.
type Store interface {
	// Insert appends m. On success m is visible to every later
	// QueryConversation for its sender/receiver pair.
	Insert(ctx context.Context, m *Message) error
	// QueryConversation returns every message exchanged between userA and
	// userB in either direction, ordered by timestamp ascending.
	QueryConversation(ctx context.Context, userA, userB string) ([]Message, error)
	// MarkRead flags all unread messages from senderID to receiverID as read
	// and returns how many were updated.
	MarkRead(ctx context.Context, receiverID, senderID string) (int64, error)
}

// StorageError reports a failed Store operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("chat: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
