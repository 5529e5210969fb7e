// Package protocol defines the WebSocket frames exchanged between clients and
// the server. Frames are JSON objects discriminated by a "type" field.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/whisper/dm/internal/chat"
)

// Client -> Server frame types.
const (
	TypePing   = "ping"
	TypeTyping = "typing"
)

// Server -> Client frame types. TypeTyping is also relayed to the receiver.
const (
	TypeSessionCreated = "session_created"
	TypeMessage        = "message"
	TypePong           = "pong"
	TypeError          = "error"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadFrame    = "bad_frame"
	CodeUnknownType = "unknown_type"
	CodeInvalid     = "invalid_payload"
)

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the full frame and extracts only its type.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// PingMsg is a client keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// TypingMsg tells ReceiverID that the sender is typing. The server forwards
// the client's frame unchanged.
type TypingMsg struct {
	Type       string `json:"type"`
	ReceiverID string `json:"receiver_id"`
}

// SessionCreatedMsg is the first frame on every new connection.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// MessageEvent pushes a persisted direct message to its receiver.
type MessageEvent struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsRead     bool      `json:"is_read"`
}

// PongMsg answers a ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ErrorMsg reports a rejected frame to its sender.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseClientMessage parses a raw frame into a typed client message. It
// returns the frame type, the decoded struct and any error. An error is
// returned for unknown or server-only types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	switch env.Type {
	case TypePing:
		var m PingMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
		}
		return env.Type, m, nil
	case TypeTyping:
		var m TypingMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
		}
		if m.ReceiverID == "" {
			return env.Type, nil, fmt.Errorf("protocol: typing frame requires receiver_id")
		}
		return env.Type, m, nil
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}
}

// NewServerMessage marshals payload and sets its "type" field to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// EncodeMessage renders a persisted message as a "message" event.
func EncodeMessage(m *chat.Message) ([]byte, error) {
	return json.Marshal(MessageEvent{
		Type:       TypeMessage,
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		IsRead:     m.IsRead,
	})
}

// EncodeError renders an error frame. Encoding a fixed struct of strings
// cannot fail, so the error is dropped.
func EncodeError(code, message string) []byte {
	out, _ := json.Marshal(ErrorMsg{Type: TypeError, Code: code, Message: message})
	return out
}
