package ws

import (
	"errors"
	"log"

	"github.com/whisper/dm/internal/metrics"
	"github.com/whisper/dm/internal/protocol"
	"github.com/whisper/dm/internal/session"
)

// MessageHandler handles one parsed client frame. msg is the concrete struct
// returned by protocol.ParseClientMessage and raw the frame as received.
type MessageHandler func(conn *Connection, msg interface{}, raw []byte)

// MessageDispatcher routes incoming frames to registered handlers by type.
// Ping is answered internally; malformed and unsupported frames get an
// error frame back.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error session=%s: %v", conn.SessionID(), err)
		code := protocol.CodeBadFrame
		if msgType != "" {
			code = protocol.CodeUnknownType
			if _, ok := d.handlers[msgType]; ok || msgType == protocol.TypePing {
				code = protocol.CodeInvalid
			}
		}
		d.reply(conn, protocol.EncodeError(code, err.Error()))
		return
	}

	if msgType == protocol.TypePing {
		metrics.SignalsTotal.WithLabelValues("ping").Inc()
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q session=%s", msgType, conn.SessionID())
		d.reply(conn, protocol.EncodeError(protocol.CodeUnknownType, "unsupported message type"))
		return
	}

	handler(conn, msg, data)
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong message session=%s: %v", conn.SessionID(), err)
		return
	}
	d.reply(conn, data)
}

func (d *MessageDispatcher) reply(conn *Connection, data []byte) {
	if err := conn.Send(data); err != nil {
		log.Printf("ws: reply dropped session=%s: %v", conn.SessionID(), err)
	}
}

// Lookuper resolves a user to their live channel.
type Lookuper interface {
	Lookup(userID string) (session.Channel, bool)
}

// TypingHandler forwards typing frames verbatim to the receiver's live
// session. Frames for offline receivers, or that do not fit in the
// receiver's queue, are dropped.
func TypingHandler(dir Lookuper) MessageHandler {
	return func(conn *Connection, msg interface{}, raw []byte) {
		tm, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		ch, ok := dir.Lookup(tm.ReceiverID)
		if !ok {
			metrics.SignalsTotal.WithLabelValues("typing_dropped").Inc()
			return
		}
		if err := ch.Send(raw); err != nil {
			if !errors.Is(err, session.ErrChannelClosed) {
				log.Printf("ws: typing from user=%s to user=%s dropped: %v", conn.UserID, tm.ReceiverID, err)
			}
			metrics.SignalsTotal.WithLabelValues("typing_dropped").Inc()
			return
		}
		metrics.SignalsTotal.WithLabelValues("typing_forwarded").Inc()
	}
}
