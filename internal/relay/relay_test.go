package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/protocol"
	"github.com/whisper/dm/internal/session"
)

func message(from, to, text string) *chat.Message {
	return &chat.Message{
		ID: "m-" + text, SenderID: from, ReceiverID: to, Content: text,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func drain(t *testing.T, q *session.Queue) []protocol.MessageEvent {
	t.Helper()
	var out []protocol.MessageEvent
	for {
		select {
		case frame := <-q.Frames():
			var ev protocol.MessageEvent
			if err := json.Unmarshal(frame, &ev); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPushDeliversToOnlineReceiver(t *testing.T) {
	dir := session.NewDirectory()
	bob := session.NewQueue(4)
	dir.Connect("bob", bob)

	m := message("alice", "bob", "hi")
	m.Timestamp = m.Timestamp.Add(123456789 * time.Nanosecond)

	r := New(dir)
	if got := r.Push(m); got != Delivered {
		t.Fatalf("expected Delivered, got %v", got)
	}

	events := drain(t, bob)
	if len(events) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != protocol.TypeMessage {
		t.Errorf("type = %q, want %q", ev.Type, protocol.TypeMessage)
	}
	if ev.ID != m.ID || ev.SenderID != m.SenderID || ev.ReceiverID != m.ReceiverID || ev.Content != m.Content {
		t.Errorf("event %+v does not match message %+v", ev, m)
	}
	if !ev.Timestamp.Equal(m.Timestamp) {
		t.Errorf("timestamp = %v, want %v", ev.Timestamp, m.Timestamp)
	}
	if ev.IsRead != m.IsRead {
		t.Errorf("is_read = %v, want %v", ev.IsRead, m.IsRead)
	}
}

func TestPushOfflineReceiver(t *testing.T) {
	r := New(session.NewDirectory())
	if got := r.Push(message("alice", "bob", "hi")); got != Offline {
		t.Fatalf("expected Offline, got %v", got)
	}
}

func TestPushAfterReconnectGoesToNewChannelOnly(t *testing.T) {
	dir := session.NewDirectory()
	first := session.NewQueue(4)
	second := session.NewQueue(4)
	dir.Connect("bob", first)
	dir.Connect("bob", second)

	r := New(dir)
	if got := r.Push(message("alice", "bob", "hi")); got != Delivered {
		t.Fatalf("expected Delivered, got %v", got)
	}
	if n := len(drain(t, first)); n != 0 {
		t.Errorf("superseded channel received %d frames", n)
	}
	if n := len(drain(t, second)); n != 1 {
		t.Errorf("current channel received %d frames, want 1", n)
	}
}

func TestPushFullQueueDrops(t *testing.T) {
	dir := session.NewDirectory()
	bob := session.NewQueue(1)
	dir.Connect("bob", bob)

	r := New(dir)
	if got := r.Push(message("alice", "bob", "one")); got != Delivered {
		t.Fatalf("expected Delivered, got %v", got)
	}
	if got := r.Push(message("alice", "bob", "two")); got != Dropped {
		t.Fatalf("expected Dropped, got %v", got)
	}

	events := drain(t, bob)
	if len(events) != 1 || events[0].Content != "one" {
		t.Errorf("expected only the first frame, got %+v", events)
	}
}

func TestPushClosedChannelIsOffline(t *testing.T) {
	dir := session.NewDirectory()
	bob := session.NewQueue(4)
	dir.Connect("bob", bob)
	bob.Close()

	if got := New(dir).Push(message("alice", "bob", "hi")); got != Offline {
		t.Fatalf("expected Offline, got %v", got)
	}
}
