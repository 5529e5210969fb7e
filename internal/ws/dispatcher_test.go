package ws

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/whisper/dm/internal/protocol"
	"github.com/whisper/dm/internal/session"
)

func nextReply(t *testing.T, c *Connection) protocol.ErrorMsg {
	t.Helper()
	select {
	case frame := <-c.queue.Frames():
		var m protocol.ErrorMsg
		if err := json.Unmarshal(frame, &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return m
	default:
		t.Fatal("expected a reply frame")
		return protocol.ErrorMsg{}
	}
}

func TestDispatchPing(t *testing.T) {
	c := newConnection(nil, "alice", 4)
	before := c.LastActivity()
	time.Sleep(time.Millisecond)

	NewMessageDispatcher().Dispatch(c, []byte(`{"type":"ping"}`))
	if m := nextReply(t, c); m.Type != protocol.TypePong {
		t.Fatalf("expected pong, got %+v", m)
	}
	if !c.LastActivity().After(before) {
		t.Error("ping should refresh last activity")
	}
}

func TestDispatchErrors(t *testing.T) {
	d := NewMessageDispatcher()
	d.Register(protocol.TypeTyping, func(*Connection, interface{}, []byte) {})
	cases := map[string]string{
		`garbage`:            protocol.CodeBadFrame,
		`{"type":"nope"}`:    protocol.CodeUnknownType,
		`{"type":"typing"}`:  protocol.CodeInvalid,
		`{"type":"message"}`: protocol.CodeUnknownType,
	}
	for frame, code := range cases {
		c := newConnection(nil, "alice", 4)
		d.Dispatch(c, []byte(frame))
		if m := nextReply(t, c); m.Type != protocol.TypeError || m.Code != code {
			t.Errorf("%s: expected %s, got %+v", frame, code, m)
		}
	}
}

func TestDispatchUnregisteredTyping(t *testing.T) {
	c := newConnection(nil, "alice", 4)
	NewMessageDispatcher().Dispatch(c, []byte(`{"type":"typing","receiver_id":"bob"}`))
	if m := nextReply(t, c); m.Code != protocol.CodeUnknownType {
		t.Fatalf("expected unknown_type, got %+v", m)
	}
}

func TestTypingHandler(t *testing.T) {
	dir := session.NewDirectory()
	bob := session.NewQueue(1)
	dir.Connect("bob", bob)

	d := NewMessageDispatcher()
	d.Register(protocol.TypeTyping, TypingHandler(dir))
	alice := newConnection(nil, "alice", 4)

	raw := []byte(`{"type":"typing","receiver_id":"bob"}`)
	d.Dispatch(alice, raw)
	select {
	case got := <-bob.Frames():
		if string(got) != string(raw) {
			t.Fatalf("expected verbatim frame, got %s", got)
		}
	default:
		t.Fatal("typing frame was not forwarded")
	}

	// Offline receiver: dropped, nothing sent back to the sender.
	d.Dispatch(alice, []byte(`{"type":"typing","receiver_id":"carol"}`))
	if alice.queue.Len() != 0 {
		t.Fatal("typing to an offline user must not produce a reply")
	}
}

func TestHeartbeatEvictsIdleConnection(t *testing.T) {
	dir := session.NewDirectory()
	srv := NewServer(DefaultServerConfig(), dir, tokenAuth{}, nil)

	server, client := net.Pipe()
	defer client.Close()
	c := newConnection(server, "alice", 4)
	srv.conns.Add(c)
	c.id = dir.Connect("alice", c)
	c.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	checkConnections(srv, DefaultHeartbeatConfig(), time.Now())

	if dir.Contains("alice") {
		t.Fatal("idle connection should be disconnected from the directory")
	}
	if srv.Connections().Count() != 0 {
		t.Fatal("idle connection should be removed")
	}
}

func TestRemoveConnectionIsIdempotent(t *testing.T) {
	dir := session.NewDirectory()
	srv := NewServer(DefaultServerConfig(), dir, tokenAuth{}, nil)

	server, client := net.Pipe()
	defer client.Close()
	c := newConnection(server, "alice", 4)
	srv.conns.Add(c)
	c.id = dir.Connect("alice", c)

	srv.RemoveConnection(c)
	newer := dir.Connect("alice", session.NewQueue(1))
	srv.RemoveConnection(c)

	if sid, ok := dir.SessionID("alice"); !ok || sid != newer {
		t.Fatalf("second removal must not touch the newer session: %q %v", sid, ok)
	}
}

func TestWritePongTimesOutOnStalledPeer(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()
	c := newConnection(server, "alice", 4)

	// Nobody reads from client, so the write can only end by deadline.
	done := make(chan error, 1)
	go func() { done <- c.WritePong([]byte("p"), 50*time.Millisecond) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a timeout writing to a stalled peer")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pong write blocked past its deadline")
	}

	// The write lock must have been released.
	go func() { done <- c.WritePing(50 * time.Millisecond) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("write lock still held after pong timeout")
	}
}

func TestSessionIDConcurrentWithRegistration(t *testing.T) {
	c := newConnection(nil, "alice", 4)
	if c.SessionID() != "" {
		t.Fatal("unregistered connection should have no session id")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = c.SessionID()
		}
	}()
	c.mu.Lock()
	c.id = "s1"
	c.mu.Unlock()
	<-done

	if got := c.SessionID(); got != "s1" {
		t.Fatalf("SessionID = %q, want s1", got)
	}
}
