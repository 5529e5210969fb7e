package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/protocol"
	"github.com/whisper/dm/internal/relay"
	"github.com/whisper/dm/internal/session"
)

// tokenAuth accepts tokens of the form "token-<user>".
type tokenAuth struct{}

func (tokenAuth) Authenticate(_ context.Context, token string) (string, error) {
	if len(token) > 6 && token[:6] == "token-" {
		return token[6:], nil
	}
	return "", errors.New("unauthorized")
}

type testServer struct {
	srv  *Server
	dir  *session.Directory
	addr string
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := session.NewDirectory()
	d := NewMessageDispatcher()
	d.Register(protocol.TypeTyping, TypingHandler(dir))

	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.ReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.Heartbeat.Interval = 0
	srv := NewServer(cfg, dir, tokenAuth{}, d.Dispatch)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleUpgrade)
	go srv.Serve(l, mux)
	t.Cleanup(func() { srv.Shutdown() })

	return &testServer{srv: srv, dir: dir, addr: l.Addr().String()}
}

func (ts *testServer) dial(t *testing.T, user string) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, "ws://"+ts.addr+"/ws?token=token-"+user)
	if err != nil {
		t.Fatalf("dial as %s: %v", user, err)
	}
	t.Cleanup(func() { conn.Close() })
	if br != nil {
		// Frames sent right after the handshake may already be buffered.
		return bufferedConn{Conn: conn, r: br}
	}
	return conn
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func readFrame(t *testing.T, conn net.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func expectSilence(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	data, err := wsutil.ReadServerText(conn)
	if err == nil {
		t.Fatalf("expected no frame, got %s", data)
	}
	_ = conn.SetReadDeadline(time.Time{})
}

func connect(t *testing.T, ts *testServer, user string) (net.Conn, string) {
	t.Helper()
	conn := ts.dial(t, user)
	created := readFrame(t, conn)
	if created["type"] != protocol.TypeSessionCreated || created["user_id"] != user {
		t.Fatalf("expected session_created for %s, got %v", user, created)
	}
	sid, _ := created["session_id"].(string)
	return conn, sid
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUpgradeRequiresAuthentication(t *testing.T) {
	ts := startTestServer(t)

	resp, err := http.Get("http://" + ts.addr + "/ws?token=bogus")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if ts.dir.Count() != 0 {
		t.Fatal("no session may be created for an unauthenticated request")
	}
}

func TestConnectRegistersSession(t *testing.T) {
	ts := startTestServer(t)
	_, sid := connect(t, ts, "alice")

	got, ok := ts.dir.SessionID("alice")
	if !ok || got != sid {
		t.Fatalf("directory session %q, want %q", got, sid)
	}
}

func TestPingPong(t *testing.T) {
	ts := startTestServer(t)
	conn, _ := connect(t, ts, "alice")

	if err := wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m := readFrame(t, conn); m["type"] != protocol.TypePong {
		t.Fatalf("expected pong, got %v", m)
	}
}

func TestUnknownFrameGetsError(t *testing.T) {
	ts := startTestServer(t)
	conn, _ := connect(t, ts, "alice")

	wsutil.WriteClientText(conn, []byte(`{"type":"find_match"}`))
	m := readFrame(t, conn)
	if m["type"] != protocol.TypeError || m["code"] != protocol.CodeUnknownType {
		t.Fatalf("expected unknown_type error, got %v", m)
	}

	wsutil.WriteClientText(conn, []byte(`not json`))
	m = readFrame(t, conn)
	if m["type"] != protocol.TypeError || m["code"] != protocol.CodeBadFrame {
		t.Fatalf("expected bad_frame error, got %v", m)
	}
}

func TestTypingForwardedVerbatim(t *testing.T) {
	ts := startTestServer(t)
	alice, _ := connect(t, ts, "alice")
	bob, _ := connect(t, ts, "bob")

	frame := `{"type":"typing","receiver_id":"bob","extra":1}`
	if err := wsutil.WriteClientText(alice, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = bob.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := wsutil.ReadServerText(bob)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != frame {
		t.Fatalf("expected verbatim frame %s, got %s", frame, data)
	}

	// Typing to an offline user is dropped without a reply.
	wsutil.WriteClientText(alice, []byte(`{"type":"typing","receiver_id":"carol"}`))
	expectSilence(t, alice)
}

func TestRelayDeliversToLiveSession(t *testing.T) {
	ts := startTestServer(t)
	bob, _ := connect(t, ts, "bob")

	msg := &chat.Message{
		ID: "m1", SenderID: "alice", ReceiverID: "bob", Content: "hi",
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if got := relay.New(ts.dir).Push(msg); got != relay.Delivered {
		t.Fatalf("expected Delivered, got %v", got)
	}

	m := readFrame(t, bob)
	if m["type"] != protocol.TypeMessage || m["sender_id"] != "alice" || m["content"] != "hi" || m["id"] != "m1" {
		t.Fatalf("unexpected frame: %v", m)
	}
}

func TestReconnectSupersedesPreviousConnection(t *testing.T) {
	ts := startTestServer(t)
	first, firstSID := connect(t, ts, "bob")
	_, secondSID := connect(t, ts, "bob")

	if firstSID == secondSID {
		t.Fatal("reconnect must produce a new session id")
	}
	if sid, _ := ts.dir.SessionID("bob"); sid != secondSID {
		t.Fatalf("directory holds %q, want %q", sid, secondSID)
	}

	// The evicted connection is closed by the server.
	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := wsutil.ReadServerText(first); err == nil {
		t.Fatal("expected the superseded connection to be closed")
	}

	// Reaping the old connection must not remove the new session.
	waitFor(t, func() bool { return ts.srv.Connections().Count() == 1 })
	if sid, ok := ts.dir.SessionID("bob"); !ok || sid != secondSID {
		t.Fatalf("new session lost after old connection closed: %q %v", sid, ok)
	}
}

func TestClientCloseDisconnects(t *testing.T) {
	ts := startTestServer(t)
	conn, _ := connect(t, ts, "alice")

	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	if err := ws.WriteFrame(conn, ws.MaskFrameInPlace(ws.NewCloseFrame(body))); err != nil {
		t.Fatalf("write close: %v", err)
	}
	waitFor(t, func() bool { return !ts.dir.Contains("alice") })
	waitFor(t, func() bool { return ts.srv.Connections().Count() == 0 })
}
