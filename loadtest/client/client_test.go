package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// serveFrames upgrades every request and immediately writes frames, so the
// first frames usually arrive in the same read as the handshake response.
func serveFrames(t *testing.T, tokens chan<- string, frames ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := wsutil.WriteServerMessage(conn, ws.OpText, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection until the client goes away.
		_, _ = wsutil.ReadClientData(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientReadsFramesAfterHandshake(t *testing.T) {
	tokens := make(chan string, 1)
	srv := serveFrames(t, tokens,
		`{"type":"session_created","session_id":"s-1"}`,
		`{"type":"message","content":"hello"}`,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := Dial(ctx, "ws://"+strings.TrimPrefix(srv.URL, "http://")+"/ws", "tok")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if got := <-tokens; got != "tok" {
		t.Errorf("token = %q, want tok", got)
	}

	received := make(chan string, 1)
	c.On(TypeMessage, func(raw json.RawMessage) {
		var m struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(raw, &m); err == nil {
			received <- m.Content
		}
	})
	c.Start()

	if err := c.WaitForSession(ctx); err != nil {
		t.Fatalf("wait for session: %v", err)
	}
	if got := c.SessionID(); got != "s-1" {
		t.Errorf("session id = %q, want s-1", got)
	}

	select {
	case content := <-received:
		if content != "hello" {
			t.Errorf("content = %q, want hello", content)
		}
	case <-ctx.Done():
		t.Fatal("message frame not received")
	}

	m := c.GetMetrics()
	if m.MessagesReceived != 2 {
		t.Errorf("messages received = %d, want 2", m.MessagesReceived)
	}
	if m.Errors != 0 {
		t.Errorf("errors = %d, want 0", m.Errors)
	}
}

func TestClientDoneWhenServerCloses(t *testing.T) {
	tokens := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := Dial(ctx, "ws://"+strings.TrimPrefix(srv.URL, "http://")+"/ws", "tok")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.Start()

	if err := c.WaitForSession(ctx); err == nil {
		t.Fatal("expected error when the connection closes before session_created")
	}
	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("done not closed")
	}
}
