package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestConnectAndLookup(t *testing.T) {
	d := NewDirectory()
	q := NewQueue(4)

	sid := d.Connect("alice", q)
	if sid == "" {
		t.Fatal("expected non-empty session id")
	}

	ch, ok := d.Lookup("alice")
	if !ok {
		t.Fatal("expected alice to be connected")
	}
	if ch != q {
		t.Errorf("lookup returned a different channel")
	}
	if _, ok := d.Lookup("bob"); ok {
		t.Error("expected bob to be absent")
	}
	if d.Count() != 1 {
		t.Errorf("expected count 1, got %d", d.Count())
	}
}

func TestConnectSupersedesAndClosesPrevious(t *testing.T) {
	d := NewDirectory()
	first := NewQueue(4)
	second := NewQueue(4)

	sid1 := d.Connect("bob", first)
	sid2 := d.Connect("bob", second)
	if sid1 == sid2 {
		t.Fatal("expected distinct session ids")
	}

	select {
	case <-first.Done():
	default:
		t.Fatal("expected first channel to be closed on supersede")
	}
	if err := first.Send([]byte("x")); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected ErrChannelClosed on evicted channel, got %v", err)
	}

	ch, ok := d.Lookup("bob")
	if !ok || ch != second {
		t.Fatal("expected second channel to be installed")
	}
	if d.Count() != 1 {
		t.Errorf("expected exactly one session, got %d", d.Count())
	}
}

func TestStaleDisconnectIsNoop(t *testing.T) {
	d := NewDirectory()
	sid1 := d.Connect("bob", NewQueue(1))
	sid2 := d.Connect("bob", NewQueue(1))

	if d.Disconnect(sid1, "bob") {
		t.Fatal("stale disconnect must not remove the newer session")
	}
	if cur, _ := d.SessionID("bob"); cur != sid2 {
		t.Fatalf("expected current session %s, got %s", sid2, cur)
	}

	if !d.Disconnect(sid2, "bob") {
		t.Fatal("expected matching disconnect to remove the session")
	}
	if d.Contains("bob") {
		t.Error("expected bob to be absent after disconnect")
	}

	// Idempotent.
	if d.Disconnect(sid2, "bob") {
		t.Error("second disconnect should be a no-op")
	}
	if d.Disconnect("unknown", "nobody") {
		t.Error("disconnect of unknown user should be a no-op")
	}
}

func TestObserverReceivesTransitions(t *testing.T) {
	d := NewDirectory()
	var (
		mu     sync.Mutex
		events []Event
	)
	d.Observe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	sid1 := d.Connect("carol", NewQueue(1))
	sid2 := d.Connect("carol", NewQueue(1))
	d.Disconnect(sid1, "carol")
	d.Disconnect(sid2, "carol")

	want := []struct {
		kind Transition
		sid  string
	}{
		{Connected, sid1},
		{Superseded, sid2},
		{Disconnected, sid2},
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(events), events)
	}
	for i, w := range want {
		if events[i].Kind != w.kind || events[i].SessionID != w.sid || events[i].UserID != "carol" {
			t.Errorf("event %d: expected %s/%s, got %s/%s", i, w.kind, w.sid, events[i].Kind, events[i].SessionID)
		}
	}
}

func TestConcurrentConnectsLeaveOneSession(t *testing.T) {
	d := NewDirectory()
	const n = 50

	queues := make([]*Queue, n)
	for i := range queues {
		queues[i] = NewQueue(1)
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(q *Queue) {
			defer wg.Done()
			sid := d.Connect("dave", q)
			// Disconnect racing with later supersedes must never remove a
			// session other than its own.
			d.Disconnect(sid, "dave")
		}(queues[i])
	}
	wg.Wait()

	if d.Count() > 1 {
		t.Fatalf("expected at most one session, got %d", d.Count())
	}

	if ch, ok := d.Lookup("dave"); ok {
		q := ch.(*Queue)
		select {
		case <-q.Done():
			t.Error("installed channel must not be closed")
		default:
		}
	}
}

func TestCloseAll(t *testing.T) {
	d := NewDirectory()
	queues := make([]*Queue, 3)
	for i := range queues {
		queues[i] = NewQueue(1)
		d.Connect(fmt.Sprintf("user-%d", i), queues[i])
	}

	disconnected := 0
	d.Observe(func(ev Event) {
		if ev.Kind == Disconnected {
			disconnected++
		}
	})

	d.CloseAll()
	if d.Count() != 0 {
		t.Fatalf("expected empty directory, got %d", d.Count())
	}
	if disconnected != 3 {
		t.Errorf("expected 3 disconnect events, got %d", disconnected)
	}
	for i, q := range queues {
		select {
		case <-q.Done():
		default:
			t.Errorf("queue %d not closed", i)
		}
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(2)
	if err := q.Send([]byte("1")); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if err := q.Send([]byte("2")); err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if err := q.Send([]byte("3")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Len() != 2 {
		t.Errorf("expected 2 buffered frames, got %d", q.Len())
	}

	if got := string(<-q.Frames()); got != "1" {
		t.Errorf("expected FIFO order, got %q first", got)
	}

	q.Close()
	q.Close()
	if err := q.Send([]byte("4")); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected ErrChannelClosed, got %v", err)
	}
}
