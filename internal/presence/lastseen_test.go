package presence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisLastSeen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.HDel(ctx, LastSeenKey, "test_alice", "test_bob")
		client.Close()
	})

	store := NewRedisLastSeen(client)
	at := time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)
	if err := store.Touch(ctx, "test_alice", at); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	got, err := store.Get(ctx, "test_alice", "test_bob")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 1 || !got["test_alice"].Equal(at) {
		t.Errorf("unexpected last seen: %v", got)
	}

	empty, err := store.Get(ctx)
	if err != nil || len(empty) != 0 {
		t.Errorf("empty Get: %v %v", empty, err)
	}
}
