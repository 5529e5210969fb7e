package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// LastSeenKey is the Redis hash mapping user id to unix-millisecond
// disconnect time.
const LastSeenKey = "presence:last_seen"

// LastSeenStore records when users were last connected.
type LastSeenStore interface {
	Touch(ctx context.Context, userID string, at time.Time) error
	Get(ctx context.Context, userIDs ...string) (map[string]time.Time, error)
}

// RedisLastSeen stores last-seen times in a single Redis hash.
type RedisLastSeen struct {
	client *redis.Client
}

// NewRedisLastSeen creates a RedisLastSeen backed by the given client.
func NewRedisLastSeen(client *redis.Client) *RedisLastSeen {
	return &RedisLastSeen{client: client}
}

// Touch records at as userID's last-seen time.
func (s *RedisLastSeen) Touch(ctx context.Context, userID string, at time.Time) error {
	if err := s.client.HSet(ctx, LastSeenKey, userID, at.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("presence: touch %s: %w", userID, err)
	}
	return nil
}

// Get returns the known last-seen times for userIDs. Users never seen are
// absent from the result.
func (s *RedisLastSeen) Get(ctx context.Context, userIDs ...string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	vals, err := s.client.HMGet(ctx, LastSeenKey, userIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: last seen: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			continue
		}
		out[userIDs[i]] = time.UnixMilli(ms).UTC()
	}
	return out, nil
}
