package services

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// UnreadStore keeps per-(principal, chat) unread counters in a redis
// hash per principal. Counters are a derived cache over the message
// table: increment-on-delivery, reset-on-view, SetAbsolute when a
// server-side recount hydrates the client.
type UnreadStore struct {
	client *redis.Client
}

func NewUnreadStore(client *redis.Client) *UnreadStore {
	return &UnreadStore{client: client}
}

func unreadKey(principalKey string) string {
	return "chat:unread:" + principalKey
}

func (s *UnreadStore) Get(ctx context.Context, principalKey, chatID string) (int64, error) {
	val, err := s.client.HGet(ctx, unreadKey(principalKey), chatID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt unread counter for %s/%s: %w", principalKey, chatID, err)
	}
	return n, nil
}

// Increment atomically bumps the counter and returns the new value.
func (s *UnreadStore) Increment(ctx context.Context, principalKey, chatID string) (int64, error) {
	return s.client.HIncrBy(ctx, unreadKey(principalKey), chatID, 1).Result()
}

// Reset drops the counter to zero. Both the explicit mark-as-read path
// and the viewing-suppression path land here, so they converge on the
// same state.
func (s *UnreadStore) Reset(ctx context.Context, principalKey, chatID string) error {
	return s.client.HDel(ctx, unreadKey(principalKey), chatID).Err()
}

// SetAbsolute overwrites the counter with a server-computed count.
func (s *UnreadStore) SetAbsolute(ctx context.Context, principalKey, chatID string, n int64) error {
	if n <= 0 {
		return s.Reset(ctx, principalKey, chatID)
	}
	return s.client.HSet(ctx, unreadKey(principalKey), chatID, n).Err()
}

// Total sums the principal's counters across chats (badge count).
func (s *UnreadStore) Total(ctx context.Context, principalKey string) (int64, error) {
	all, err := s.client.HGetAll(ctx, unreadKey(principalKey)).Result()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, v := range all {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}

// Snapshot returns every per-chat counter of the principal, used to
// hydrate a freshly connected client.
func (s *UnreadStore) Snapshot(ctx context.Context, principalKey string) (map[string]int64, error) {
	all, err := s.client.HGetAll(ctx, unreadKey(principalKey)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(all))
	for chatID, v := range all {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			out[chatID] = n
		}
	}
	return out, nil
}
