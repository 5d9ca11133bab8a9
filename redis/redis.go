package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/config"
)

type RedisClient struct {
	Client *redis.Client
}

// NewRedisClient connects and ping-tests the connection.
func NewRedisClient(cfg *config.RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("redis client connection test failed: %w", err)
	}

	return &RedisClient{Client: client}, nil
}

func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// presenceKey holds the online principals of one chat room.
func presenceKey(chatID string) string {
	return fmt.Sprintf("chat:room:%s:online", chatID)
}

// AddOnline records a principal as present in a chat room. The hash
// expires on its own so crashed nodes do not leak presence forever.
func (r *RedisClient) AddOnline(ctx context.Context, chatID, principalKey string) error {
	key := presenceKey(chatID)
	if err := r.Client.HSet(ctx, key, principalKey, time.Now().Unix()).Err(); err != nil {
		return err
	}
	return r.Client.Expire(ctx, key, 24*time.Hour).Err()
}

func (r *RedisClient) RemoveOnline(ctx context.Context, chatID, principalKey string) error {
	return r.Client.HDel(ctx, presenceKey(chatID), principalKey).Err()
}

// OnlineKeys returns the principal keys currently present in a room.
func (r *RedisClient) OnlineKeys(ctx context.Context, chatID string) ([]string, error) {
	result, err := r.Client.HGetAll(ctx, presenceKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch online principals for chat %s: %w", chatID, err)
	}
	keys := make([]string, 0, len(result))
	for k := range result {
		keys = append(keys, k)
	}
	return keys, nil
}
