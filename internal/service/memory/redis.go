package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luoxiaohei/rolechat/internal/config"
	"github.com/luoxiaohei/rolechat/internal/model/chat"
)

// RedisStore 用 Redis list 实现热端存储，键为 chat:history:{sessionID}。
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore 创建热端存储并校验连通性。
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{rdb: rdb}, nil
}

// Append 追加一条记录并重置整个会话键的过期时间。
func (s *RedisStore) Append(ctx context.Context, sessionID string, entry chat.Entry, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	key := historyKey(sessionID)
	if err := s.rdb.RPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire: %w", err)
	}
	return nil
}

// Recent 按时间顺序返回最近 limit 条记录。
func (s *RedisStore) Recent(ctx context.Context, sessionID string, limit int) ([]chat.Entry, error) {
	raw, err := s.rdb.LRange(ctx, historyKey(sessionID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange: %w", err)
	}

	entries := make([]chat.Entry, 0, len(raw))
	for _, item := range raw {
		var entry chat.Entry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			log.Printf("[memory] skip unreadable hot entry: session=%s err=%v", sessionID, err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Clear 删除会话的热端日志。
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, historyKey(sessionID)).Err()
}

// Set 写入一个普通键，ttl<=0 表示不过期。
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.rdb.Set(ctx, key, value, 0).Err()
	}
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// Delete 删除一个普通键。
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func historyKey(sessionID string) string {
	return "chat:history:" + sessionID
}
