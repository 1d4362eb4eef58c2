package memory

import (
	"context"
	"sync"
	"time"

	"github.com/luoxiaohei/rolechat/internal/model/chat"
)

// InMemStore 是进程内的热端存储，未配置 Redis 时作为回退，测试中也使用。
// 不做过期淘汰，进程生命周期即其生命周期。
type InMemStore struct {
	mu      sync.RWMutex
	logs    map[string][]chat.Entry
	kv      map[string]string
}

// NewInMemStore 创建空的进程内热端存储。
func NewInMemStore() *InMemStore {
	return &InMemStore{
		logs: make(map[string][]chat.Entry),
		kv:   make(map[string]string),
	}
}

// Append 追加一条记录。ttl 在进程内实现中被忽略。
func (s *InMemStore) Append(_ context.Context, sessionID string, entry chat.Entry, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[sessionID] = append(s.logs[sessionID], entry)
	return nil
}

// Recent 返回最近 limit 条记录，时间升序。
func (s *InMemStore) Recent(_ context.Context, sessionID string, limit int) ([]chat.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.logs[sessionID]
	start := 0
	if limit > 0 && len(entries) > limit {
		start = len(entries) - limit
	}

	copied := make([]chat.Entry, len(entries)-start)
	copy(copied, entries[start:])
	return copied, nil
}

// Clear 删除会话日志。
func (s *InMemStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, sessionID)
	return nil
}

// Set 写入普通键。
func (s *InMemStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	return nil
}

// Delete 删除普通键。
func (s *InMemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

// Get 读取普通键，仅测试使用。
func (s *InMemStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[key]
	return v, ok
}
