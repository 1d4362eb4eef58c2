package memory

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/luoxiaohei/rolechat/internal/model/chat"
)

// HotStore 是热端存储：按会话追加的有序日志，每次写入重置过期时间，
// 另带简单 KV 能力供回合输出缓存与会话镜像使用。
type HotStore interface {
	Append(ctx context.Context, sessionID string, entry chat.Entry, ttl time.Duration) error
	Recent(ctx context.Context, sessionID string, limit int) ([]chat.Entry, error)
	Clear(ctx context.Context, sessionID string) error
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// ColdStore 是冷端归档：只插入和按会话时间顺序范围查询。
type ColdStore interface {
	Insert(ctx context.Context, entry chat.Entry) error
	History(ctx context.Context, sessionID string, limit int) ([]chat.Entry, error)
}

// Options 控制记忆服务行为。
type Options struct {
	HotTTL       time.Duration
	ContextLimit int
}

// Service 实现两级会话记忆：热端同步写，冷端经缓冲通道异步归档。
// 冷端失败只记录日志，绝不影响回合。
type Service struct {
	hot          HotStore
	cold         ColdStore
	ttl          time.Duration
	contextLimit int

	archiveCh chan chat.Entry
	done      chan struct{}
}

// NewService 创建记忆服务。cold 为 nil 时关闭归档。
func NewService(hot HotStore, cold ColdStore, opts Options) *Service {
	ttl := opts.HotTTL
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	limit := opts.ContextLimit
	if limit <= 0 {
		limit = 40
	}

	s := &Service{
		hot:          hot,
		cold:         cold,
		ttl:          ttl,
		contextLimit: limit,
		done:         make(chan struct{}),
	}

	if cold != nil {
		s.archiveCh = make(chan chat.Entry, 256)
		go s.archiveLoop()
	} else {
		close(s.done)
	}

	return s
}

// Append 写入一条会话记录。热端写失败会返回错误（调用方仅记录，
// 不中断回合）；冷端写交给归档协程，永不阻塞。
func (s *Service) Append(ctx context.Context, sessionID, role, content string, attr chat.Attribution) error {
	entry := chat.Entry{
		MessageID:   uuid.NewString(),
		SessionID:   sessionID,
		Role:        role,
		Content:     content,
		Timestamp:   time.Now().UTC(),
		Attribution: attr,
	}

	s.enqueueArchive(entry)

	if err := s.hot.Append(ctx, sessionID, entry, s.ttl); err != nil {
		log.Printf("[memory] hot append failed: session=%s err=%v", sessionID, err)
		return err
	}
	return nil
}

// BuildContext 读取最近的热端记录并映射为 user/assistant 两种角色。
// 存储故障时返回空序列，绝不让上下文缺失中断回合。
func (s *Service) BuildContext(ctx context.Context, sessionID string, limit int) []chat.ContextMessage {
	if limit <= 0 {
		limit = s.contextLimit
	}

	entries, err := s.hot.Recent(ctx, sessionID, limit)
	if err != nil {
		log.Printf("[memory] build context degraded: session=%s err=%v", sessionID, err)
		return nil
	}

	messages := make([]chat.ContextMessage, 0, len(entries))
	for _, e := range entries {
		switch e.Role {
		case chat.RoleUser, chat.RoleAssistant:
			messages = append(messages, chat.ContextMessage{Role: e.Role, Content: e.Content})
		}
	}
	return messages
}

// FullHistory 只读冷端归档，按时间升序返回，供审计与历史展示使用。
func (s *Service) FullHistory(ctx context.Context, sessionID string, limit int) ([]chat.Entry, error) {
	if s.cold == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return s.cold.History(ctx, sessionID, limit)
}

// ClearHot 清除某会话的热端记录，冷端归档保持不动。
func (s *Service) ClearHot(ctx context.Context, sessionID string) error {
	return s.hot.Clear(ctx, sessionID)
}

// SavePending 记录进行中回合的累计文本，供中途终止后的清理。
func (s *Service) SavePending(ctx context.Context, requestID, text string) {
	if err := s.hot.Set(ctx, pendingKey(requestID), text, 10*time.Minute); err != nil {
		log.Printf("[memory] save pending failed: request=%s err=%v", requestID, err)
	}
}

// DropPending 删除回合输出缓存，成功与失败路径都必须调用。
func (s *Service) DropPending(ctx context.Context, requestID string) {
	if err := s.hot.Delete(ctx, pendingKey(requestID)); err != nil {
		log.Printf("[memory] drop pending failed: request=%s err=%v", requestID, err)
	}
}

// MirrorSession 尽力把会话文档镜像到热存储，失败仅记录。
func (s *Service) MirrorSession(ctx context.Context, sessionID, doc string) {
	if err := s.hot.Set(ctx, "chat:session:"+sessionID, doc, 0); err != nil {
		log.Printf("[memory] mirror session failed: session=%s err=%v", sessionID, err)
	}
}

// Close 停止归档协程并等待队列清空。
func (s *Service) Close() {
	if s.archiveCh != nil {
		close(s.archiveCh)
		<-s.done
	}
}

func (s *Service) enqueueArchive(entry chat.Entry) {
	if s.archiveCh == nil {
		return
	}
	select {
	case s.archiveCh <- entry:
	default:
		// 归档积压时丢弃而非阻塞可见流。
		log.Printf("[memory] archive queue full, dropping entry: session=%s", entry.SessionID)
	}
}

func (s *Service) archiveLoop() {
	defer close(s.done)
	for entry := range s.archiveCh {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.cold.Insert(ctx, entry); err != nil {
			log.Printf("[memory] archive insert failed: session=%s err=%v", entry.SessionID, err)
		}
		cancel()
	}
}

func pendingKey(requestID string) string {
	return "chat:pending:" + requestID
}
