package selector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/luoxiaohei/rolechat/internal/analysis/profile"
	"github.com/luoxiaohei/rolechat/internal/model/chat"
	"github.com/luoxiaohei/rolechat/internal/model/persona"
	"github.com/luoxiaohei/rolechat/internal/model/session"
	"github.com/luoxiaohei/rolechat/internal/service/llm"
)

// ErrNoPersona 表示会话没有可选角色。
var ErrNoPersona = errors.New("selector: session has no bound personas")

// Service 在每个回合开始时为消息挑选应答角色。
// 选择状态按会话隔离：一个会话的延续判断不会受其他会话影响。
type Service struct {
	personas persona.Store
	backend  llm.Backend

	mu   sync.Mutex
	last map[string]string // sessionID -> 上一回合选中的角色 ID
}

// Option 配置选择器。
type Option func(*Service)

// WithLLM 启用大模型排序，失败时回退到关键词打分。
func WithLLM(backend llm.Backend) Option {
	return func(s *Service) { s.backend = backend }
}

// NewService 创建角色选择器。
func NewService(personas persona.Store, opts ...Option) *Service {
	s := &Service{
		personas: personas,
		last:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// 对话延续信号：第二人称指代与典型追问用语。
var continuityMarkers = []string{
	"你", "你们", "您", "you", "your",
	"为什么", "然后呢", "继续", "接着说", "还有呢", "再说说",
	"why", "go on", "and then", "continue",
}

// Select 为一条消息选出应答角色。history 是该消息之前的上下文窗口，
// 供模型排序参考最近几轮对话。
// 决策顺序：点名 > 对话延续 > 模型排序 > 关键词打分 > 绑定顺序。
func (s *Service) Select(ctx context.Context, sessionID, message string, history []chat.ContextMessage, bindings []session.PersonaBinding) (session.PersonaBinding, error) {
	if len(bindings) == 0 {
		return session.PersonaBinding{}, ErrNoPersona
	}
	if len(bindings) == 1 {
		return s.remember(sessionID, bindings[0]), nil
	}

	// 点名是最强信号，直接覆盖其他判断。
	if picked, ok := pickByName(message, bindings); ok {
		return s.remember(sessionID, picked), nil
	}

	// 短追问倾向延续上一回合的角色。
	if last, ok := s.lastSelected(sessionID, bindings); ok && looksLikeFollowUp(message) {
		return s.remember(sessionID, last), nil
	}

	profiles := s.buildProfiles(bindings)

	if s.backend != nil {
		if picked, ok := s.rankWithLLM(ctx, message, history, bindings, profiles); ok {
			return s.remember(sessionID, picked), nil
		}
	}

	return s.remember(sessionID, rankByScore(message, bindings, profiles)), nil
}

// Reset 清除会话的选择记忆，会话删除时调用。
func (s *Service) Reset(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, sessionID)
}

func (s *Service) remember(sessionID string, b session.PersonaBinding) session.PersonaBinding {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[sessionID] = b.PersonaID
	return b
}

func (s *Service) lastSelected(sessionID string, bindings []session.PersonaBinding) (session.PersonaBinding, bool) {
	s.mu.Lock()
	lastID := s.last[sessionID]
	s.mu.Unlock()
	if lastID == "" {
		return session.PersonaBinding{}, false
	}
	for _, b := range bindings {
		if b.PersonaID == lastID {
			return b, true
		}
	}
	return session.PersonaBinding{}, false
}

func pickByName(message string, bindings []session.PersonaBinding) (session.PersonaBinding, bool) {
	for _, b := range bindings {
		if b.PersonaName != "" && strings.Contains(message, b.PersonaName) {
			return b, true
		}
	}
	return session.PersonaBinding{}, false
}

// looksLikeFollowUp 判断消息是否更像对上一回合的追问而非新话题。
// 长消息即使包含第二人称也按新话题处理。
func looksLikeFollowUp(message string) bool {
	trimmed := strings.TrimSpace(message)
	if len([]rune(trimmed)) > 30 {
		return false
	}
	lowered := strings.ToLower(trimmed)
	for _, marker := range continuityMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

func (s *Service) buildProfiles(bindings []session.PersonaBinding) map[string]profile.Profile {
	profiles := make(map[string]profile.Profile, len(bindings))
	for _, b := range bindings {
		if p, ok := s.personas.FindByID(b.PersonaID); ok {
			profiles[b.PersonaID] = profile.Extract(p)
			continue
		}
		// 角色库没有定义时退化为仅含名字的画像。
		profiles[b.PersonaID] = profile.Profile{PersonaID: b.PersonaID, Name: b.PersonaName}
	}
	return profiles
}

const rankSystemPrompt = "你是对话调度器。根据最近对话、用户消息和候选角色画像，选出最适合应答的一个角色。" +
	"只返回该角色的 id，不要输出其他任何内容。"

// 模型排序参考的最近对话轮数。
const rankHistoryTurns = 3

func (s *Service) rankWithLLM(ctx context.Context, message string, history []chat.ContextMessage, bindings []session.PersonaBinding, profiles map[string]profile.Profile) (session.PersonaBinding, bool) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("候选角色：\n")
	for _, b := range bindings {
		sb.WriteString("- ")
		sb.WriteString(profiles[b.PersonaID].Summary())
		sb.WriteString("\n")
	}
	if recent := recentTurns(history, rankHistoryTurns); len(recent) > 0 {
		sb.WriteString("\n最近对话：\n")
		for _, m := range recent {
			speaker := "用户"
			if m.Role == chat.RoleAssistant {
				speaker = "角色"
			}
			sb.WriteString(fmt.Sprintf("%s: %s\n", speaker, m.Content))
		}
	}
	sb.WriteString(fmt.Sprintf("\n用户消息：%s", message))

	raw, err := llm.Complete(ctx, s.backend, rankSystemPrompt, sb.String())
	if err != nil {
		log.Printf("[selector] llm rank degraded to keyword score: %v", err)
		return session.PersonaBinding{}, false
	}

	answer := strings.TrimSpace(raw)
	for _, b := range bindings {
		if answer == b.PersonaID || strings.Contains(answer, b.PersonaID) {
			return b, true
		}
	}
	log.Printf("[selector] llm rank returned unknown persona %q", answer)
	return session.PersonaBinding{}, false
}

// recentTurns 取上下文窗口的尾部，最多保留 turns 轮（一条用户消息算一轮的开始）。
func recentTurns(history []chat.ContextMessage, turns int) []chat.ContextMessage {
	seen := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == chat.RoleUser {
			seen++
			if seen == turns {
				return history[i:]
			}
		}
	}
	return history
}

// rankByScore 按关键词重合度排序，平分时保持绑定顺序。
func rankByScore(message string, bindings []session.PersonaBinding, profiles map[string]profile.Profile) session.PersonaBinding {
	best := bindings[0]
	bestScore := profiles[best.PersonaID].Score(message)
	for _, b := range bindings[1:] {
		if score := profiles[b.PersonaID].Score(message); score > bestScore {
			best = b
			bestScore = score
		}
	}
	return best
}
