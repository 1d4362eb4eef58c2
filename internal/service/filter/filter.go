package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/luoxiaohei/rolechat/internal/analysis/sensitive"
	"github.com/luoxiaohei/rolechat/internal/service/llm"
)

// Service 对用户消息做内容分类。任何内部失败都降级为 approve
// 并记录原因：宁可放行一条消息，也不能让审核故障阻断整个对话。
type Service struct {
	backend llm.Backend
	timeout time.Duration
}

// Option 配置分类服务。
type Option func(*Service)

// WithLLM 启用大模型辅助分类，关键词规则保留为回退。
func WithLLM(backend llm.Backend) Option {
	return func(s *Service) { s.backend = backend }
}

// NewService 创建分类服务。无任何选项时为纯关键词规则分类。
func NewService(opts ...Option) *Service {
	s := &Service{timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Classify 分类一条消息。每次调用独立计算，不跨回合缓存。
func (s *Service) Classify(ctx context.Context, text string) sensitive.Result {
	ruleResult := sensitive.Classify(text)

	// 规则已经给出终止性结论时无需再请示模型。
	if s.backend == nil || ruleResult.Action == sensitive.ActionBlock {
		return ruleResult
	}

	llmResult, err := s.classifyWithLLM(ctx, text)
	if err != nil {
		log.Printf("[filter] llm classify degraded to rule result: %v", err)
		return ruleResult
	}

	// 模型只允许收紧结论，不允许放宽规则命中。
	if ruleResult.Action != sensitive.ActionApprove && llmResult.Action == sensitive.ActionApprove {
		return ruleResult
	}
	return llmResult
}

const classifySystemPrompt = "你是内容安全分类器。阅读用户消息，只返回一个 JSON 对象，字段：" +
	`code (字符串，"0"合规/"01"中度敏感/"11"危机/"1"违禁)、level (等级描述)、` +
	`action (approve/caution/support/block 之一)、reason (简要理由)、` +
	`response_strategy (一句话回复策略)。不得输出多余文本。`

func (s *Service) classifyWithLLM(ctx context.Context, text string) (sensitive.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := llm.Complete(ctx, s.backend, classifySystemPrompt, text)
	if err != nil {
		return sensitive.Result{}, err
	}

	result, err := parseClassifierOutput(raw)
	if err != nil {
		return sensitive.Result{}, err
	}
	return result, nil
}

// parseClassifierOutput 从模型输出中截取第一个 JSON 对象并解析。
func parseClassifierOutput(content string) (sensitive.Result, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return sensitive.Result{}, fmt.Errorf("missing json object in classifier output")
	}

	var payload struct {
		Code     string `json:"code"`
		Level    string `json:"level"`
		Action   string `json:"action"`
		Reason   string `json:"reason"`
		Strategy string `json:"response_strategy"`
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &payload); err != nil {
		return sensitive.Result{}, err
	}

	action, ok := parseAction(payload.Action)
	if !ok {
		return sensitive.Result{}, fmt.Errorf("unknown action %q", payload.Action)
	}

	return sensitive.Result{
		Code:     payload.Code,
		Level:    payload.Level,
		Action:   action,
		Reason:   payload.Reason,
		Strategy: payload.Strategy,
	}, nil
}

func parseAction(raw string) (sensitive.Action, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approve":
		return sensitive.ActionApprove, true
	case "caution":
		return sensitive.ActionCaution, true
	case "support":
		return sensitive.ActionSupport, true
	case "block":
		return sensitive.ActionBlock, true
	default:
		return "", false
	}
}
