package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/luoxiaohei/rolechat/internal/config"
)

// OpenAIBackend 对接 OpenAI 风格的 chat/completions 流式端点（DeepSeek 等），
// 增量语义为 delta。生成本身不设超时，由调用方通过 ctx 取消。
type OpenAIBackend struct {
	cfg    config.OpenAICompatConfig
	client *http.Client
}

// NewOpenAIBackend 创建 DeepSeek/OpenAI 兼容后端。
func NewOpenAIBackend(cfg config.OpenAICompatConfig) *OpenAIBackend {
	return &OpenAIBackend{
		cfg:    cfg,
		client: &http.Client{},
	}
}

// Capabilities 返回后端能力声明。
func (b *OpenAIBackend) Capabilities() Capabilities {
	return Capabilities{
		Emission:          EmissionDelta,
		SupportsFunctions: true,
		Model:             b.cfg.Model,
	}
}

// GenerateStream 发起流式请求并把 SSE 帧转换为标准消息块。
func (b *OpenAIBackend) GenerateStream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	payload := map[string]any{
		"model":    b.cfg.Model,
		"messages": toWireMessages(req),
		"stream":   true,
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if len(req.Functions) > 0 {
		payload["tools"] = toWireTools(req.Functions)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimSuffix(b.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call completion endpoint: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, detail)
	}

	reader, writer := schema.Pipe[*schema.Message](8)
	go pumpOpenAIStream(resp.Body, writer)
	return reader, nil
}

// openaiFrame 是 OpenAI 风格 SSE 帧的数据部分。
type openaiFrame struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    *int   `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func pumpOpenAIStream(body io.ReadCloser, writer *schema.StreamWriter[*schema.Message]) {
	defer body.Close()
	defer writer.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}

		var frame openaiFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			log.Printf("[llm] skip unreadable sse frame: %v", err)
			continue
		}
		if len(frame.Choices) == 0 {
			continue
		}

		delta := frame.Choices[0].Delta
		msg := &schema.Message{Role: schema.Assistant, Content: delta.Content}
		for _, tc := range delta.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
				Index: tc.Index,
				ID:    tc.ID,
				Type:  tc.Type,
				Function: schema.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}

		if msg.Content == "" && len(msg.ToolCalls) == 0 {
			continue
		}
		if closed := writer.Send(msg, nil); closed {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		writer.Send(nil, fmt.Errorf("read sse stream: %w", err))
	}
}

func toWireMessages(req Request) []map[string]string {
	wire := make([]map[string]string, 0, len(req.History)+2)
	for _, m := range buildMessages(req) {
		wire = append(wire, map[string]string{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}
	return wire
}

func toWireTools(specs []FunctionSpec) []map[string]any {
	tools := make([]map[string]any, 0, len(specs))
	for _, spec := range specs {
		properties := make(map[string]any, len(spec.Parameters))
		required := make([]string, 0, len(spec.Parameters))
		for name, p := range spec.Parameters {
			properties[name] = map[string]any{
				"type":        p.Type,
				"description": p.Description,
			}
			if p.Required {
				required = append(required, name)
			}
		}
		tools = append(tools, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        spec.Name,
				"description": spec.Description,
				"parameters": map[string]any{
					"type":       "object",
					"properties": properties,
					"required":   required,
				},
			},
		})
	}
	return tools
}
