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

// QianwenBackend 对接 DashScope 文本生成端点。该部署以累积语义输出：
// 每个块携带截至当前的全量文本，不支持函数调用通道。
type QianwenBackend struct {
	cfg    config.OpenAICompatConfig
	client *http.Client
}

// NewQianwenBackend 创建千问后端。
func NewQianwenBackend(cfg config.OpenAICompatConfig) *QianwenBackend {
	return &QianwenBackend{
		cfg:    cfg,
		client: &http.Client{},
	}
}

// Capabilities 返回后端能力声明。
func (b *QianwenBackend) Capabilities() Capabilities {
	return Capabilities{
		Emission:          EmissionCumulative,
		SupportsFunctions: false,
		Model:             b.cfg.Model,
	}
}

// GenerateStream 发起流式请求。req.Functions 被忽略：该后端不声明函数能力。
func (b *QianwenBackend) GenerateStream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	parameters := map[string]any{
		"result_format":      "message",
		"incremental_output": false,
	}
	if req.Temperature > 0 {
		parameters["temperature"] = req.Temperature
	}

	payload := map[string]any{
		"model":      b.cfg.Model,
		"input":      map[string]any{"messages": toWireMessages(req)},
		"parameters": parameters,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimSuffix(b.cfg.BaseURL, "/") + "/services/aigc/text-generation/generation"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	httpReq.Header.Set("X-DashScope-SSE", "enable")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call generation endpoint: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("generation endpoint returned %d: %s", resp.StatusCode, detail)
	}

	reader, writer := schema.Pipe[*schema.Message](8)
	go pumpQianwenStream(resp.Body, writer)
	return reader, nil
}

// qianwenFrame 是 DashScope SSE 帧的数据部分。
type qianwenFrame struct {
	Output struct {
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	} `json:"output"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func pumpQianwenStream(body io.ReadCloser, writer *schema.StreamWriter[*schema.Message]) {
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
		var frame qianwenFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			log.Printf("[llm] skip unreadable dashscope frame: %v", err)
			continue
		}

		if frame.Code != "" {
			writer.Send(nil, fmt.Errorf("dashscope error %s: %s", frame.Code, frame.Message))
			return
		}
		if len(frame.Output.Choices) == 0 {
			continue
		}

		content := frame.Output.Choices[0].Message.Content
		if content == "" {
			continue
		}
		if closed := writer.Send(&schema.Message{Role: schema.Assistant, Content: content}, nil); closed {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		writer.Send(nil, fmt.Errorf("read sse stream: %w", err))
	}
}
