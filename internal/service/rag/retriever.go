package rag

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
	"time"

	"github.com/luoxiaohei/rolechat/internal/config"
)

// Filters 是检索请求的可选约束维度。
type Filters struct {
	Character string `json:"character,omitempty"`
	Event     string `json:"event,omitempty"`
	Faction   string `json:"faction,omitempty"`
}

// Retriever 是知识库检索客户端。检索结果以流式文本返回，
// 客户端在超时窗口内累积为完整片段。
type Retriever struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewRetriever 创建检索客户端，baseURL 为空时返回 nil 表示检索不可用。
func NewRetriever(cfg config.RAGConfig) *Retriever {
	if cfg.BaseURL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Retriever{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: timeout,
		client:  &http.Client{},
	}
}

type queryPayload struct {
	Query  string `json:"query"`
	Stream bool   `json:"stream"`
}

type streamFrame struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// Retrieve 查询知识库并累积流式结果。
// 第二个返回值表示是否检索到内容；未命中与失败都不是硬错误，
// 调用方在两种情况下都应继续无增强的回合。
func (r *Retriever) Retrieve(ctx context.Context, query string, filters Filters) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := json.Marshal(queryPayload{Query: decorateQuery(query, filters), Stream: true})
	if err != nil {
		return "", false, fmt.Errorf("encode rag query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/rag/query", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("build rag request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("rag request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", false, fmt.Errorf("rag status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	text, err := collectStream(resp.Body)
	if err != nil {
		return "", false, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false, nil
	}
	return text, true, nil
}

// decorateQuery 把过滤维度并入查询文本，与检索服务端的约定一致。
func decorateQuery(query string, filters Filters) string {
	parts := []string{strings.TrimSpace(query)}
	if filters.Character != "" {
		parts = append(parts, "角色:"+filters.Character)
	}
	if filters.Event != "" {
		parts = append(parts, "事件:"+filters.Event)
	}
	if filters.Faction != "" {
		parts = append(parts, "势力:"+filters.Faction)
	}
	return strings.Join(parts, " ")
}

// collectStream 读取 SSE 响应体并拼接全部内容块。
// 无法解析为 JSON 的数据行按纯文本累积，兼容只回纯文本流的服务端。
func collectStream(body io.Reader) (string, error) {
	var sb strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		data := line
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if data == "" || data == "[DONE]" {
			continue
		}

		var frame streamFrame
		if err := json.Unmarshal([]byte(data), &frame); err == nil {
			if frame.Done {
				break
			}
			sb.WriteString(frame.Content)
			continue
		}
		sb.WriteString(data)
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[rag] stream read interrupted: %v", err)
		return "", fmt.Errorf("read rag stream: %w", err)
	}
	return sb.String(), nil
}
