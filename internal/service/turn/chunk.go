package turn

import (
	"encoding/json"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// ChunkKind 区分流式块承载的内容类型。
type ChunkKind int

const (
	// ChunkNoop 表示空块或仅含元数据的块，直接跳过。
	ChunkNoop ChunkKind = iota
	// ChunkText 表示正文文本。
	ChunkText
	// ChunkCallDelta 表示结构化函数调用的一个片段。
	ChunkCallDelta
)

// CallDelta 是函数调用在流中的一个片段，名称与参数可能分多块到达。
type CallDelta struct {
	ID        string
	Name      string
	Arguments string
}

// Chunk 是归一化前的流式块变体。
type Chunk struct {
	Kind ChunkKind
	Text string
	Call CallDelta
}

// parseChunk 把一个原始流块归类。结构化 ToolCalls 优先于正文；
// 混合块（同时带正文与调用片段）把正文一并带出，避免丢字。
func parseChunk(msg *schema.Message) Chunk {
	if msg == nil {
		return Chunk{Kind: ChunkNoop}
	}
	if len(msg.ToolCalls) > 0 {
		tc := msg.ToolCalls[0]
		return Chunk{Kind: ChunkCallDelta, Text: msg.Content, Call: CallDelta{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}}
	}
	if msg.Content == "" {
		return Chunk{Kind: ChunkNoop}
	}
	return Chunk{Kind: ChunkText, Text: msg.Content}
}

// FunctionCall 是解析完成、可以执行的函数调用。
type FunctionCall struct {
	Name      string
	Arguments map[string]any
}

// StringArg 读取字符串参数，缺失或类型不符时返回空串。
func (c FunctionCall) StringArg(key string) string {
	if v, ok := c.Arguments[key].(string); ok {
		return v
	}
	return ""
}

// parseInlineCall 尝试把一段文本解析为内联函数调用 JSON。
// 兼容 arguments/parameters 两种字段名，以及参数被二次编码为字符串的情况。
func parseInlineCall(text string) (FunctionCall, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return FunctionCall{}, false
	}

	var payload struct {
		Name       string          `json:"name"`
		Arguments  json.RawMessage `json:"arguments"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return FunctionCall{}, false
	}
	if payload.Name == "" {
		return FunctionCall{}, false
	}

	raw := payload.Arguments
	if len(raw) == 0 {
		raw = payload.Parameters
	}
	args, ok := decodeArguments(raw)
	if !ok {
		return FunctionCall{}, false
	}
	return FunctionCall{Name: payload.Name, Arguments: args}, true
}

// decodeArguments 解析参数对象，空参数视为合法的无参调用。
func decodeArguments(raw json.RawMessage) (map[string]any, bool) {
	if len(raw) == 0 {
		return map[string]any{}, true
	}

	// 参数可能被编码成字符串再套一层 JSON。
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if strings.TrimSpace(asString) == "" {
			return map[string]any{}, true
		}
		raw = json.RawMessage(asString)
	}

	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, false
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, true
}

// braceClosed 判断文本中的大括号是否已经配平。
// 配平后仍解析失败的缓冲区说明不是控制 JSON，应当回灌为正文。
func braceClosed(text string) bool {
	depth := 0
	inString := false
	escaped := false
	started := false
	for _, r := range text {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
				started = true
			}
		case '}':
			if !inString {
				depth--
			}
		}
	}
	return started && depth <= 0
}
