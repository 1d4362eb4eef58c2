package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/schema"

	"github.com/luoxiaohei/rolechat/internal/model/chat"
)

// Emission 是后端声明的增量输出语义。
type Emission string

const (
	// EmissionDelta 表示每个块只包含新增文本。
	EmissionDelta Emission = "delta"
	// EmissionCumulative 表示每个块是截至当前的全量文本。
	EmissionCumulative Emission = "cumulative"
	// EmissionAuto 表示语义未知，由归一化器按前缀启发式判断。
	EmissionAuto Emission = "auto"
)

// Capabilities 是后端的能力三元组。
type Capabilities struct {
	Emission          Emission
	SupportsFunctions bool
	Model             string
}

// ParamSpec 描述函数的一个参数。
type ParamSpec struct {
	Type        string
	Description string
	Required    bool
}

// FunctionSpec 描述可供模型调用的函数。
type FunctionSpec struct {
	Name        string
	Description string
	Parameters  map[string]ParamSpec
}

// Request 是一次生成请求。适配器只负责转换与传输，不做输出归一化。
type Request struct {
	System      string
	History     []chat.ContextMessage
	Message     string
	Temperature float32
	Functions   []FunctionSpec
}

// Backend 封装一个远端文本生成端点。
// 流中的块用 schema.Message 承载：Content 为文本，ToolCalls 为结构化函数调用。
type Backend interface {
	Capabilities() Capabilities
	GenerateStream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error)
}

// buildMessages 把请求转换为标准消息序列。
func buildMessages(req Request) []*schema.Message {
	messages := make([]*schema.Message, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, schema.SystemMessage(req.System))
	}
	for _, m := range req.History {
		switch m.Role {
		case chat.RoleUser:
			messages = append(messages, schema.UserMessage(m.Content))
		case chat.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(m.Content, nil))
		}
	}
	messages = append(messages, schema.UserMessage(req.Message))
	return messages
}

// Complete 打开一次不带函数通道的流并拼接为完整文本，
// 供选择器排序等一次性调用场景使用。
func Complete(ctx context.Context, b Backend, system, message string) (string, error) {
	stream, err := b.GenerateStream(ctx, Request{System: system, Message: message})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", recvErr
		}
		if chunk != nil {
			chunks = append(chunks, chunk)
		}
	}

	if len(chunks) == 0 {
		return "", nil
	}

	// 累积语义的后端最后一个块即全文，直接拼接会重复。
	if b.Capabilities().Emission == EmissionCumulative {
		return chunks[len(chunks)-1].Content, nil
	}

	merged, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", fmt.Errorf("concat stream chunks: %w", err)
	}
	return merged.Content, nil
}
