package llm

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// DevBackend 在开发模式下模拟生成端点，让整条流水线无凭证可跑。
// 会按声明的增量语义产出带情绪与动作标记的固定回复。
type DevBackend struct {
	emission Emission
	script   []string
}

// NewDevBackend 创建开发模式后端。
func NewDevBackend(emission Emission) *DevBackend {
	return &DevBackend{
		emission: emission,
		script: []string{
			"『信任』", "\"博士，", "这次行动", "交给你了。\"", "【轻触地图】",
		},
	}
}

// Capabilities 返回模拟后端的能力声明。
func (b *DevBackend) Capabilities() Capabilities {
	return Capabilities{
		Emission:          b.emission,
		SupportsFunctions: false,
		Model:             "dev-mode",
	}
}

// GenerateStream 按脚本产出固定的块序列。
func (b *DevBackend) GenerateStream(_ context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	reader, writer := schema.Pipe[*schema.Message](len(b.script))
	go func() {
		defer writer.Close()
		var sb strings.Builder
		for _, piece := range b.script {
			sb.WriteString(piece)
			content := piece
			if b.emission == EmissionCumulative {
				content = sb.String()
			}
			if closed := writer.Send(&schema.Message{Role: schema.Assistant, Content: content}, nil); closed {
				return
			}
		}
	}()
	return reader, nil
}
