package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/luoxiaohei/rolechat/internal/config"
)

// ArkBackend 用火山方舟模型实现生成后端，增量语义为 delta，
// 函数调用走结构化 tool call 通道。
type ArkBackend struct {
	plain     model.ChatModel
	withTools model.ChatModel
	modelName string
}

// NewArkBackend 创建 Ark 后端。函数规格在构造期绑定，
// 避免每次请求改变模型状态。
func NewArkBackend(ctx context.Context, cfg config.LLMConfig, specs []FunctionSpec) (*ArkBackend, error) {
	plain, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("create ark chat model: %w", err)
	}

	withTools, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("create ark tool model: %w", err)
	}
	if len(specs) > 0 {
		if err := withTools.BindTools(toToolInfos(specs)); err != nil {
			return nil, fmt.Errorf("bind tools: %w", err)
		}
	}

	return &ArkBackend{
		plain:     plain,
		withTools: withTools,
		modelName: cfg.Ark.Model,
	}, nil
}

// Capabilities 返回后端能力声明。
func (b *ArkBackend) Capabilities() Capabilities {
	return Capabilities{
		Emission:          EmissionDelta,
		SupportsFunctions: true,
		Model:             b.modelName,
	}
}

// GenerateStream 打开一次流式生成。
func (b *ArkBackend) GenerateStream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	chatModel := b.plain
	if len(req.Functions) > 0 {
		chatModel = b.withTools
	}

	opts := []model.Option{}
	if req.Temperature > 0 {
		opts = append(opts, model.WithTemperature(req.Temperature))
	}

	stream, err := chatModel.Stream(ctx, buildMessages(req), opts...)
	if err != nil {
		return nil, fmt.Errorf("ark stream: %w", err)
	}
	return stream, nil
}

func toToolInfos(specs []FunctionSpec) []*schema.ToolInfo {
	infos := make([]*schema.ToolInfo, 0, len(specs))
	for _, spec := range specs {
		params := make(map[string]*schema.ParameterInfo, len(spec.Parameters))
		for name, p := range spec.Parameters {
			params[name] = &schema.ParameterInfo{
				Type:     schema.DataType(p.Type),
				Desc:     p.Description,
				Required: p.Required,
			}
		}
		infos = append(infos, &schema.ToolInfo{
			Name:        spec.Name,
			Desc:        spec.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos
}
