package llm

import (
	"context"
	"fmt"
	"log"

	"github.com/luoxiaohei/rolechat/internal/config"
)

// NewBackend 按配置创建生成后端。specs 是静态函数规格表，
// 只有声明函数能力的后端才会用到。
func NewBackend(ctx context.Context, cfg config.LLMConfig, specs []FunctionSpec) (Backend, error) {
	if cfg.DevMode {
		emission := EmissionDelta
		if cfg.Backend == "qianwen" {
			emission = EmissionCumulative
		}
		log.Printf("[llm] dev mode enabled, using simulated %s backend", emission)
		return NewDevBackend(emission), nil
	}

	switch cfg.Backend {
	case "ark":
		return NewArkBackend(ctx, cfg, specs)
	case "deepseek":
		if cfg.DeepSeek.APIKey == "" {
			return nil, fmt.Errorf("DEEPSEEK_API_KEY is required for the deepseek backend")
		}
		return NewOpenAIBackend(cfg.DeepSeek), nil
	case "qianwen":
		if cfg.Qianwen.APIKey == "" {
			return nil, fmt.Errorf("DASHSCOPE_API_KEY is required for the qianwen backend")
		}
		return NewQianwenBackend(cfg.Qianwen), nil
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.Backend)
	}
}
