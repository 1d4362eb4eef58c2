package turn

import (
	"strings"

	"github.com/luoxiaohei/rolechat/internal/analysis/sensitive"
	"github.com/luoxiaohei/rolechat/internal/model/session"
)

const defaultBehaviorPrompt = "你是一个有帮助的助手。"

// buildInstructions 组装本回合的系统提示词：
// 角色行为提示词 + 表达指南 + 行为规则（含分类引导）+ 可选的参考知识。
func buildInstructions(binding session.PersonaBinding, classification sensitive.Result, knowledge string) string {
	var sb strings.Builder

	base := strings.TrimSpace(binding.BehaviorPrompt)
	if base == "" {
		base = defaultBehaviorPrompt
	}
	sb.WriteString(base)

	sb.WriteString("\n\n【表达指南】")
	sb.WriteString("\n- 情感表达: 当你想表达情感时，使用『情绪』格式，如『信任』。")
	sb.WriteString("\n- 动作描述: 当你想描述动作时，使用【动作】格式，如【轻触地图】。")
	sb.WriteString("\n- 示例: 『信任』\"博士，这次行动交给你了。\"【轻触地图】")

	sb.WriteString("\n\n【行为规则】")
	sb.WriteString("\n- 敏感内容: 拒绝讨论政治敏感、暴力、色情等不适当内容。")
	sb.WriteString("\n- 日常回复: 保持友好、耐心的态度回答用户问题。")
	if guidance := classification.Guidance(); guidance != "" {
		sb.WriteString("\n- 本轮引导: ")
		sb.WriteString(guidance)
	}

	if knowledge != "" {
		sb.WriteString("\n\n【参考知识】\n")
		sb.WriteString(knowledge)
		sb.WriteString("\n（以上参考知识仅供回答时引用，不要逐字复述。）")
	}

	return sb.String()
}
