package profile

import (
	"fmt"
	"strings"

	"github.com/luoxiaohei/rolechat/internal/model/persona"
)

// Profile 是从角色行为提示词提炼出的画像，供选择器做相关性排序。
type Profile struct {
	PersonaID string
	Name      string
	Expertise []string
	Keywords  []string
	Register  string // 情绪基调，如"温柔"、"冷静"
}

// 情绪基调关键词表，按教材式关键词桶匹配行为提示词。
var registerBuckets = map[string][]string{
	"温柔": {"温柔", "温暖", "体贴", "柔和", "真诚", "耐心"},
	"冷静": {"冷静", "克制", "理性", "严谨", "精确", "逻辑"},
	"幽默": {"幽默", "机智", "风趣", "犀利", "调侃"},
	"热情": {"热情", "积极", "活力", "兴奋", "爽朗"},
	"沉稳": {"沉稳", "坚定", "可靠", "庄重", "寡言"},
}

// Extract 从角色定义与行为提示词构建画像。
// 声明式字段优先，提示词文本只用于补全情绪基调。
func Extract(p persona.Persona) Profile {
	prof := Profile{
		PersonaID: p.ID,
		Name:      p.Name,
		Expertise: append([]string(nil), p.Expertise...),
		Keywords:  append([]string(nil), p.Keywords...),
	}

	source := p.Tone + " " + p.BehaviorPrompt
	best := ""
	bestHits := 0
	for register, words := range registerBuckets {
		hits := 0
		for _, w := range words {
			if strings.Contains(source, w) {
				hits++
			}
		}
		if hits > bestHits {
			best = register
			bestHits = hits
		}
	}
	prof.Register = best

	return prof
}

// Summary 生成一行画像描述，嵌入排序提示词。
func (p Profile) Summary() string {
	parts := []string{fmt.Sprintf("id=%s 名字=%s", p.PersonaID, p.Name)}
	if len(p.Expertise) > 0 {
		parts = append(parts, "专长:"+strings.Join(p.Expertise, "/"))
	}
	if len(p.Keywords) > 0 {
		parts = append(parts, "关键词:"+strings.Join(p.Keywords, "/"))
	}
	if p.Register != "" {
		parts = append(parts, "基调:"+p.Register)
	}
	return strings.Join(parts, " | ")
}

// Score 计算消息与画像的关键词重合度，作为无模型时的排序依据。
func (p Profile) Score(message string) int {
	score := 0
	for _, kw := range p.Keywords {
		if kw != "" && strings.Contains(message, kw) {
			score += 2
		}
	}
	for _, ex := range p.Expertise {
		if ex != "" && strings.Contains(message, ex) {
			score++
		}
	}
	if strings.Contains(message, p.Name) {
		score += 4
	}
	return score
}
