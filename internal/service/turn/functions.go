package turn

import "github.com/luoxiaohei/rolechat/internal/service/llm"

// 模型可调用的函数名。
const (
	FuncTriggerRAG      = "trigger_rag"
	FuncClassifyContent = "classify_content"
)

// Specs 返回回合流程向模型开放的函数定义。
func Specs() []llm.FunctionSpec {
	return []llm.FunctionSpec{
		{
			Name: FuncTriggerRAG,
			Description: "当用户询问设定、剧情、人物背景等需要查询知识库的问题时调用。" +
				"query 为检索关键词，可附加角色、事件、势力过滤条件。",
			Parameters: map[string]llm.ParamSpec{
				"query":     {Type: "string", Description: "检索关键词", Required: true},
				"character": {Type: "string", Description: "限定角色名"},
				"event":     {Type: "string", Description: "限定事件名"},
				"faction":   {Type: "string", Description: "限定势力名"},
			},
		},
		{
			Name:        FuncClassifyContent,
			Description: "当你不确定消息是否包含敏感内容时调用，对给定文本做内容安全分类。",
			Parameters: map[string]llm.ParamSpec{
				"text": {Type: "string", Description: "待分类文本", Required: true},
			},
		},
	}
}
